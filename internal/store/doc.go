// Package store persists comcenter users and the backend networks they may use.
//
// # Architecture
//
// Two interfaces split the read path from administration:
//
//   - CredentialStore: the single lookup the login flow performs
//   - Store: CredentialStore plus user and network management for the CLI
//
// Three implementations are provided:
//
//   - SQLiteStore: embedded database (modernc.org/sqlite), the default
//   - PostgresStore: shared database over a pgx pool
//   - MockStore: in-memory, for tests
//
// # Data Model
//
//   - User: username, bcrypt password hash and an ordered network list
//   - Network: network name plus the credentials a connector needs to open
//     a session (token, or username and password)
//
// Network order is significant. Sessions are issued with networks in the
// order the store returns them, so every implementation keeps the order in
// which networks were added.
//
// # Errors
//
//   - ErrUserNotFound: unknown username
//   - ErrUsernameExists: CreateUser with a taken username
//   - ErrNetworkExists: a user already owns a network with that name
package store
