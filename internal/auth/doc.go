// Package auth authenticates comcenter users and owns the lifecycle of their
// session tokens.
//
// # Login
//
// Gateway.Authenticate looks the user up in a store.CredentialStore, checks
// the bcrypt password hash and then opens one connector session per owned
// network. The sessions are opened concurrently but collected by position, so
// the resulting token lists networks and handles in the order the store
// returned them. A network whose connector is missing or whose connection
// fails is kept in the token with a nil handle:
//
//	token, err := gw.Authenticate(ctx, auth.AuthenticateRequest{
//		Username: "alice",
//		Password: "correctpw",
//	})
//
// # Verification and Cleanup
//
// Gateway.VerifyToken checks a token with the session codec. If the token is
// expired or its signature does not match, the gateway reads the token
// without verification and removes every connection it references before
// returning the error. Cleanup is best effort: removal failures are logged.
//
// # Errors
//
// Login failures are *rpcerr.Error values with the wire codes 100, 300 and
// 301. Store outages are returned as plain wrapped errors.
package auth
