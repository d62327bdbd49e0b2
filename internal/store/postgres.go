// ABOUTME: PostgreSQL implementation of the Store interface using pgx
// ABOUTME: Takes a pool behind a small interface so tests can substitute pgxmock

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     DB
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS networks (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		position   INTEGER NOT NULL,
		token      TEXT,
		username   TEXT,
		password   TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_networks_user_position ON networks(user_id, position);
`

// NewPostgresStore connects to dsn, verifies the connection and creates the
// schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := NewPostgresStoreWithDB(pool)
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("Postgres store initialized", "host", config.ConnConfig.Host, "database", config.ConnConfig.Database)
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing pool. The schema is assumed to exist.
func NewPostgresStoreWithDB(db DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "store", "driver", "postgres"),
	}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.db.Close()
	return nil
}

// GetUserWithNetworks loads a user and its networks ordered by position.
func (s *PostgresStore) GetUserWithNetworks(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, name, token, username, password, created_at
		FROM networks
		WHERE user_id = $1
		ORDER BY position ASC
	`, user.ID)
	if err != nil {
		return nil, fmt.Errorf("querying networks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n Network
		var token, login, password pgtype.Text
		if err := rows.Scan(&n.ID, &n.Name, &token, &login, &password, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		n.Credentials.Token = token.String
		n.Credentials.Username = login.String
		n.Credentials.Password = password.String
		user.Networks = append(user.Networks, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating networks: %w", err)
	}

	return &user, nil
}

// CreateUser inserts a user and its networks in a single transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		_ = tx.Rollback(ctx)
		if isPgUniqueViolation(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	for i, n := range user.Networks {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = user.CreatedAt
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO networks (id, user_id, name, position, token, username, password, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, n.ID, user.ID, n.Name, i,
			nullable(n.Credentials.Token), nullable(n.Credentials.Username), nullable(n.Credentials.Password),
			n.CreatedAt)
		if err != nil {
			_ = tx.Rollback(ctx)
			if isPgUniqueViolation(err) {
				return ErrNetworkExists
			}
			return fmt.Errorf("inserting network: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing user: %w", err)
	}

	s.logger.Info("created user", "id", user.ID, "username", user.Username, "networks", len(user.Networks))
	return nil
}

// AddNetwork appends a network after the user's last one.
func (s *PostgresStore) AddNetwork(ctx context.Context, username string, network *Network) error {
	if network.ID == "" {
		network.ID = uuid.New().String()
	}
	if network.CreatedAt.IsZero() {
		network.CreatedAt = time.Now().UTC()
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO networks (id, user_id, name, position, token, username, password, created_at)
		SELECT $1, u.id, $2,
			COALESCE((SELECT MAX(position) + 1 FROM networks WHERE user_id = u.id), 0),
			$3, $4, $5, $6
		FROM users u
		WHERE u.username = $7
	`, network.ID, network.Name,
		nullable(network.Credentials.Token), nullable(network.Credentials.Username), nullable(network.Credentials.Password),
		network.CreatedAt, username)
	if err != nil {
		if isPgUniqueViolation(err) {
			return ErrNetworkExists
		}
		return fmt.Errorf("inserting network: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	s.logger.Info("added network", "username", username, "network", network.Name)
	return nil
}

// RemoveNetwork deletes a network owned by username.
func (s *PostgresStore) RemoveNetwork(ctx context.Context, username, networkName string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM networks
		WHERE name = $1 AND user_id = (SELECT id FROM users WHERE username = $2)
	`, networkName, username)
	if err != nil {
		return fmt.Errorf("deleting network: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns all users with their networks, ordered by username.
func (s *PostgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.Query(ctx, `SELECT username FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	usernames, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning users: %w", err)
	}

	users := make([]*User, 0, len(usernames))
	for _, name := range usernames {
		u, err := s.GetUserWithNetworks(ctx, name)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
