// ABOUTME: Credential store interface and data types for comcenter persistence
// ABOUTME: Defines User and Network records and the lookups the auth gateway consumes

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/comcenter/internal/connector"
)

// ErrUserNotFound is returned when no user has the requested username.
var ErrUserNotFound = errors.New("user not found")

// ErrUsernameExists is returned when trying to create a user with an existing username.
var ErrUsernameExists = errors.New("username already exists")

// ErrNetworkExists is returned when a user already owns a network with the same name.
var ErrNetworkExists = errors.New("network already exists for user")

// User is an account that can authenticate against the gateway.
type User struct {
	ID           string
	Username     string
	PasswordHash string // bcrypt hash
	Networks     []*Network
	CreatedAt    time.Time
}

// Network is a backend network owned by a user together with the credential
// material used to open a connector session for that user.
type Network struct {
	ID          string
	Name        string
	Credentials connector.Credentials
	CreatedAt   time.Time
}

// CredentialStore is the read side the auth gateway depends on.
type CredentialStore interface {
	// GetUserWithNetworks returns the user with its networks loaded in stored
	// order. Returns ErrUserNotFound if the username is unknown.
	GetUserWithNetworks(ctx context.Context, username string) (*User, error)
}

// Store is the full persistence interface used by the server and CLI.
type Store interface {
	CredentialStore

	CreateUser(ctx context.Context, user *User) error
	AddNetwork(ctx context.Context, username string, network *Network) error
	RemoveNetwork(ctx context.Context, username, networkName string) error
	ListUsers(ctx context.Context) ([]*User, error)

	// Close releases any resources held by the store
	Close() error
}
