// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	users map[string]*User // keyed by username

	// GetErr, when set, is returned by GetUserWithNetworks.
	GetErr error
	// Lookups counts GetUserWithNetworks calls.
	Lookups int
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users: make(map[string]*User),
	}
}

// GetUserWithNetworks returns a copy of the stored user.
func (m *MockStore) GetUserWithNetworks(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Lookups++
	if m.GetErr != nil {
		return nil, m.GetErr
	}

	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.Username]; exists {
		return ErrUsernameExists
	}

	seen := make(map[string]bool, len(user.Networks))
	for _, n := range user.Networks {
		if seen[n.Name] {
			return ErrNetworkExists
		}
		seen[n.Name] = true
	}

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	m.users[user.Username] = copyUser(user)
	return nil
}

// AddNetwork appends a network to the user's list.
func (m *MockStore) AddNetwork(ctx context.Context, username string, network *Network) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	for _, n := range u.Networks {
		if n.Name == network.Name {
			return ErrNetworkExists
		}
	}

	if network.ID == "" {
		network.ID = uuid.New().String()
	}
	n := *network
	u.Networks = append(u.Networks, &n)
	return nil
}

// RemoveNetwork deletes a network from the user's list.
func (m *MockStore) RemoveNetwork(ctx context.Context, username, networkName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	for i, n := range u.Networks {
		if n.Name == networkName {
			u.Networks = append(u.Networks[:i], u.Networks[i+1:]...)
			return nil
		}
	}
	return ErrUserNotFound
}

// ListUsers returns all users sorted by username.
func (m *MockStore) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func copyUser(u *User) *User {
	c := *u
	c.Networks = make([]*Network, len(u.Networks))
	for i, n := range u.Networks {
		nc := *n
		c.Networks[i] = &nc
	}
	return &c
}
