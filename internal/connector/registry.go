// ABOUTME: Thread-safe registry of live connectors addressable by network name
// ABOUTME: One connector instance per configured network, shared by every user session

package connector

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// ErrAlreadyRegistered indicates a connector with the same network name exists.
var ErrAlreadyRegistered = errors.New("connector already registered")

// Registry maps network names to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		logger:     logger,
	}
}

// Register adds c under c.Name().
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[c.Name()]; exists {
		return ErrAlreadyRegistered
	}

	r.connectors[c.Name()] = c
	r.logger.Info("connector registered",
		"network", c.Name(),
		"total_connectors", len(r.connectors),
	)
	return nil
}

// Unregister removes the connector for network, closing it if it implements io.Closer.
func (r *Registry) Unregister(network string) {
	r.mu.Lock()
	c, exists := r.connectors[network]
	delete(r.connectors, network)
	r.mu.Unlock()

	if !exists {
		return
	}
	if closer, ok := c.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("closing connector", "network", network, "error", err)
		}
	}
	r.logger.Info("connector unregistered", "network", network)
}

// Get returns the connector registered for network.
func (r *Registry) Get(network string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[network]
	return c, ok
}

// Names returns the registered network names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unregisters every connector.
func (r *Registry) Close() {
	for _, name := range r.Names() {
		r.Unregister(name)
	}
}
