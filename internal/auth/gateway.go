// ABOUTME: Login and session token lifecycle: opens per-network connections and signs them into a token
// ABOUTME: Verification failures reclaim the connections an invalid token still references

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/metrics"
	"github.com/2389/comcenter/internal/rpcerr"
	"github.com/2389/comcenter/internal/session"
	"github.com/2389/comcenter/internal/store"
)

// ErrTokenMissing is returned by VerifyToken when no token was supplied.
var ErrTokenMissing = errors.New("token not found")

// ConnectorLookup resolves the connector registered for a network name.
type ConnectorLookup interface {
	Get(network string) (connector.Connector, bool)
}

// AuthenticateRequest holds the authenticate call parameters.
type AuthenticateRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Gateway authenticates users and manages the connections bound to their
// session tokens.
type Gateway struct {
	store      store.CredentialStore
	connectors ConnectorLookup
	codec      *session.Codec
	logger     *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(s store.CredentialStore, connectors ConnectorLookup, codec *session.Codec, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:      s,
		connectors: connectors,
		codec:      codec,
		logger:     logger.With("component", "auth"),
	}
}

// Authenticate checks the user's password, opens a connection for each owned
// network and returns a token binding the resulting handles.
func (g *Gateway) Authenticate(ctx context.Context, req AuthenticateRequest) (string, error) {
	if err := rpcerr.Validate(req, "Params provided are not { username, password }"); err != nil {
		metrics.RecordLogin("bad_request")
		return "", err
	}

	user, err := g.store.GetUserWithNetworks(ctx, req.Username)
	if errors.Is(err, store.ErrUserNotFound) {
		metrics.RecordLogin("user_not_found")
		return "", rpcerr.New(rpcerr.CodeUserNotFound, "User %s not found.", req.Username)
	}
	if err != nil {
		metrics.RecordLogin("store_error")
		return "", fmt.Errorf("looking up user %q: %w", req.Username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		metrics.RecordLogin("bad_credentials")
		return "", rpcerr.New(rpcerr.CodeBadCredentials, "Incorrect password.")
	}

	entries := g.openConnections(ctx, user.Networks)

	token, err := g.codec.Issue(session.NewPayload(entries))
	if err != nil {
		g.removeEntries(ctx, entries)
		metrics.RecordLogin("issue_error")
		return "", fmt.Errorf("issuing session token: %w", err)
	}

	live := 0
	for _, e := range entries {
		if e.Handle != nil {
			live++
		}
	}
	g.logger.Info("user authenticated", "username", user.Username, "networks", len(entries), "connected", live)
	metrics.RecordLogin("success")

	return token, nil
}

// openConnections opens one connection per network concurrently. The result
// has one entry per network in input order; failed networks get a nil handle.
func (g *Gateway) openConnections(ctx context.Context, networks []*store.Network) []session.Entry {
	entries := make([]session.Entry, len(networks))

	var eg errgroup.Group
	for i, n := range networks {
		entries[i].Network = n.Name
		eg.Go(func() error {
			entries[i].Handle = g.openConnection(ctx, n)
			return nil
		})
	}
	_ = eg.Wait()

	return entries
}

func (g *Gateway) openConnection(ctx context.Context, n *store.Network) *connector.Handle {
	c, ok := g.connectors.Get(n.Name)
	if !ok {
		g.logger.Debug("no connector registered for network", "network", n.Name)
		return nil
	}

	h, err := c.AddConnection(ctx, n.Credentials)
	metrics.RecordConnectionOpened(n.Name, err == nil)
	if err != nil {
		g.logger.Warn("opening connection failed", "network", n.Name, "error", err)
		return nil
	}
	return &h
}

// VerifyToken returns the payload of a valid token. When verification fails
// the connections referenced by the token are reclaimed before the error is
// returned.
func (g *Gateway) VerifyToken(ctx context.Context, token string) (*session.Payload, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	payload, err := g.codec.Verify(token)
	if err != nil {
		g.CloseOldTokenConnections(ctx, token)
		return nil, err
	}
	return payload, nil
}

// CloseOldTokenConnections removes every connection the token claims to own.
// The signature is not checked. Failures are logged and never returned.
func (g *Gateway) CloseOldTokenConnections(ctx context.Context, token string) {
	u, err := g.codec.DecodeUnverified(token)
	if err != nil {
		g.logger.Debug("token not decodable, nothing to reclaim", "error", err)
		return
	}

	var entries []session.Entry
	u.EachHandle(func(network string, h connector.Handle) {
		entries = append(entries, session.Entry{Network: network, Handle: &h})
	})
	g.removeEntries(ctx, entries)
}

// removeEntries calls RemoveConnection once for every live handle and waits
// for all of them. The caller's cancellation does not abort removals.
func (g *Gateway) removeEntries(ctx context.Context, entries []session.Entry) {
	ctx = context.WithoutCancel(ctx)

	var eg errgroup.Group
	for _, e := range entries {
		if e.Handle == nil {
			continue
		}
		c, ok := g.connectors.Get(e.Network)
		if !ok {
			continue
		}
		h := *e.Handle
		eg.Go(func() error {
			err := c.RemoveConnection(ctx, h)
			metrics.RecordConnectionReclaimed(e.Network, err == nil)
			if err != nil {
				g.logger.Warn("removing connection failed", "network", e.Network, "error", err)
			} else {
				g.logger.Debug("removed connection", "network", e.Network)
			}
			return nil
		})
	}
	_ = eg.Wait()
}
