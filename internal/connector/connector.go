// ABOUTME: Capability contract every backend network connector implements
// ABOUTME: Handles are opaque to the gateway and only meaningful to the issuing connector

package connector

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnknownHandle is returned by connectors when a handle does not refer to a
// live session. RemoveConnection must not return it.
var ErrUnknownHandle = errors.New("unknown connection handle")

// ErrMissingCredentials is returned by AddConnection when the network record
// lacks the credential material the connector needs.
var ErrMissingCredentials = errors.New("missing credentials")

// Handle identifies one open connector session.
type Handle string

// Credentials is the per-network secret material stored for a user.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Connector is a backend adapter for one external network type. All methods
// may block and must be safe for concurrent use across handles.
type Connector interface {
	// Name is the network name the connector is registered under.
	Name() string

	AddConnection(ctx context.Context, creds Credentials) (Handle, error)

	// RemoveConnection closes a session. Unknown or already closed handles
	// are not an error.
	RemoveConnection(ctx context.Context, h Handle) error

	GetMe(ctx context.Context, h Handle, opts json.RawMessage) (any, error)
	SendMessage(ctx context.Context, h Handle, opts json.RawMessage) (any, error)
	ReceiveMessage(ctx context.Context, h Handle, opts json.RawMessage) (any, error)
}

// Method selects one of the three dispatchable connector operations.
type Method string

const (
	MethodGetMe          Method = "getMe"
	MethodSendMessage    Method = "sendMessage"
	MethodReceiveMessage Method = "receiveMessage"
)

// Invoke calls the connector operation named by m.
func Invoke(ctx context.Context, c Connector, m Method, h Handle, opts json.RawMessage) (any, error) {
	switch m {
	case MethodGetMe:
		return c.GetMe(ctx, h, opts)
	case MethodSendMessage:
		return c.SendMessage(ctx, h, opts)
	case MethodReceiveMessage:
		return c.ReceiveMessage(ctx, h, opts)
	default:
		return nil, errors.New("unsupported connector method: " + string(m))
	}
}
