// ABOUTME: Routes authenticated getMe/sendMessage/receiveMessage calls to the caller's connector session
// ABOUTME: Maps each failure stage onto the wire error taxonomy

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/rpcerr"
	"github.com/2389/comcenter/internal/session"
)

// TokenVerifier verifies session tokens. auth.Gateway implements it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*session.Payload, error)
}

// ConnectorLookup resolves the connector registered for a network name.
type ConnectorLookup interface {
	Get(network string) (connector.Connector, bool)
}

// CallRequest holds the parameters shared by every dispatched call.
type CallRequest struct {
	Token   string          `json:"token" validate:"required"`
	Network string          `json:"network" validate:"required"`
	Options json.RawMessage `json:"options" validate:"required,present"`
}

// Router dispatches calls to connectors on behalf of token holders.
type Router struct {
	verifier   TokenVerifier
	connectors ConnectorLookup
	logger     *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(verifier TokenVerifier, connectors ConnectorLookup, logger *slog.Logger) *Router {
	return &Router{
		verifier:   verifier,
		connectors: connectors,
		logger:     logger.With("component", "dispatch"),
	}
}

// GetMe returns the caller's identity on the requested network.
func (r *Router) GetMe(ctx context.Context, req CallRequest) (any, error) {
	return r.call(ctx, connector.MethodGetMe, req)
}

// SendMessage sends a message on the requested network.
func (r *Router) SendMessage(ctx context.Context, req CallRequest) (any, error) {
	return r.call(ctx, connector.MethodSendMessage, req)
}

// ReceiveMessage fetches pending messages from the requested network.
func (r *Router) ReceiveMessage(ctx context.Context, req CallRequest) (any, error) {
	return r.call(ctx, connector.MethodReceiveMessage, req)
}

// Call dispatches the named method. Unknown methods are reported as bad requests.
func (r *Router) Call(ctx context.Context, method connector.Method, req CallRequest) (any, error) {
	switch method {
	case connector.MethodGetMe, connector.MethodSendMessage, connector.MethodReceiveMessage:
		return r.call(ctx, method, req)
	default:
		return nil, rpcerr.New(rpcerr.CodeBadRequest, "Unknown method %s.", method)
	}
}

func (r *Router) call(ctx context.Context, method connector.Method, req CallRequest) (any, error) {
	if err := rpcerr.Validate(req, "Params provided are not { token, network, Object }"); err != nil {
		return nil, err
	}

	payload, err := r.verifier.VerifyToken(ctx, req.Token)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeAuthFailed, err, "Auth error. -> %s", err.Error())
	}

	idx := payload.IndexOf(req.Network)
	if idx < 0 {
		return nil, rpcerr.New(rpcerr.CodeNetworkNotAuthorized, "Network %s not found in user network list.", req.Network)
	}

	c, ok := r.connectors.Get(req.Network)
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeNetworkInactive, "Network module %s is not activated.", req.Network)
	}

	handle, ok := payload.HandleAt(idx)
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeNetworkInactive, "Network %s has no active connection.", req.Network)
	}

	result, err := connector.Invoke(ctx, c, method, handle, req.Options)
	if err != nil {
		r.logger.Debug("connector call failed", "network", req.Network, "method", method, "error", err)
		return nil, rpcerr.Wrap(rpcerr.CodeConnectorError, err, "%s", err.Error())
	}
	return result, nil
}
