// ABOUTME: Transport-independent method table shared by the JSON-RPC and gRPC front ends
// ABOUTME: Decodes named params, applies the rate limit and records request metrics

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/comcenter/internal/auth"
	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/dispatch"
	"github.com/2389/comcenter/internal/metrics"
	"github.com/2389/comcenter/internal/rpcerr"
)

// Method names exposed to clients.
const (
	MethodAuthenticate   = "authenticate"
	MethodGetMe          = string(connector.MethodGetMe)
	MethodSendMessage    = string(connector.MethodSendMessage)
	MethodReceiveMessage = string(connector.MethodReceiveMessage)
)

// Transport labels used in logs and metrics.
const (
	TransportTCP   = "tcp"
	TransportTLS   = "tls"
	TransportHTTP  = "http"
	TransportHTTPS = "https"
	TransportGRPC  = "grpc"
)

var (
	// ErrMethodNotFound is returned by Invoke for names outside the method table.
	ErrMethodNotFound = errors.New("method not found")
	// ErrRateLimited is returned by Invoke when the client exceeded its rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Authenticator performs the login flow. auth.Gateway implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.AuthenticateRequest) (string, error)
}

// Dispatcher routes token-bearing calls. dispatch.Router implements it.
type Dispatcher interface {
	Call(ctx context.Context, method connector.Method, req dispatch.CallRequest) (any, error)
}

// Handler executes RPC methods on behalf of every transport.
type Handler struct {
	auth    Authenticator
	router  Dispatcher
	limiter *Limiter
	logger  *slog.Logger
}

// NewHandler creates a Handler. limiter may be nil to disable rate limiting.
func NewHandler(a Authenticator, router Dispatcher, limiter *Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		auth:    a,
		router:  router,
		limiter: limiter,
		logger:  logger.With("component", "rpc"),
	}
}

// Invoke runs one method call. client identifies the caller for rate
// limiting. Errors are either *rpcerr.Error, ErrMethodNotFound,
// ErrRateLimited or an internal fault.
func (h *Handler) Invoke(ctx context.Context, transport, client, method string, params json.RawMessage) (any, error) {
	start := time.Now()
	result, err := h.invoke(ctx, transport, client, method, params)
	metrics.RecordRequest(transport, methodLabel(method), outcomeLabel(err), time.Since(start))

	if err != nil {
		if _, ok := rpcerr.As(err); !ok && !errors.Is(err, ErrMethodNotFound) && !errors.Is(err, ErrRateLimited) {
			h.logger.Error("internal error", "transport", transport, "method", method, "error", err)
		}
	}
	return result, err
}

func (h *Handler) invoke(ctx context.Context, transport, client, method string, params json.RawMessage) (any, error) {
	if !h.limiter.Allow(client) {
		metrics.RecordRateLimited(transport)
		return nil, ErrRateLimited
	}

	switch method {
	case MethodAuthenticate:
		var req auth.AuthenticateRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeBadRequest, err, "Params provided are not { username, password }")
		}
		token, err := h.auth.Authenticate(ctx, req)
		if err != nil {
			return nil, err
		}
		return token, nil

	case MethodGetMe, MethodSendMessage, MethodReceiveMessage:
		var req dispatch.CallRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeBadRequest, err, "Params provided are not { token, network, Object }")
		}
		return h.router.Call(ctx, connector.Method(method), req)

	default:
		return nil, ErrMethodNotFound
	}
}

// decodeParams decodes named params. Absent params decode to the zero value
// so that field validation reports what is missing.
func decodeParams(params json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}

func methodLabel(method string) string {
	switch method {
	case MethodAuthenticate, MethodGetMe, MethodSendMessage, MethodReceiveMessage:
		return method
	default:
		return "unknown"
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := rpcerr.CodeOf(err); ok {
		return code.String()
	}
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return "method_not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
