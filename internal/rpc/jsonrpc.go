// ABOUTME: JSON-RPC 2.0 envelope handling: single requests, batches and notifications
// ABOUTME: Maps taxonomy errors to their numeric codes and hides internal faults behind -32603

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/2389/comcenter/internal/rpcerr"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	// CodeRateLimited is in the implementation-defined server error range.
	CodeRateLimited = -32000
)

const jsonrpcVersion = "2.0"

var nullID = json.RawMessage("null")

// Request is a JSON-RPC 2.0 request object. A request without an id is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the error member of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	if id == nil {
		id = nullID
	}
	return &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// wireError converts an Invoke error into the error member sent to clients.
func wireError(err error) *Error {
	if e, ok := rpcerr.As(err); ok {
		return &Error{Code: int(e.Code), Message: e.Message}
	}
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	case errors.Is(err, ErrRateLimited):
		return &Error{Code: CodeRateLimited, Message: "Rate limit exceeded"}
	default:
		return &Error{Code: CodeInternalError, Message: "Internal error"}
	}
}

// ServeJSONRPC processes one JSON-RPC payload (a request or a batch) and
// returns the encoded reply. It returns nil when nothing must be sent back,
// which happens when the payload held only notifications.
func (h *Handler) ServeJSONRPC(ctx context.Context, transport, client string, body []byte) []byte {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return mustMarshal(errorResponse(nil, CodeParseError, "Parse error"))
	}

	if body[0] != '[' {
		resp := h.serveOne(ctx, transport, client, body)
		if resp == nil {
			return nil
		}
		return mustMarshal(resp)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		return mustMarshal(errorResponse(nil, CodeParseError, "Parse error"))
	}
	if len(batch) == 0 {
		return mustMarshal(errorResponse(nil, CodeInvalidRequest, "Invalid Request"))
	}

	responses := make([]*Response, len(batch))
	var g errgroup.Group
	for i, raw := range batch {
		g.Go(func() error {
			responses[i] = h.serveOne(ctx, transport, client, raw)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Response, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return mustMarshal(out)
}

func (h *Handler) serveOne(ctx context.Context, transport, client string, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeInvalidRequest, "Invalid Request")
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "Invalid Request")
	}

	result, err := h.Invoke(ctx, transport, client, req.Method, req.Params)
	if req.ID == nil {
		return nil
	}
	if err != nil {
		return &Response{JSONRPC: jsonrpcVersion, Error: wireError(err), ID: req.ID}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("encoding result", "method", req.Method, "error", err)
		return errorResponse(req.ID, CodeInternalError, "Internal error")
	}
	return &Response{JSONRPC: jsonrpcVersion, Result: encoded, ID: req.ID}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Responses only hold RawMessage values that were already valid JSON
		panic(err)
	}
	return b
}
