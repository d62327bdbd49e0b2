// ABOUTME: Wire-level error taxonomy shared by the auth gateway, dispatcher and RPC front end
// ABOUTME: Numeric codes are part of the public contract and must never be renumbered

package rpcerr

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error code returned to RPC clients.
type Code int

const (
	CodeBadRequest           Code = 100 // malformed or missing request parameters
	CodeUserNotFound         Code = 300 // unknown username
	CodeBadCredentials       Code = 301 // wrong password
	CodeAuthFailed           Code = 399 // token invalid or expired
	CodeNetworkNotAuthorized Code = 400 // token does not grant the requested network
	CodeNetworkInactive      Code = 401 // no active connector (or live connection) for the network
	CodeConnectorError       Code = 402 // connector-level operation failure
)

// String returns the symbolic name of the code, used for metrics labels and logs.
func (c Code) String() string {
	switch c {
	case CodeBadRequest:
		return "bad_request"
	case CodeUserNotFound:
		return "user_not_found"
	case CodeBadCredentials:
		return "bad_credentials"
	case CodeAuthFailed:
		return "auth_failed"
	case CodeNetworkNotAuthorized:
		return "network_not_authorized"
	case CodeNetworkInactive:
		return "network_inactive"
	case CodeConnectorError:
		return "connector_error"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

// Error is a structured, client-visible failure.
type Error struct {
	Code    Code
	Message string
	Err     error // underlying cause, never sent to the client
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that keeps cause for errors.Is / errors.As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code carried by err, or false for internal faults.
func CodeOf(err error) (Code, bool) {
	if e, ok := As(err); ok {
		return e.Code, true
	}
	return 0, false
}
