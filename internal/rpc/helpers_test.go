// ABOUTME: Shared fixtures for rpc package tests
// ABOUTME: Builds a handler over a loopback network with a seeded mock store

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/comcenter/internal/auth"
	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/connector/loopback"
	"github.com/2389/comcenter/internal/dispatch"
	"github.com/2389/comcenter/internal/session"
	"github.com/2389/comcenter/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack wires the real auth gateway and router over an in-memory store
// with a single loopback network called Echo.
type stack struct {
	handler *Handler
	store   *store.MockStore
	echo    *loopback.Connector
}

func newStack(t *testing.T, limiter *Limiter) *stack {
	t.Helper()
	logger := testLogger()

	registry := connector.NewRegistry(logger)
	echo := loopback.New("Echo")
	require.NoError(t, registry.Register(echo))

	codec, err := session.NewCodec(session.Config{
		Secret:    []byte("rpc-test-secret"),
		ExpiresIn: time.Hour,
	})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	st := store.NewMockStore()
	require.NoError(t, st.CreateUser(context.Background(), &store.User{
		Username:     "alice",
		PasswordHash: string(hash),
		Networks: []*store.Network{
			{Name: "Echo", Credentials: connector.Credentials{Username: "alice"}},
		},
	}))

	gw := auth.NewGateway(st, registry, codec, logger)
	router := dispatch.NewRouter(gw, registry, logger)

	return &stack{
		handler: NewHandler(gw, router, limiter, logger),
		store:   st,
		echo:    echo,
	}
}

// stubAuth and stubRouter let tests force specific outcomes.
type stubAuth struct {
	token string
	err   error
	got   auth.AuthenticateRequest
}

func (s *stubAuth) Authenticate(ctx context.Context, req auth.AuthenticateRequest) (string, error) {
	s.got = req
	return s.token, s.err
}

type stubRouter struct {
	result any
	err    error
}

func (s *stubRouter) Call(ctx context.Context, method connector.Method, req dispatch.CallRequest) (any, error) {
	return s.result, s.err
}

var errStoreDown = errors.New("connection refused")

// decodeResponse decodes a single JSON-RPC reply.
func decodeResponse(t *testing.T, b []byte) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(b, &resp), string(b))
	return resp
}

// resultString decodes a string result, failing on error replies.
func resultString(t *testing.T, resp Response) string {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error %+v", resp.Error)
	var s string
	require.NoError(t, json.Unmarshal(resp.Result, &s))
	return s
}
