// ABOUTME: Tests for call dispatch: validation, token checks, network lookup and connector errors
// ABOUTME: Runs the real auth gateway over the in-memory store with recording connectors

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/comcenter/internal/auth"
	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/rpcerr"
	"github.com/2389/comcenter/internal/session"
	"github.com/2389/comcenter/internal/store"
)

type call struct {
	method connector.Method
	handle connector.Handle
	opts   string
}

// recordingConnector records every call and returns a canned result.
type recordingConnector struct {
	name    string
	callErr error
	addErr  error

	mu      sync.Mutex
	next    int
	calls   []call
	removed []connector.Handle
}

func (r *recordingConnector) Name() string { return r.name }

func (r *recordingConnector) AddConnection(ctx context.Context, creds connector.Credentials) (connector.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return "", r.addErr
	}
	r.next++
	return connector.Handle(fmt.Sprintf("%s-h%d", r.name, r.next)), nil
}

func (r *recordingConnector) RemoveConnection(ctx context.Context, h connector.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, h)
	return nil
}

func (r *recordingConnector) record(m connector.Method, h connector.Handle, opts json.RawMessage) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{method: m, handle: h, opts: string(opts)})
	if r.callErr != nil {
		return nil, r.callErr
	}
	return map[string]any{"network": r.name, "method": string(m)}, nil
}

func (r *recordingConnector) GetMe(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	return r.record(connector.MethodGetMe, h, opts)
}

func (r *recordingConnector) SendMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	return r.record(connector.MethodSendMessage, h, opts)
}

func (r *recordingConnector) ReceiveMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	return r.record(connector.MethodReceiveMessage, h, opts)
}

type fixture struct {
	router   *Router
	gw       *auth.Gateway
	registry *connector.Registry
	now      time.Time
	chat     *recordingConnector
	home     *recordingConnector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		registry: connector.NewRegistry(logger),
		now:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		chat:     &recordingConnector{name: "Chat"},
		home:     &recordingConnector{name: "Home"},
	}
	require.NoError(t, f.registry.Register(f.chat))
	require.NoError(t, f.registry.Register(f.home))

	codec, err := session.NewCodec(session.Config{
		Secret:    []byte("dispatch-test-secret"),
		ExpiresIn: time.Hour,
	}, session.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("correctpw"), bcrypt.MinCost)
	require.NoError(t, err)

	st := store.NewMockStore()
	require.NoError(t, st.CreateUser(context.Background(), &store.User{
		Username:     "alice",
		PasswordHash: string(hash),
		Networks: []*store.Network{
			{Name: "Chat", Credentials: connector.Credentials{Token: "chat"}},
			{Name: "Home", Credentials: connector.Credentials{Token: "home"}},
		},
	}))

	f.gw = auth.NewGateway(st, f.registry, codec, logger)
	f.router = NewRouter(f.gw, f.registry, logger)
	return f
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	token, err := f.gw.Authenticate(context.Background(), auth.AuthenticateRequest{Username: "alice", Password: "correctpw"})
	require.NoError(t, err)
	return token
}

func requireCode(t *testing.T, err error, want rpcerr.Code) *rpcerr.Error {
	t.Helper()
	rerr, ok := rpcerr.As(err)
	require.True(t, ok, "expected *rpcerr.Error, got %v", err)
	require.Equal(t, want, rerr.Code, rerr.Message)
	return rerr
}

func TestRouter_RoutesToHandleAtMatchingPosition(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	ctx := context.Background()

	res, err := f.router.SendMessage(ctx, CallRequest{Token: token, Network: "Chat", Options: json.RawMessage(`{"text":"hi"}`)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"network": "Chat", "method": "sendMessage"}, res)

	_, err = f.router.GetMe(ctx, CallRequest{Token: token, Network: "Home", Options: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = f.router.ReceiveMessage(ctx, CallRequest{Token: token, Network: "Chat", Options: json.RawMessage(`{"limit":1}`)})
	require.NoError(t, err)

	assert.Equal(t, []call{
		{method: connector.MethodSendMessage, handle: "Chat-h1", opts: `{"text":"hi"}`},
		{method: connector.MethodReceiveMessage, handle: "Chat-h1", opts: `{"limit":1}`},
	}, f.chat.calls)
	assert.Equal(t, []call{
		{method: connector.MethodGetMe, handle: "Home-h1", opts: `{}`},
	}, f.home.calls)
}

func TestRouter_NetworkNotInToken(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	// Weather is active globally but alice's token does not grant it
	weather := &recordingConnector{name: "Weather"}
	require.NoError(t, f.registry.Register(weather))

	_, err := f.router.SendMessage(context.Background(), CallRequest{Token: token, Network: "Weather", Options: json.RawMessage(`{}`)})
	rerr := requireCode(t, err, rpcerr.CodeNetworkNotAuthorized)
	assert.Equal(t, "Network Weather not found in user network list.", rerr.Message)
	assert.Empty(t, weather.calls)
}

func TestRouter_NetworkNameMatchIsExact(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	_, err := f.router.GetMe(context.Background(), CallRequest{Token: token, Network: "chat", Options: json.RawMessage(`{}`)})
	requireCode(t, err, rpcerr.CodeNetworkNotAuthorized)
}

func TestRouter_ConnectorNotRegistered(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	f.registry.Unregister("Home")

	_, err := f.router.SendMessage(context.Background(), CallRequest{Token: token, Network: "Home", Options: json.RawMessage(`{}`)})
	rerr := requireCode(t, err, rpcerr.CodeNetworkInactive)
	assert.Equal(t, "Network module Home is not activated.", rerr.Message)
}

func TestRouter_NilHandleIsInactive(t *testing.T) {
	f := newFixture(t)
	f.home.addErr = errors.New("hub unreachable")
	token := f.login(t)

	_, err := f.router.GetMe(context.Background(), CallRequest{Token: token, Network: "Home", Options: json.RawMessage(`{}`)})
	requireCode(t, err, rpcerr.CodeNetworkInactive)
	assert.Empty(t, f.home.calls)

	// The other network is unaffected
	_, err = f.router.GetMe(context.Background(), CallRequest{Token: token, Network: "Chat", Options: json.RawMessage(`{}`)})
	assert.NoError(t, err)
}

func TestRouter_ExpiredTokenReclaimsOncePerCall(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	f.now = f.now.Add(2 * time.Hour)

	for i := 1; i <= 2; i++ {
		_, err := f.router.SendMessage(context.Background(), CallRequest{Token: token, Network: "Chat", Options: json.RawMessage(`{}`)})
		rerr := requireCode(t, err, rpcerr.CodeAuthFailed)
		assert.Contains(t, rerr.Message, "Auth error. -> ")
		assert.ErrorIs(t, err, session.ErrExpiredToken)

		assert.Len(t, f.chat.removed, i)
		assert.Len(t, f.home.removed, i)
	}
	assert.Empty(t, f.chat.calls)
}

func TestRouter_TamperedToken(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	_, err := f.router.GetMe(context.Background(), CallRequest{Token: token + "x", Network: "Chat", Options: json.RawMessage(`{}`)})
	requireCode(t, err, rpcerr.CodeAuthFailed)
	assert.Equal(t, []connector.Handle{"Chat-h1"}, f.chat.removed)
}

func TestRouter_ConnectorError(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	boom := errors.New("room not found")
	f.chat.callErr = boom

	_, err := f.router.SendMessage(context.Background(), CallRequest{Token: token, Network: "Chat", Options: json.RawMessage(`{"room":"x"}`)})
	rerr := requireCode(t, err, rpcerr.CodeConnectorError)
	assert.Equal(t, "room not found", rerr.Message)
	assert.ErrorIs(t, err, boom)
}

func TestRouter_Validation(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	tests := []struct {
		name    string
		req     CallRequest
		invalid string
	}{
		{name: "missing token", req: CallRequest{Network: "Chat", Options: json.RawMessage(`{}`)}, invalid: "token"},
		{name: "missing network", req: CallRequest{Token: token, Options: json.RawMessage(`{}`)}, invalid: "network"},
		{name: "missing options", req: CallRequest{Token: token, Network: "Chat"}, invalid: "options"},
		{name: "null options", req: CallRequest{Token: token, Network: "Chat", Options: json.RawMessage(`null`)}, invalid: "options"},
		{name: "nothing", req: CallRequest{}, invalid: "network, options, token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.GetMe(context.Background(), tt.req)
			rerr := requireCode(t, err, rpcerr.CodeBadRequest)
			assert.Equal(t, "Params provided are not { token, network, Object } (invalid: "+tt.invalid+")", rerr.Message)
		})
	}
	assert.Empty(t, f.chat.calls)
}

func TestRouter_CallUnknownMethod(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Call(context.Background(), connector.Method("deleteEverything"), CallRequest{})
	requireCode(t, err, rpcerr.CodeBadRequest)
}
