// ABOUTME: Tests for the connector registry and Invoke dispatch
// ABOUTME: Uses a recording fake connector

package connector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	name   string
	closed bool
	calls  []Method
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) AddConnection(context.Context, Credentials) (Handle, error) {
	return "h", nil
}

func (s *stubConnector) RemoveConnection(context.Context, Handle) error { return nil }

func (s *stubConnector) GetMe(context.Context, Handle, json.RawMessage) (any, error) {
	s.calls = append(s.calls, MethodGetMe)
	return "me", nil
}

func (s *stubConnector) SendMessage(context.Context, Handle, json.RawMessage) (any, error) {
	s.calls = append(s.calls, MethodSendMessage)
	return "sent", nil
}

func (s *stubConnector) ReceiveMessage(context.Context, Handle, json.RawMessage) (any, error) {
	s.calls = append(s.calls, MethodReceiveMessage)
	return "received", nil
}

func (s *stubConnector) Close() error {
	s.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())

	chat := &stubConnector{name: "Chat"}
	require.NoError(t, r.Register(chat))

	got, ok := r.Get("Chat")
	require.True(t, ok)
	assert.Same(t, chat, got)

	_, ok = r.Get("Home")
	assert.False(t, ok)
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Register(&stubConnector{name: "Chat"}))

	err := r.Register(&stubConnector{name: "Chat"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistry_UnregisterClosesConnector(t *testing.T) {
	r := NewRegistry(testLogger())
	chat := &stubConnector{name: "Chat"}
	require.NoError(t, r.Register(chat))

	r.Unregister("Chat")

	assert.True(t, chat.closed)
	_, ok := r.Get("Chat")
	assert.False(t, ok)

	// Unknown names are ignored
	r.Unregister("Chat")
}

func TestRegistry_NamesSortedAndClose(t *testing.T) {
	r := NewRegistry(testLogger())
	home := &stubConnector{name: "Home"}
	chat := &stubConnector{name: "Chat"}
	require.NoError(t, r.Register(home))
	require.NoError(t, r.Register(chat))

	assert.Equal(t, []string{"Chat", "Home"}, r.Names())

	r.Close()
	assert.Empty(t, r.Names())
	assert.True(t, home.closed)
	assert.True(t, chat.closed)
}

func TestInvoke(t *testing.T) {
	c := &stubConnector{name: "Chat"}
	ctx := context.Background()

	for _, m := range []Method{MethodGetMe, MethodSendMessage, MethodReceiveMessage} {
		_, err := Invoke(ctx, c, m, "h", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	assert.Equal(t, []Method{MethodGetMe, MethodSendMessage, MethodReceiveMessage}, c.calls)

	_, err := Invoke(ctx, c, Method("authenticate"), "h", nil)
	assert.Error(t, err)
}
