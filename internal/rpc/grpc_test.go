// ABOUTME: Tests for the gRPC transport over bufconn
// ABOUTME: Verifies result structs, status codes and ErrorInfo taxonomy details

package rpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/comcenter/internal/rpcerr"
)

func newGRPCClient(t *testing.T, h *Handler) *GRPCClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterGRPC(server, h, testLogger())
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewGRPCClient(conn)
}

func TestGRPC_LoginAndCall(t *testing.T) {
	s := newStack(t, nil)
	client := newGRPCClient(t, s.handler)
	ctx := context.Background()

	out, err := client.Call(ctx, MethodAuthenticate, map[string]any{"username": "alice", "password": "secret"})
	require.NoError(t, err)
	token := out.GetStringValue()
	require.NotEmpty(t, token)

	_, err = client.Call(ctx, MethodSendMessage, map[string]any{
		"token":   token,
		"network": "Echo",
		"options": map[string]any{"text": "over grpc"},
	})
	require.NoError(t, err)

	out, err = client.Call(ctx, MethodReceiveMessage, map[string]any{
		"token":   token,
		"network": "Echo",
		"options": map[string]any{},
	})
	require.NoError(t, err)
	msgs := out.GetListValue().GetValues()
	require.Len(t, msgs, 1)
	assert.Equal(t, "over grpc", msgs[0].GetStructValue().GetFields()["text"].GetStringValue())
}

func TestGRPC_TaxonomyErrors(t *testing.T) {
	s := newStack(t, nil)
	client := newGRPCClient(t, s.handler)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		params map[string]any
		code   rpcerr.Code
		status codes.Code
	}{
		{"bad request", MethodAuthenticate, map[string]any{"username": "alice"}, rpcerr.CodeBadRequest, codes.InvalidArgument},
		{"unknown user", MethodAuthenticate, map[string]any{"username": "bob", "password": "x"}, rpcerr.CodeUserNotFound, codes.Unauthenticated},
		{"wrong password", MethodAuthenticate, map[string]any{"username": "alice", "password": "x"}, rpcerr.CodeBadCredentials, codes.Unauthenticated},
		{"bad token", MethodGetMe, map[string]any{"token": "junk", "network": "Echo", "options": map[string]any{}}, rpcerr.CodeAuthFailed, codes.Unauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Call(ctx, tt.method, tt.params)
			require.Error(t, err)
			assert.Equal(t, tt.status, status.Code(err))

			code, ok := CodeFromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestGRPC_NetworkErrors(t *testing.T) {
	s := newStack(t, nil)
	client := newGRPCClient(t, s.handler)
	ctx := context.Background()

	out, err := client.Call(ctx, MethodAuthenticate, map[string]any{"username": "alice", "password": "secret"})
	require.NoError(t, err)
	token := out.GetStringValue()

	_, err = client.Call(ctx, MethodGetMe, map[string]any{"token": token, "network": "Chat", "options": map[string]any{}})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	code, _ := CodeFromError(err)
	assert.Equal(t, rpcerr.CodeNetworkNotAuthorized, code)

	_, err = client.Call(ctx, MethodSendMessage, map[string]any{"token": token, "network": "Echo", "options": map[string]any{}})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, "text is required", status.Convert(err).Message())
}

func TestGRPC_InternalAndRateLimit(t *testing.T) {
	limiter, err := NewLimiter(0.001, 1, 10)
	require.NoError(t, err)
	h := NewHandler(&stubAuth{err: errStoreDown}, &stubRouter{}, limiter, testLogger())
	client := newGRPCClient(t, h)
	ctx := context.Background()

	_, err = client.Call(ctx, MethodAuthenticate, map[string]any{"username": "a", "password": "b"})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, "internal error", status.Convert(err).Message())
	_, ok := CodeFromError(err)
	assert.False(t, ok)

	_, err = client.Call(ctx, MethodAuthenticate, map[string]any{"username": "a", "password": "b"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGRPCClient_UnknownMethod(t *testing.T) {
	client := NewGRPCClient(nil)
	_, err := client.Call(context.Background(), "dropTables", nil)
	assert.Error(t, err)
}

func TestGRPCCode(t *testing.T) {
	assert.Equal(t, codes.FailedPrecondition, grpcCode(rpcerr.CodeNetworkInactive))
	assert.Equal(t, codes.Unknown, grpcCode(rpcerr.Code(999)))
}
