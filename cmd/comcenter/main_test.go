// ABOUTME: Tests for the comcenter command-line helpers
// ABOUTME: Covers flag parsing, logger setup, init output, store commands and the gRPC call client

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/comcenter/internal/auth"
	"github.com/2389/comcenter/internal/config"
	"github.com/2389/comcenter/internal/rpc"
	"github.com/2389/comcenter/internal/rpcerr"
	"github.com/2389/comcenter/internal/store"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantFlags map[string]string
		wantRest  []string
		wantErr   string
	}{
		{
			name:      "separate values",
			args:      []string{"--user", "alice", "--name", "Echo"},
			wantFlags: map[string]string{"user": "alice", "name": "Echo"},
		},
		{
			name:      "equals form",
			args:      []string{"--user=alice", "--token=a=b"},
			wantFlags: map[string]string{"user": "alice", "token": "a=b"},
		},
		{
			name:      "positional args kept",
			args:      []string{"extra", "--user", "alice", "more"},
			wantFlags: map[string]string{"user": "alice"},
			wantRest:  []string{"extra", "more"},
		},
		{
			name:    "unknown flag",
			args:    []string{"--bogus", "x"},
			wantErr: "unknown flag: --bogus",
		},
		{
			name:    "missing value",
			args:    []string{"--user"},
			wantErr: "--user requires a value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, rest, err := parseFlags(tt.args, "user", "name", "token")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFlags, flags)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"token=abc",
		"network=Echo",
		`options={"text":"hi"}`,
		"count=3",
	})
	require.NoError(t, err)

	assert.Equal(t, "abc", params["token"])
	assert.Equal(t, "Echo", params["network"])
	assert.Equal(t, map[string]any{"text": "hi"}, params["options"])
	assert.Equal(t, float64(3), params["count"])

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "value", rec["key"])
}

func TestSetupLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "rpc").WithGroup("req").Info("handled", "method", "getMe")
	logger.Error("failed")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF handled component=rpc req.method=getMe")
	assert.Contains(t, out, "ERR failed")
}

func TestColorHandler_GroupPrefixes(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.With("component", "rpc").
		WithGroup("conn").With("remote", "10.0.0.1").
		WithGroup("req").Info("handled", "method", "getMe")

	out := buf.String()
	assert.Contains(t, out, "INF handled component=rpc conn.remote=10.0.0.1 conn.req.method=getMe")
	assert.NotContains(t, out, "req.component")
	assert.NotContains(t, out, "conn.conn.")
}

func TestColorHandler_Enabled(t *testing.T) {
	h := &colorHandler{level: slog.LevelWarn}
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func testAnswers(dir string) initAnswers {
	return initAnswers{
		TCPAddr:         "localhost:7000",
		HTTPAddr:        "localhost:8080",
		GRPCAddr:        "none",
		DBPath:          filepath.Join(dir, "comcenter.db"),
		Secret:          "c2VjcmV0+/=",
		ExpiresIn:       "2h",
		LoopbackNetwork: "Echo",
		LogLevel:        "debug",
		LogFormat:       "json",
	}
}

func TestRenderConfig_Loads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderConfig(testAnswers(dir))), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, config.ServerTCP, cfg.Servers[0].Type)
	assert.Equal(t, config.ServerHTTP, cfg.Servers[1].Type)
	assert.Equal(t, "c2VjcmV0+/=", cfg.Auth.Token.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Auth.Token.ExpiresIn)
	require.Len(t, cfg.Networks, 1)
	assert.Equal(t, "Echo", cfg.Networks[0].Name)
	assert.Equal(t, config.NetworkLoopback, cfg.Networks[0].Type)
	assert.False(t, cfg.Tailscale.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestRenderConfig_Tailscale(t *testing.T) {
	dir := t.TempDir()
	a := testAnswers(dir)
	a.LoopbackNetwork = ""
	a.TailscaleEnabled = true
	a.TailscaleHostname = "comcenter-test"
	a.TailscaleAuthKey = "tskey-abc"
	a.TailscaleEphemeral = true

	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderConfig(a)), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Networks)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "comcenter-test", cfg.Tailscale.Hostname)
	assert.Equal(t, "tskey-abc", cfg.Tailscale.AuthKey)
	assert.True(t, cfg.Tailscale.Ephemeral)
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "gateway.yaml")
	dbPath := filepath.Join(dir, "data", "comcenter.db")

	// config path, tcp, http, grpc, db path, secret, lifetime, loopback,
	// tailscale, log level, log format
	input := strings.Join([]string{path, "", "", "", dbPath, "", "", "", "", "", ""}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(input), &out))
	assert.Contains(t, out.String(), "Config written to "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.DirExists(t, filepath.Dir(dbPath))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Servers, 3)
	assert.Equal(t, dbPath, cfg.Database.Path)
	assert.NotEmpty(t, cfg.Auth.Token.Secret)
	assert.Equal(t, 24*time.Hour, cfg.Auth.Token.ExpiresIn)
}

func TestRunInit_KeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0600))

	var out bytes.Buffer
	require.NoError(t, runInit(strings.NewReader(path+"\nno\n"), &out))
	assert.Contains(t, out.String(), "Aborted.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestPrompt_EOFUsesDefault(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, "fallback", prompt(bufioReader(""), &out, "Question", "fallback"))
	assert.Equal(t, "typed", prompt(bufioReader("typed"), &out, "Question", "fallback"))
	assert.Equal(t, "", prompt(bufioReader("\n"), &out, "Question", ""))
}

func TestUserCommands(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	var out bytes.Buffer

	require.NoError(t, userAdd(ctx, s, &out, []string{"--username", "alice", "--password", "secret"}))
	assert.Contains(t, out.String(), "Created user alice")

	user, err := s.GetUserWithNetworks(ctx, "alice")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret")))

	err = userAdd(ctx, s, &out, []string{"--username", "alice", "--password", "other"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	err = userAdd(ctx, s, &out, []string{"--username", "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")

	require.NoError(t, networkAdd(ctx, s, &out, []string{
		"--user", "alice", "--name", "Chat", "--username", "@alice:example.org", "--password", "pw",
	}))
	require.NoError(t, networkAdd(ctx, s, &out, []string{"--user", "alice", "--name", "Home", "--token", "hub-token"}))

	err = networkAdd(ctx, s, &out, []string{"--user", "alice", "--name", "Chat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has network")

	err = networkAdd(ctx, s, &out, []string{"--user", "nobody", "--name", "Chat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	user, err = s.GetUserWithNetworks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, user.Networks, 2)
	assert.Equal(t, "Chat", user.Networks[0].Name)
	assert.Equal(t, "@alice:example.org", user.Networks[0].Credentials.Username)
	assert.Equal(t, "hub-token", user.Networks[1].Credentials.Token)

	out.Reset()
	require.NoError(t, userList(ctx, s, &out))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "Chat")
	assert.NotContains(t, out.String(), "hub-token")
	assert.NotContains(t, out.String(), "pw\n")

	require.NoError(t, networkRemove(ctx, s, &out, []string{"--user", "alice", "--name", "Chat"}))
	err = networkRemove(ctx, s, &out, []string{"--user", "alice", "--name", "Chat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no network")

	user, err = s.GetUserWithNetworks(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, user.Networks, 1)
	assert.Equal(t, "Home", user.Networks[0].Name)
}

func TestUserList_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, userList(context.Background(), store.NewMockStore(), &out))
	assert.Equal(t, "No users.\n", out.String())
}

func TestRunUser_UnknownSubcommand(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runUser(context.Background(), &out, nil))
	assert.Error(t, runUser(context.Background(), &out, []string{"delete"}))
	assert.Error(t, runNetwork(context.Background(), &out, []string{"rename"}))
}

func TestHealthURL(t *testing.T) {
	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{Type: config.ServerGRPC, Addr: "localhost:50051"},
			{Type: config.ServerHTTP, Addr: "localhost:8080"},
		},
		HTTP: config.HTTPConfig{HealthPath: "/health"},
	}
	url, err := healthURL(cfg)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/health", url)

	cfg.Servers = cfg.Servers[:1]
	_, err = healthURL(cfg)
	assert.Error(t, err)
}

type fixedAuth struct {
	token string
	err   error
}

func (f fixedAuth) Authenticate(ctx context.Context, req auth.AuthenticateRequest) (string, error) {
	return f.token, f.err
}

func newCallClient(t *testing.T, a rpc.Authenticator) *rpc.GRPCClient {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	rpc.RegisterGRPC(server, rpc.NewHandler(a, nil, nil, logger), logger)
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

	return rpc.NewGRPCClient(conn)
}

func TestCall(t *testing.T) {
	client := newCallClient(t, fixedAuth{token: "signed-token"})

	var out bytes.Buffer
	err := call(context.Background(), client, &out, rpc.MethodAuthenticate, map[string]any{
		"username": "alice",
		"password": "secret",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"signed-token"`)
}

func TestCall_ReportsTaxonomyCode(t *testing.T) {
	client := newCallClient(t, fixedAuth{err: rpcerr.New(rpcerr.CodeBadCredentials, "Wrong password")})

	var out bytes.Buffer
	err := call(context.Background(), client, &out, rpc.MethodAuthenticate, map[string]any{
		"username": "alice",
		"password": "nope",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 301")
	assert.Empty(t, out.String())
}

func TestCall_UnknownMethod(t *testing.T) {
	client := newCallClient(t, fixedAuth{})

	var out bytes.Buffer
	err := call(context.Background(), client, &out, "shutdown", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}
