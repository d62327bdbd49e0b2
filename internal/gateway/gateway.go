// ABOUTME: Gateway orchestrator that wires the store, connectors and auth into the RPC listeners
// ABOUTME: Manages the tcp/tls/http/https/grpc servers, the optional tailnet node and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/comcenter/internal/auth"
	"github.com/2389/comcenter/internal/config"
	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/connector/home"
	"github.com/2389/comcenter/internal/connector/loopback"
	"github.com/2389/comcenter/internal/connector/matrix"
	"github.com/2389/comcenter/internal/dispatch"
	"github.com/2389/comcenter/internal/metrics"
	"github.com/2389/comcenter/internal/rpc"
	"github.com/2389/comcenter/internal/session"
	"github.com/2389/comcenter/internal/store"
)

// Ports the gateway listens on inside the tailnet.
const (
	tailscaleGRPCPort = ":50051"
	tailscaleHTTPPort = ":80"
)

// Listener describes one bound listener.
type Listener struct {
	Type string
	Addr net.Addr
}

type boundListener struct {
	typ string
	ln  net.Listener
}

// Gateway orchestrates the comcenter server components.
type Gateway struct {
	config   *config.Config
	store    store.Store
	registry *connector.Registry
	handler  *rpc.Handler
	logger   *slog.Logger

	grpcServer    *grpc.Server
	httpServers   []*http.Server
	streamServers []*rpc.StreamServer
	tsnetServer   *tsnet.Server

	mu        sync.Mutex
	listeners []boundListener
	errCh     chan error
}

// OpenStore creates the credential store selected by database.driver.
// COMCENTER_DB_PATH overrides the sqlite path.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("COMCENTER_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// newConnector builds the connector for one configured network.
func newConnector(ctx context.Context, n config.NetworkConfig, logger *slog.Logger) (connector.Connector, error) {
	switch n.Type {
	case config.NetworkLoopback:
		return loopback.New(n.Name), nil
	case config.NetworkMatrix:
		c, err := matrix.New(n.Name, matrix.Config{Homeserver: n.Matrix.Homeserver}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.NetworkHome:
		c, err := home.New(n.Name, home.Config{
			Addr:         n.Home.Addr,
			Password:     n.Home.Password,
			DB:           n.Home.DB,
			StreamPrefix: n.Home.StreamPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		// An unreachable hub only degrades logins, so it does not stop startup
		if err := c.Ping(ctx); err != nil {
			logger.Warn("home hub unreachable", "network", n.Name, "addr", n.Home.Addr, "error", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown network type %q", n.Type)
	}
}

// buildRegistry activates every configured network.
func buildRegistry(ctx context.Context, networks []config.NetworkConfig, logger *slog.Logger) (*connector.Registry, error) {
	registry := connector.NewRegistry(logger.With("component", "connectors"))
	for _, n := range networks {
		c, err := newConnector(ctx, n, logger)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		if err := registry.Register(c); err != nil {
			registry.Close()
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		logger.Info("network activated", "network", n.Name, "type", n.Type)
	}
	return registry, nil
}

// newGRPCServer creates the gRPC server with keepalive and request logging.
func newGRPCServer(logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	)
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		return resp, err
	}
}

// New creates a Gateway from configuration. Nothing listens until Start or Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(ctx, cfg.Networks, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	codec, err := session.NewCodec(session.Config{
		Secret:    []byte(cfg.Auth.Token.Secret),
		Algorithm: cfg.Auth.Token.Algorithm,
		ExpiresIn: cfg.Auth.Token.ExpiresIn,
	})
	if err != nil {
		registry.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating token codec: %w", err)
	}

	limiter, err := rpc.NewLimiter(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst, cfg.Limits.MaxClients)
	if err != nil {
		registry.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}

	authGateway := auth.NewGateway(s, registry, codec, logger)
	router := dispatch.NewRouter(authGateway, registry, logger)
	handler := rpc.NewHandler(authGateway, router, limiter, logger)

	grpcServer := newGRPCServer(logger.With("component", "grpc"))
	rpc.RegisterGRPC(grpcServer, handler, logger)

	return &Gateway{
		config:     cfg,
		store:      s,
		registry:   registry,
		handler:    handler,
		logger:     logger.With("component", "gateway"),
		grpcServer: grpcServer,
	}, nil
}

// httpOptions returns the health and metrics routes for http listeners.
func (g *Gateway) httpOptions() rpc.HTTPOptions {
	opts := rpc.HTTPOptions{
		HealthPath:  g.config.HTTP.HealthPath,
		MetricsPath: g.config.HTTP.MetricsPath,
	}
	if g.config.Metrics.Enabled {
		opts.Metrics = metrics.Handler()
	}
	return opts
}

// listen opens the listener for one servers entry, wrapping it in TLS when
// the type asks for it.
func listen(s config.ServerConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s address %s: %w", s.Type, s.Addr, err)
	}
	if s.Type != config.ServerTLS && s.Type != config.ServerHTTPS {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("loading certificate for %s: %w", s.Addr, err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// setupServerListeners opens a listener for each servers entry.
func (g *Gateway) setupServerListeners() ([]boundListener, error) {
	var bound []boundListener
	for _, s := range g.config.Servers {
		ln, err := listen(s)
		if err != nil {
			closeListeners(bound)
			return nil, err
		}
		bound = append(bound, boundListener{typ: s.Type, ln: ln})
	}
	return bound, nil
}

func closeListeners(bound []boundListener) {
	for _, b := range bound {
		_ = b.ln.Close()
	}
}

// setupListeners creates the configured listeners plus the tailnet ones
// when Tailscale is enabled.
func (g *Gateway) setupListeners(ctx context.Context) ([]boundListener, error) {
	bound, err := g.setupServerListeners()
	if err != nil {
		return nil, err
	}
	if !g.config.Tailscale.Enabled {
		return bound, nil
	}

	tsBound, err := g.setupTailscaleListeners(ctx)
	if err != nil {
		closeListeners(bound)
		return nil, err
	}
	return append(bound, tsBound...), nil
}

// Start binds every listener and starts serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	bound, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.listeners = bound
	g.errCh = g.startServers(bound)
	g.mu.Unlock()
	return nil
}

// Listeners returns the bound listeners after Start.
func (g *Gateway) Listeners() []Listener {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Listener, 0, len(g.listeners))
	for _, b := range g.listeners {
		out = append(out, Listener{Type: b.typ, Addr: b.ln.Addr()})
	}
	return out
}

// startServers starts one server goroutine per listener, returning the error channel.
func (g *Gateway) startServers(bound []boundListener) chan error {
	errCh := make(chan error, len(bound))

	for _, b := range bound {
		g.logger.Info("server listening", "type", b.typ, "addr", b.ln.Addr().String())

		switch b.typ {
		case config.ServerGRPC:
			go func() {
				if err := g.grpcServer.Serve(b.ln); err != nil {
					errCh <- fmt.Errorf("gRPC server: %w", err)
				}
			}()

		case config.ServerHTTP, config.ServerHTTPS:
			srv := &http.Server{
				Handler:           rpc.NewHTTPHandler(g.handler, b.typ, g.httpOptions(), g.logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.httpServers = append(g.httpServers, srv)
			go func() {
				if err := srv.Serve(b.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("%s server: %w", b.typ, err)
				}
			}()

		case config.ServerTCP, config.ServerTLS:
			srv := rpc.NewStreamServer(g.handler, b.typ, g.logger)
			g.streamServers = append(g.streamServers, srv)
			go func() {
				if err := srv.Serve(b.ln); err != nil && !errors.Is(err, rpc.ErrServerClosed) {
					errCh <- fmt.Errorf("%s server: %w", b.typ, err)
				}
			}()
		}
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	for {
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
			return
		}
	}
}

// Run starts the servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	serverErr := g.waitForShutdownSignal(ctx, g.errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "comcenter", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and listens for gRPC and
// HTTP JSON-RPC on it.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) ([]boundListener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err := g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err := g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	return []boundListener{
		{typ: config.ServerGRPC, ln: grpcLn},
		{typ: config.ServerHTTP, ln: httpLn},
	}, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops every server, then closes connectors, the store and the
// tailnet node.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.mu.Lock()
	httpServers, streamServers := g.httpServers, g.streamServers
	g.mu.Unlock()

	var errs []error
	for _, srv := range httpServers {
		errs = appendCloseError(errs, "HTTP shutdown", srv.Shutdown(ctx))
	}
	for _, srv := range streamServers {
		errs = appendCloseError(errs, "stream shutdown", srv.Shutdown(ctx))
	}
	g.shutdownGRPCServer(ctx)

	// Closing connectors logs out the sessions they opened themselves
	g.registry.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	return errors.Join(errs...)
}
