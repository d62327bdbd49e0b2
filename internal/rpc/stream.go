// ABOUTME: JSON-RPC over raw TCP or TLS streams, one JSON value per request
// ABOUTME: Requests on a connection run concurrently; replies are newline-delimited

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// ErrServerClosed is returned by StreamServer.Serve after Shutdown.
var ErrServerClosed = errors.New("rpc: server closed")

// StreamServer serves JSON-RPC on stream listeners.
type StreamServer struct {
	handler   *Handler
	transport string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewStreamServer creates a stream server labelled with transport
// (TransportTCP or TransportTLS).
func NewStreamServer(h *Handler, transport string, logger *slog.Logger) *StreamServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamServer{
		handler:   h,
		transport: transport,
		logger:    logger.With("component", "rpc-"+transport),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called. For TLS pass a
// listener from tls.NewListener.
func (s *StreamServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			return err
		}

		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		go s.serveConn(conn)
	}
}

func (s *StreamServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *StreamServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *StreamServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *StreamServer) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	client := clientKey(conn.RemoteAddr())
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("connection opened")

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	write := func(b []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := conn.Write(append(b, '\n')); err != nil {
			logger.Debug("write failed", "error", err)
		}
	}

	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// The stream cannot be resynchronised after a syntax error
				write(mustMarshal(errorResponse(nil, CodeParseError, "Parse error")))
			} else if !errors.Is(err, io.EOF) && !s.isClosed() {
				logger.Debug("read failed", "error", err)
			}
			break
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if reply := s.handler.ServeJSONRPC(s.ctx, s.transport, client, raw); reply != nil {
				write(reply)
			}
		}()
	}

	inflight.Wait()
	logger.Debug("connection closed")
}

// Shutdown stops accepting connections, closes open ones and waits for
// their handlers to return or ctx to expire.
func (s *StreamServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// clientKey identifies a caller by host so that reconnecting does not reset
// its rate limit.
func clientKey(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
