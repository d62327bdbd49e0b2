// ABOUTME: JSON-RPC over HTTP POST plus the health and metrics endpoints
// ABOUTME: Used for both plain http and https listeners

package rpc

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxBodyBytes caps the size of a JSON-RPC request body.
const maxBodyBytes = 1 << 20

// HTTPOptions configures the non-RPC routes of an HTTP listener.
type HTTPOptions struct {
	HealthPath  string
	MetricsPath string
	// Metrics is served on MetricsPath when set.
	Metrics http.Handler
}

type httpHandler struct {
	handler   *Handler
	transport string
	logger    *slog.Logger
}

// NewHTTPHandler returns the mux for an http or https listener. JSON-RPC is
// accepted by POST on every path not claimed by health or metrics.
func NewHTTPHandler(h *Handler, transport string, opts HTTPOptions, logger *slog.Logger) http.Handler {
	hh := &httpHandler{
		handler:   h,
		transport: transport,
		logger:    logger.With("component", "rpc-"+transport),
	}

	mux := http.NewServeMux()
	if opts.HealthPath != "" {
		mux.HandleFunc(opts.HealthPath, handleHealth)
	}
	if opts.Metrics != nil && opts.MetricsPath != "" {
		mux.Handle(opts.MetricsPath, opts.Metrics)
	}
	mux.Handle("/", hh)
	return mux
}

// handleHealth returns 200 OK if the server is running.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hh *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		hh.logger.Debug("reading request body", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	reply := hh.handler.ServeJSONRPC(r.Context(), hh.transport, remoteHost(r), body)
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func remoteHost(r *http.Request) string {
	return clientKey(addrString(r.RemoteAddr))
}

// addrString adapts a host:port string to net.Addr for clientKey.
type addrString string

func (a addrString) Network() string { return "tcp" }
func (a addrString) String() string  { return string(a) }
