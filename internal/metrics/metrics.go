// ABOUTME: Prometheus metrics for comcenter requests, logins and connector sessions
// ABOUTME: Registered on the default registry via promauto

// Package metrics provides Prometheus metrics for comcenter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "comcenter"

var (
	// RequestsTotal counts RPC calls by method and outcome code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of RPC requests",
		},
		[]string{"transport", "method", "code"},
	)

	// RequestDuration measures RPC call duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of RPC requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// LoginsTotal counts authenticate attempts by result.
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Total number of authenticate attempts",
		},
		[]string{"result"},
	)

	// ConnectionsOpened counts connector sessions opened during login.
	ConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connector sessions opened during login",
		},
		[]string{"network", "status"},
	)

	// ConnectionsReclaimed counts sessions removed because their token failed verification.
	ConnectionsReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_reclaimed_total",
			Help:      "Connector sessions removed after token verification failed",
		},
		[]string{"network", "status"},
	)

	// RateLimitedTotal counts requests rejected by the per-client limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"transport"},
	)
)

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordRequest records one handled RPC call.
func RecordRequest(transport, method, code string, d time.Duration) {
	RequestsTotal.WithLabelValues(transport, method, code).Inc()
	RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordLogin records an authenticate outcome.
func RecordLogin(result string) {
	LoginsTotal.WithLabelValues(result).Inc()
}

// RecordConnectionOpened records one AddConnection attempt.
func RecordConnectionOpened(network string, ok bool) {
	ConnectionsOpened.WithLabelValues(network, status(ok)).Inc()
}

// RecordConnectionReclaimed records one cleanup RemoveConnection attempt.
func RecordConnectionReclaimed(network string, ok bool) {
	ConnectionsReclaimed.WithLabelValues(network, status(ok)).Inc()
}

// RecordRateLimited records a rejected request.
func RecordRateLimited(transport string) {
	RateLimitedTotal.WithLabelValues(transport).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
