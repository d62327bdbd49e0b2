// ABOUTME: Per-client token bucket rate limiting for every RPC transport
// ABOUTME: Buckets live in a bounded LRU so idle clients are evicted instead of swept

package rpc

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per client key.
type Limiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewLimiter creates a limiter allowing rps requests per second with the
// given burst for each of at most maxClients tracked clients.
func NewLimiter(rps float64, burst, maxClients int) (*Limiter, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rate and burst must be positive (got %v, %d)", rps, burst)
	}
	buckets, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, fmt.Errorf("creating client cache: %w", err)
	}
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: buckets,
	}, nil
}

// Allow reports whether client may make a request now. A nil Limiter
// allows everything.
func (l *Limiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	return l.bucket(client).Allow()
}

func (l *Limiter) bucket(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets.Get(client); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(client, b)
	return b
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	return l.buckets.Len()
}
