// ABOUTME: Bounded TTL set of seen keys for skipping repeated deliveries
// ABOUTME: Backed by a size-limited LRU so memory stays flat without a sweeper goroutine

package dedupe

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers keys for ttl, keeping at most maxSize of them. The least
// recently marked key is evicted first. A zero ttl keeps keys until evicted.
type Cache struct {
	mu   sync.Mutex
	seen *lru.Cache[string, time.Time]
	ttl  time.Duration
	now  func() time.Time
}

// New creates a cache holding at most maxSize keys.
func New(ttl time.Duration, maxSize int) (*Cache, error) {
	seen, err := lru.New[string, time.Time](maxSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}
	return &Cache{seen: seen, ttl: ttl, now: time.Now}, nil
}

func (c *Cache) live(markedAt time.Time) bool {
	return c.ttl <= 0 || c.now().Sub(markedAt) < c.ttl
}

// check reports whether key was marked and has not expired.
func (c *Cache) check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	markedAt, ok := c.seen.Peek(key)
	return ok && c.live(markedAt)
}

// mark records key as seen now.
func (c *Cache) mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Add(key, c.now())
}

// CheckAndMark reports whether key was already seen and, if it was not,
// marks it in the same step.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if markedAt, ok := c.seen.Peek(key); ok && c.live(markedAt) {
		return true
	}
	c.seen.Add(key, c.now())
	return false
}

// Len returns the number of keys held, expired ones included.
func (c *Cache) Len() int {
	return c.seen.Len()
}
