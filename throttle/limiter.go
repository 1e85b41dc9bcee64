// Package throttle limits how often a key, typically a remote IP address,
// may perform an action within a fixed window.
package throttle

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Limiter counts events per key in fixed windows backed by go-cache. The
// window of a key starts at its first event and expired counters are swept
// every window.
type Limiter struct {
	mu     sync.Mutex
	cache  *cache.Cache
	limit  int
	window time.Duration
}

// NewLimiter allows limit events per key in each window. A limit of zero or
// less disables limiting.
//
// Parameters:
//   - limit: Maximum events per key per window
//   - window: Window length
//
// Returns:
//   - A new Limiter
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{
		cache:  cache.New(window, window),
		limit:  limit,
		window: window,
	}
}

// Allow records one event for key and reports whether it is within the
// limit. A nil Limiter allows everything.
//
// Parameters:
//   - key: The key to count against
//
// Returns:
//   - true if the event is allowed
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.cache.Add(key, 1, l.window); err == nil {
		return true
	}

	n, err := l.cache.IncrementInt(key, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		l.cache.Set(key, 1, l.window)
		return true
	}

	return n <= l.limit
}

// Count returns the events recorded for key in its current window.
func (l *Limiter) Count(key string) int {
	if l == nil {
		return 0
	}

	v, found := l.cache.Get(key)
	if !found {
		return 0
	}

	n, _ := v.(int)
	return n
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}

	l.cache.Delete(key)
}
