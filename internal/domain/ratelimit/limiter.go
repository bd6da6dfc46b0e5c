// Package ratelimit implements the proxy's per-key token bucket: a genuine
// token bucket over golang.org/x/time/rate, refilled at a configured
// per-minute rate, swept on an interval so idle keys don't accumulate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCleanupInterval is how often idle buckets are swept.
const DefaultCleanupInterval = 5 * time.Minute

// DefaultMaxIdle is how long a key may sit unused before its bucket is
// swept.
const DefaultMaxIdle = 10 * time.Minute

// Limiter is a per-key token bucket. Per spec: for a configured per-minute
// quota R, tokens refill at R/60 per second up to a burst of R; Allow
// consumes one token or denies.
type Limiter struct {
	ratePerMinute   int
	cleanupInterval time.Duration
	maxIdle         time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a Limiter enforcing ratePerMinute requests per key, per
// rolling minute, with burst equal to ratePerMinute. ratePerMinute <= 0
// disables limiting entirely (Allow always returns true).
func New(ratePerMinute int) *Limiter {
	return &Limiter{
		ratePerMinute:   ratePerMinute,
		cleanupInterval: DefaultCleanupInterval,
		maxIdle:         DefaultMaxIdle,
		buckets:         make(map[string]*bucket),
		stopCh:          make(chan struct{}),
	}
}

// Allow reports whether a request for key is allowed under the configured
// per-minute quota, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	if l.ratePerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.ratePerMinute))/60, l.ratePerMinute),
		}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	allowed := b.limiter.Allow()
	l.mu.Unlock()

	return allowed
}

// StartCleanup launches a background sweep that evicts buckets idle for
// longer than maxIdle. It stops when ctx-like Stop is called.
func (l *Limiter) StartCleanup() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-l.maxIdle)
	l.mu.Lock()
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}

// Stop halts the background cleanup goroutine, if running. Safe to call
// multiple times.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

// Size returns the number of tracked keys, for diagnostics and tests.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
