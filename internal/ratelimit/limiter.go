// Package ratelimit implements per-client fixed-window rate limiting for the
// search endpoint, plus the key strategies that derive a client identifier
// from a request.
package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget for the window cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowCost is the approximate memory footprint of a single window entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var windowCost = int64(unsafe.Sizeof(window{}))

// window is one client's counter for the current fixed window.
type window struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// Decision is the outcome of a single Allow check.
type Decision struct {
	Allowed   bool
	Remaining int64
	// RetryAfter is how long the client should wait before the window
	// resets. Zero when the request was allowed.
	RetryAfter time.Duration
}

// Limiter counts requests per client key in fixed, non-overlapping windows.
// A client bursting across a window boundary can briefly reach 2x the
// configured maximum; that is an accepted property of fixed-window counting.
//
// Window state lives in ristretto with a TTL of twice the window duration,
// so keys from clients that stop sending requests age out instead of
// accumulating forever. Each window carries its own mutex; hot paths only
// contend on the individual key, not a global lock.
type Limiter struct {
	cache *ristretto.Cache[string, *window]

	// createMu serializes first-seen key setup so concurrent requests on a
	// cold key all count against the same window.
	createMu sync.Mutex

	mu     sync.RWMutex
	max    int64
	window time.Duration

	// now is swappable for deterministic window tests.
	now func() time.Time

	// Metric hooks, set by the server during wiring. May be nil.
	OnAllowed func()
	OnLimited func()
}

// NewLimiter creates a fixed-window limiter allowing max requests per window
// duration per key.
func NewLimiter(max int64, windowDur time.Duration) *Limiter {
	// NumCounters should be ~10x the expected max items so the frequency
	// sketch stays accurate.
	estimatedItems := defaultMaxCost / windowCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &Limiter{
		cache:  cache,
		max:    max,
		window: windowDur,
		now:    time.Now,
	}
}

// SetLimits updates the per-window maximum and window duration. Applied on
// config hot reload; existing windows finish under their original reset
// time but adopt the new maximum immediately.
func (l *Limiter) SetLimits(max int64, windowDur time.Duration) {
	l.mu.Lock()
	l.max = max
	l.window = windowDur
	l.mu.Unlock()
}

// Allow records one request for key and reports whether it is within the
// window budget. Denied requests do not increment the counter.
func (l *Limiter) Allow(key string) Decision {
	l.mu.RLock()
	max, windowDur := l.max, l.window
	l.mu.RUnlock()

	now := l.now()

	w, found := l.cache.Get(key)
	if !found {
		w = l.createWindow(key, now, windowDur)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !now.Before(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(windowDur)
		return l.allowed(max - 1)
	}

	if w.count < max {
		w.count++
		return l.allowed(max - w.count)
	}

	if l.OnLimited != nil {
		l.OnLimited()
	}
	return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}
}

// createWindow installs the window for a first-seen key. Creation is
// serialized so racing requests on a cold key share one counter: whoever
// wins the lock stores the window, and everyone else re-reads it before
// counting. The window starts at zero; the caller increments it under the
// window mutex like any other request.
func (l *Limiter) createWindow(key string, now time.Time, windowDur time.Duration) *window {
	l.createMu.Lock()
	defer l.createMu.Unlock()

	if w, found := l.cache.Get(key); found {
		return w
	}

	fresh := &window{resetAt: now.Add(windowDur)}
	// Wait flushes the set buffer so the window is visible to the Gets
	// above before the lock is released. Only first requests pay this; the
	// hot path (cache hit) has zero extra cost. Admission can reject the
	// entry under memory pressure, so retry once; if it still will not
	// stick, the key degrades to per-request windows until it is admitted.
	for range 2 {
		l.cache.SetWithTTL(key, fresh, windowCost, windowDur*2)
		l.cache.Wait()
		if w, found := l.cache.Get(key); found {
			return w
		}
	}
	return fresh
}

func (l *Limiter) allowed(remaining int64) Decision {
	if remaining < 0 {
		remaining = 0
	}
	if l.OnAllowed != nil {
		l.OnAllowed()
	}
	return Decision{Allowed: true, Remaining: remaining}
}

// Close releases resources held by the cache. Safe to call multiple times.
func (l *Limiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
