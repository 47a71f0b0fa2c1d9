// Package ratelimit throttles how fast new relay sessions may be opened.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket refilled at rate tokens per second.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

type keyed struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// Limiter admits new sessions under an optional global rate and an optional
// per-source rate. A nil *Limiter admits everything.
type Limiter struct {
	mu     sync.Mutex
	global *TokenBucket
	perKey map[string]*keyed
	rate   int
	burst  int
	now    func() time.Time
}

// NewLimiter returns nil when both rates are zero (disabled).
func NewLimiter(globalRate, perSourceRate, burst int) *Limiter {
	return newLimiter(globalRate, perSourceRate, burst, time.Now)
}

func newLimiter(globalRate, perSourceRate, burst int, now func() time.Time) *Limiter {
	if globalRate <= 0 && perSourceRate <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{perKey: make(map[string]*keyed), rate: perSourceRate, burst: burst, now: now}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether a new session from source may be opened.
func (l *Limiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	k, ok := l.perKey[source]
	if !ok {
		k = &keyed{bucket: newTokenBucket(l.rate, l.burst, l.now)}
		l.perKey[source] = k
	}
	k.lastUsed = l.now()
	l.mu.Unlock()
	return k.bucket.Allow()
}

// Prune forgets sources not seen for maxIdle and returns how many were removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for source, k := range l.perKey {
		if k.lastUsed.Before(cutoff) {
			delete(l.perKey, source)
			removed++
		}
	}
	return removed
}

// Sources returns how many per-source buckets are tracked.
func (l *Limiter) Sources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
