// Package ratelimit provides an in-memory sliding-window limiter keyed by
// scope and caller. State is per process.
package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrLimited is returned when a key has exhausted its window allowance.
var ErrLimited = errors.New("ratelimit: limit exceeded")

type bucketKey struct {
	scope string
	id    string
}

// Limiter tracks hit timestamps per (scope, key) and rejects hits beyond the
// configured allowance. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[bucketKey][]time.Time
}

// NewLimiter constructs a limiter. A nil clock falls back to time.Now.
func NewLimiter(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{now: now, buckets: make(map[bucketKey][]time.Time)}
}

// Hit records one attempt for key within scope and reports ErrLimited when the
// attempt exceeds limit hits per window. Keys are case-insensitive and
// surrounding whitespace is ignored.
func (l *Limiter) Hit(scope, key string, limit int, window time.Duration) error {
	if limit <= 0 {
		return ErrLimited
	}
	k := bucketKey{scope: scope, id: strings.ToLower(strings.TrimSpace(key))}
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.buckets[k]
	kept := bucket[:0]
	for _, hit := range bucket {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	if len(kept) >= limit {
		l.buckets[k] = kept
		return ErrLimited
	}
	l.buckets[k] = append(kept, now)
	return nil
}

// Remaining reports how many hits key has left in the current window.
func (l *Limiter) Remaining(scope, key string, limit int, window time.Duration) int {
	k := bucketKey{scope: scope, id: strings.ToLower(strings.TrimSpace(key))}
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	active := 0
	for _, hit := range l.buckets[k] {
		if hit.After(cutoff) {
			active++
		}
	}
	if active >= limit {
		return 0
	}
	return limit - active
}

// Reset discards all tracked state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = make(map[bucketKey][]time.Time)
	l.mu.Unlock()
}
