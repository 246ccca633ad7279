// Package ratelimit throttles repeated attempts per key, typically a client IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"grimm.is/umc/internal/clock"
)

// Limiter manages fixed-window buckets for multiple keys.
type Limiter struct {
	clock   clock.Clock
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens   int
	limit    int
	interval time.Duration
	lastFill time.Time
}

// NewLimiter creates a limiter on the real clock.
func NewLimiter() *Limiter {
	return NewLimiterWithClock(clock.RealClock{})
}

// NewLimiterWithClock creates a limiter driven by clk.
func NewLimiterWithClock(clk clock.Clock) *Limiter {
	return &Limiter{
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one more request for key fits into limit requests
// per interval, and consumes a token if so.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.AllowN(key, limit, interval, 1)
}

// AllowN is Allow for n tokens at once.
func (l *Limiter) AllowN(key string, limit int, interval time.Duration, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit, limit: limit, interval: interval, lastFill: now}
		l.buckets[key] = b
	}
	if now.Sub(b.lastFill) >= b.interval {
		b.tokens = b.limit
		b.lastFill = now
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Reset clears the bucket for key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CleanupExpired drops buckets that have not refilled within maxAge.
func (l *Limiter) CleanupExpired(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > maxAge {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup runs CleanupExpired every interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.CleanupExpired(maxAge)
			}
		}
	}()
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
