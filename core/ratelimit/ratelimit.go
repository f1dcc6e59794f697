// Package ratelimit throttles unauthenticated endpoints such as QR ticket
// creation and login polling. Limits are sliding windows keyed by caller.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Limiter decides whether one more request under key fits in the window.
type Limiter interface {
	// Allow records a request and reports whether it is within limit.
	// remaining is how many requests are left in the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, err error)

	// Reset clears the counter for key.
	Reset(ctx context.Context, key string) error
}

// Error is returned when a request is rate limited.
type Error struct {
	RetryAfter time.Duration
	Remaining  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %v", e.RetryAfter)
}

// IsRateLimited reports whether err is (or wraps) an *Error.
func IsRateLimited(err error) bool {
	var rl *Error
	return errors.As(err, &rl)
}

// Policy pairs a limiter with a fixed limit and window.
type Policy struct {
	Limiter Limiter
	Limit   int
	Window  time.Duration

	// FailOpen allows requests when the limiter itself fails.
	FailOpen bool
}

// Check applies the policy to key. A zero Limit disables the policy.
func (p Policy) Check(ctx context.Context, key string) error {
	if p.Limiter == nil || p.Limit <= 0 {
		return nil
	}
	allowed, remaining, err := p.Limiter.Allow(ctx, key, p.Limit, p.Window)
	if err != nil {
		if p.FailOpen {
			return nil
		}
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		return &Error{RetryAfter: p.Window, Remaining: remaining}
	}
	return nil
}

type window struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// Memory is a per-process sliding window limiter.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*window
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*window),
		now:     time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, d time.Duration) (bool, int, error) {
	m.mu.Lock()
	w, ok := m.entries[key]
	if !ok {
		w = &window{}
		m.entries[key] = w
	}
	m.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-d)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) >= limit {
		return false, 0, nil
	}
	w.timestamps = append(w.timestamps, now)
	return true, limit - len(w.timestamps), nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
