// Package cache provides domain.Cache implementations.
//
//   - Memory: in-process map with per-entry expiry, for single-instance deployments and tests
//   - Redis: shared store for horizontally scaled deployments
//
// Both honour the Take contract: when several callers race on one key, at most
// one of them receives the value.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getkayan/kayan-connect/core/domain"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory implements domain.Cache with a mutex-guarded map.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-process cache and starts a janitor that reaps
// expired entries every minute. Call Close to stop it.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.janitor(time.Minute)
	return m
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("memory cache: %w: ttl must be positive", domain.ErrInvalidArgument)
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: buf, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Take(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *Memory) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return m.setWhen(key, value, ttl, false)
}

func (m *Memory) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return m.setWhen(key, value, ttl, true)
}

// setWhen writes key only when its presence matches present.
func (m *Memory) setWhen(key string, value []byte, ttl time.Duration, present bool) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("memory cache: %w: ttl must be positive", domain.ErrInvalidArgument)
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok != present {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: buf, expiresAt: m.now().Add(ttl)}
	return true, nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap()
	return len(m.entries)
}

// Close stops the janitor goroutine.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

// lookup must be called with mu held.
func (m *Memory) lookup(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) reap() {
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			m.reap()
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}
