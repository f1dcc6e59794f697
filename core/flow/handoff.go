package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/identity"
)

const (
	DefaultLoginResultTTL = 5 * time.Minute

	loginResultKeyPrefix = "login:result:"
)

// Handoff passes a completed login to the client through the cache. A result
// is delivered to at most one reader.
type Handoff struct {
	cache domain.Cache
}

func NewHandoff(cache domain.Cache) *Handoff {
	return &Handoff{cache: cache}
}

// Put stores result under key for ttl (DefaultLoginResultTTL when not positive).
func (h *Handoff) Put(ctx context.Context, key string, result *identity.LoginResult, ttl time.Duration) error {
	raw, ttl, err := encodeResult(key, result, ttl)
	if err != nil {
		return err
	}
	return h.cache.Set(ctx, loginResultKeyPrefix+key, raw, ttl)
}

// PutIfAbsent stores result under key unless a result is already waiting
// there. It reports whether result was stored.
func (h *Handoff) PutIfAbsent(ctx context.Context, key string, result *identity.LoginResult, ttl time.Duration) (bool, error) {
	raw, ttl, err := encodeResult(key, result, ttl)
	if err != nil {
		return false, err
	}
	stored, err := h.cache.SetIfAbsent(ctx, loginResultKeyPrefix+key, raw, ttl)
	if err != nil {
		return false, fmt.Errorf("handoff: put: %w", err)
	}
	return stored, nil
}

func encodeResult(key string, result *identity.LoginResult, ttl time.Duration) ([]byte, time.Duration, error) {
	if key == "" || result == nil {
		return nil, 0, fmt.Errorf("handoff: %w: key and result are required", domain.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = DefaultLoginResultTTL
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, 0, fmt.Errorf("handoff: encode: %w", err)
	}
	return raw, ttl, nil
}

// TakeOnce returns and deletes the result under key. It returns (nil, nil)
// when there is nothing to take, including when another reader took it first.
func (h *Handoff) TakeOnce(ctx context.Context, key string) (*identity.LoginResult, error) {
	raw, err := h.cache.Take(ctx, loginResultKeyPrefix+key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: take: %w", err)
	}

	var result identity.LoginResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("handoff: decode: %w", err)
	}
	return &result, nil
}

// Discard deletes the result under key without reading it.
func (h *Handoff) Discard(ctx context.Context, key string) error {
	return h.cache.Delete(ctx, loginResultKeyPrefix+key)
}
