// Package domain defines the collaborator contracts of the Kayan Connect core.
//
// The core never talks to a database or a cache directly. It depends on three
// narrow interfaces which callers satisfy with their own backends:
//
//   - Cache: key-value store with per-key TTL (in-memory or Redis, see package cache)
//   - ClientConfigStore: persisted OAuth2/OIDC client configurations
//   - AccountStore: local accounts and their third-party bindings
//
// See the kgorm package for a GORM-based implementation of the stores.
package domain

import (
	"context"
	"time"

	"github.com/getkayan/kayan-connect/core/identity"
)

// Cache is a key-value store with per-key expiry.
type Cache interface {
	// Set stores value under key for ttl. A non-positive ttl is rejected.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Take atomically returns and removes the value under key, or ErrNotFound.
	// When several callers race on the same key at most one observes the value.
	Take(ctx context.Context, key string) ([]byte, error)

	// SetIfAbsent stores value only when key holds no live value. It reports
	// whether the value was stored.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Replace overwrites key only when it still holds a live value. It reports
	// whether the value was replaced.
	Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// AccountStore defines the persistence contract for local accounts and their
// provider bindings.
type AccountStore interface {
	FindByProviderAndOpenID(ctx context.Context, provider, openID string) (*identity.Account, error)

	// FindByProviderAndUnionID looks up an account bound to any registration
	// of the given provider family under the same union id.
	FindByProviderAndUnionID(ctx context.Context, family, unionID string) (*identity.Account, error)

	CreateFromCanonicalInfo(ctx context.Context, info *identity.UserInfo) (*identity.Account, error)
	BindExisting(ctx context.Context, accountID string, info *identity.UserInfo) error
	GetAccount(ctx context.Context, id string) (*identity.Account, error)
}
