// Package oauth2 resolves OAuth2/OIDC client configuration at request time and
// keeps in-flight authorization requests out of server-side sessions.
//
// The Registry caches resolved registrations in memory without expiry. Every
// administrative write must be followed by Invalidate (or InvalidateAll); a
// write that bypasses the service leaves stale configuration in place until
// the process restarts or an invalidation arrives through a Notifier.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Notifier announces invalidations to other instances.
type Notifier interface {
	Publish(ctx context.Context, registrationID string) error
}

// Subscriber delivers invalidations announced by other instances.
// An empty registration id means every registration.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(registrationID string)) error
}

// Registry resolves registration ids to ClientRegistrations.
type Registry struct {
	store     domain.ClientConfigStore
	notifier  Notifier
	telemetry *telemetry.Provider

	mu      sync.RWMutex
	entries map[string]*ClientRegistration
	group   singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithNotifier publishes every local invalidation through n.
func WithNotifier(n Notifier) RegistryOption {
	return func(r *Registry) { r.notifier = n }
}

// WithTelemetry records lookup hits and misses.
func WithTelemetry(p *telemetry.Provider) RegistryOption {
	return func(r *Registry) { r.telemetry = p }
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store domain.ClientConfigStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   store,
		entries: make(map[string]*ClientRegistration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the registration for registrationID, loading it from the
// store on a cache miss. Unknown, disabled and unloadable configurations all
// report domain.ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, registrationID string) (*ClientRegistration, error) {
	if registrationID == "" {
		return nil, fmt.Errorf("registry: %w: blank registration id", domain.ErrInvalidArgument)
	}

	r.mu.RLock()
	reg, ok := r.entries[registrationID]
	r.mu.RUnlock()
	if ok {
		r.telemetry.RecordRegistryLookup(ctx, "hit")
		return reg, nil
	}
	r.telemetry.RecordRegistryLookup(ctx, "miss")

	v, err, _ := r.group.Do(registrationID, func() (any, error) {
		cfg, err := r.store.FindByRegistrationID(ctx, registrationID)
		if err != nil {
			return nil, err
		}
		return r.admit(cfg)
	})
	if err != nil {
		return nil, r.notFound(ctx, registrationID, err)
	}
	return v.(*ClientRegistration), nil
}

// ResolveByClientID returns the registration owning clientID (e.g. a WeChat app id).
func (r *Registry) ResolveByClientID(ctx context.Context, clientID string) (*ClientRegistration, error) {
	if clientID == "" {
		return nil, fmt.Errorf("registry: %w: blank client id", domain.ErrInvalidArgument)
	}

	r.mu.RLock()
	for _, reg := range r.entries {
		if reg.ClientID == clientID {
			r.mu.RUnlock()
			r.telemetry.RecordRegistryLookup(ctx, "hit")
			return reg, nil
		}
	}
	r.mu.RUnlock()

	cfg, err := r.store.FindByClientID(ctx, clientID)
	if err != nil {
		return nil, r.notFound(ctx, "client:"+clientID, err)
	}
	return r.Resolve(ctx, cfg.RegistrationID)
}

// Invalidate drops one cached registration and announces it.
func (r *Registry) Invalidate(ctx context.Context, registrationID string) {
	r.invalidateLocal(registrationID)
	r.announce(ctx, registrationID)
}

// InvalidateAll drops every cached registration and announces it.
func (r *Registry) InvalidateAll(ctx context.Context) {
	r.invalidateLocal("")
	r.announce(ctx, "")
}

// Preload resolves every enabled configuration so the first login does not
// pay for a store round-trip. A bad record is logged and skipped; the number
// of registrations admitted is returned.
func (r *Registry) Preload(ctx context.Context) (int, error) {
	configs, err := r.store.FindAllEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: preload: %w", err)
	}

	var (
		mu     sync.Mutex
		loaded int
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, cfg := range configs {
		cfg := cfg
		g.Go(func() error {
			if _, err := r.admit(cfg); err != nil {
				logger.Log.Warn("skipping client configuration during preload",
					zap.String("registration_id", cfg.RegistrationID),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			loaded++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Log.Info("client registry preloaded", zap.Int("registrations", loaded))
	return loaded, nil
}

// Listen applies invalidations received from sub until ctx is done. Remote
// invalidations are applied locally only and never re-announced.
func (r *Registry) Listen(ctx context.Context, sub Subscriber) error {
	return sub.Subscribe(ctx, r.invalidateLocal)
}

// Len reports the number of cached registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the cached registrations.
func (r *Registry) Snapshot() []*ClientRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientRegistration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	return out
}

func (r *Registry) admit(cfg *domain.ClientConfig) (*ClientRegistration, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, domain.ErrNotFound
	}
	reg, err := BuildRegistration(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[reg.RegistrationID] = reg
	r.mu.Unlock()
	return reg, nil
}

func (r *Registry) invalidateLocal(registrationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if registrationID == "" {
		r.entries = make(map[string]*ClientRegistration)
		return
	}
	delete(r.entries, registrationID)
}

func (r *Registry) announce(ctx context.Context, registrationID string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(ctx, registrationID); err != nil {
		logger.Log.Warn("failed to announce registry invalidation",
			zap.String("registration_id", registrationID),
			zap.Error(err),
		)
	}
}

func (r *Registry) notFound(ctx context.Context, key string, err error) error {
	if !errors.Is(err, domain.ErrNotFound) {
		r.telemetry.RecordRegistryLookup(ctx, "error")
		logger.Log.Error("failed to load client configuration",
			zap.String("registration_id", key),
			zap.Error(err),
		)
	}
	return fmt.Errorf("registry: registration %q: %w", key, domain.ErrNotFound)
}
