package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/oauth2"
	"go.uber.org/zap"
)

// RegistrationResolver is the part of oauth2.Registry the flow package needs.
type RegistrationResolver interface {
	Resolve(ctx context.Context, registrationID string) (*oauth2.ClientRegistration, error)
}

// Resolver turns raw provider payloads into canonical user info.
type Resolver struct {
	registry   RegistrationResolver
	strategies []ProviderStrategy
}

// NewResolver creates a resolver over strategies, in registration order.
func NewResolver(registry RegistrationResolver, strategies ...ProviderStrategy) *Resolver {
	return &Resolver{registry: registry, strategies: strategies}
}

// DefaultStrategies returns the built-in GitHub, WeChat and Logto strategies.
func DefaultStrategies() []ProviderStrategy {
	return []ProviderStrategy{
		NewGitHubStrategy(),
		NewWeChatStrategy(),
		NewLogtoStrategy(),
	}
}

// Select returns the strategy that would handle registrationID, or nil when
// the default extraction applies.
func (r *Resolver) Select(registrationID string) ProviderStrategy {
	return SelectStrategy(r.strategies, registrationID)
}

// Extract normalizes raw for registrationID. The returned Provider is always
// the registration id, and RedirectTarget comes from the registration when it
// can be resolved.
func (r *Resolver) Extract(ctx context.Context, raw map[string]any, registrationID string) (*identity.UserInfo, error) {
	if registrationID == "" {
		return nil, fmt.Errorf("extract: %w: blank registration id", domain.ErrInvalidArgument)
	}
	if raw == nil {
		return nil, fmt.Errorf("extract: %w: empty identity payload", domain.ErrInvalidArgument)
	}

	var reg *oauth2.ClientRegistration
	if r.registry != nil {
		var err error
		reg, err = r.registry.Resolve(ctx, registrationID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			logger.Log.Warn("failed to resolve registration for redirect target",
				zap.String("registration_id", registrationID),
				zap.Error(err),
			)
		}
	}

	var info *identity.UserInfo
	if s := r.Select(registrationID); s != nil {
		var err error
		info, err = s.Extract(raw)
		if err != nil {
			return nil, fmt.Errorf("extract %s identity: %w", s.Family(), err)
		}
	} else {
		info = DefaultExtract(raw)
	}

	info.Provider = registrationID
	if info.Family == "" {
		info.Family = registrationID
		if reg != nil && reg.ProviderFamily != "" {
			info.Family = reg.ProviderFamily
		}
	}
	if reg != nil {
		info.RedirectTarget = reg.RedirectTarget
	}

	if info.OpenID == "" {
		return nil, fmt.Errorf("extract %q: %w: payload carries no subject", registrationID, domain.ErrInvalidArgument)
	}
	return info, nil
}
