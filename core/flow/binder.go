package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/getkayan/kayan-connect/core/audit"
	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/logger"
	"go.uber.org/zap"
)

// Binder finds or creates the local account for a canonical identity.
type Binder struct {
	store domain.AccountStore
	audit *audit.Logger
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithBinderAudit records identity.created and identity.bound events.
func WithBinderAudit(l *audit.Logger) BinderOption {
	return func(b *Binder) { b.audit = l }
}

func NewBinder(store domain.AccountStore, opts ...BinderOption) *Binder {
	b := &Binder{store: store}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind resolves info to an account:
//
//  1. an account already bound to (provider, open id) is returned as is;
//  2. otherwise an account bound to the same union id anywhere in the
//     provider family gets this registration bound to it;
//  3. otherwise a new account is created from info.
//
// A unique-key violation while creating means a concurrent delivery of the
// same identity won; its account is returned when it can be read back.
func (b *Binder) Bind(ctx context.Context, info *identity.UserInfo) (*identity.Account, error) {
	if info == nil || info.Provider == "" || info.OpenID == "" {
		return nil, fmt.Errorf("bind: %w: identity needs provider and open id", domain.ErrInvalidArgument)
	}

	acct, err := b.store.FindByProviderAndOpenID(ctx, info.Provider, info.OpenID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("bind: find by open id: %w", err)
	}

	if info.UnionID != "" {
		acct, err = b.store.FindByProviderAndUnionID(ctx, info.Family, info.UnionID)
		switch {
		case err == nil:
			if err := b.store.BindExisting(ctx, acct.ID, info); err != nil {
				return nil, fmt.Errorf("bind: link %s to account %s: %w", info.Provider, acct.ID, err)
			}
			logger.Log.Info("bound identity to existing account",
				zap.String("account_id", acct.ID),
				zap.String("registration_id", info.Provider),
			)
			b.audit.Record(ctx, audit.NewEvent(audit.EventIdentityBound).
				Subject(acct.ID).Registration(info.Provider, "").Success())
			return acct, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("bind: find by union id: %w", err)
		}
	}

	acct, err = b.store.CreateFromCanonicalInfo(ctx, info)
	if errors.Is(err, domain.ErrBindingConflict) {
		if existing, lookupErr := b.store.FindByProviderAndOpenID(ctx, info.Provider, info.OpenID); lookupErr == nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("bind: create account: %w", err)
	}

	b.audit.Record(ctx, audit.NewEvent(audit.EventIdentityCreated).
		Subject(acct.ID).Registration(info.Provider, "").Success())
	return acct, nil
}
