package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/identity"
)

func TestBinderCreatesThenReuses(t *testing.T) {
	store := newFakeAccountStore()
	b := NewBinder(store)
	ctx := context.Background()
	info := &identity.UserInfo{Provider: "github", Family: "github", OpenID: "1", Nickname: "octo"}

	first, err := b.Bind(ctx, info)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	second, err := b.Bind(ctx, info)
	if err != nil {
		t.Fatalf("second bind failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same account, got %s and %s", first.ID, second.ID)
	}
	if store.creates != 1 {
		t.Errorf("expected a single account creation, got %d", store.creates)
	}
}

func TestBinderLinksByUnionIDWithinFamily(t *testing.T) {
	store := newFakeAccountStore()
	b := NewBinder(store)
	ctx := context.Background()

	web, err := b.Bind(ctx, &identity.UserInfo{Provider: "wechat-web", Family: "wechat", OpenID: "o-web", UnionID: "u-1"})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	mp, err := b.Bind(ctx, &identity.UserInfo{Provider: "wechat-mp", Family: "wechat", OpenID: "o-mp", UnionID: "u-1"})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	if web.ID != mp.ID {
		t.Errorf("expected union id to link both registrations, got %s and %s", web.ID, mp.ID)
	}
	if store.binds != 1 {
		t.Errorf("expected one bind, got %d", store.binds)
	}

	other, err := b.Bind(ctx, &identity.UserInfo{Provider: "qq", Family: "qq", OpenID: "o-qq", UnionID: "u-1"})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if other.ID == web.ID {
		t.Error("union ids must not link across provider families")
	}
}

type conflictingStore struct {
	*fakeAccountStore
	winner *identity.Account
	raced  bool
}

func (s *conflictingStore) FindByProviderAndOpenID(ctx context.Context, provider, openID string) (*identity.Account, error) {
	if s.raced {
		return s.winner, nil
	}
	return nil, domain.ErrNotFound
}

func (s *conflictingStore) CreateFromCanonicalInfo(ctx context.Context, info *identity.UserInfo) (*identity.Account, error) {
	s.raced = true
	return nil, domain.ErrBindingConflict
}

func TestBinderReturnsWinnerOfConcurrentCreate(t *testing.T) {
	store := &conflictingStore{fakeAccountStore: newFakeAccountStore(), winner: &identity.Account{ID: "acct-winner"}}
	b := NewBinder(store)

	acct, err := b.Bind(context.Background(), &identity.UserInfo{Provider: "github", OpenID: "1"})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if acct.ID != "acct-winner" {
		t.Errorf("expected winner account, got %s", acct.ID)
	}
}

func TestBinderSurfacesConflict(t *testing.T) {
	store := &conflictingStore{fakeAccountStore: newFakeAccountStore()}
	store.winner = nil
	b := NewBinder(&alwaysConflict{store})

	_, err := b.Bind(context.Background(), &identity.UserInfo{Provider: "github", OpenID: "1"})
	if !errors.Is(err, domain.ErrBindingConflict) {
		t.Errorf("expected ErrBindingConflict, got %v", err)
	}
}

type alwaysConflict struct {
	*conflictingStore
}

func (s *alwaysConflict) FindByProviderAndOpenID(ctx context.Context, provider, openID string) (*identity.Account, error) {
	return nil, domain.ErrNotFound
}

func TestBinderRejectsIncompleteIdentity(t *testing.T) {
	b := NewBinder(newFakeAccountStore())
	if _, err := b.Bind(context.Background(), &identity.UserInfo{Provider: "github"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}
