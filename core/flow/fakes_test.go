package flow

import (
	"context"
	"fmt"
	"sync"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/getkayan/kayan-connect/core/oauth2"
)

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*identity.Account
	byOpenID map[string]string
	byUnion  map[string]string
	seq      int

	creates int
	binds   int
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{
		accounts: make(map[string]*identity.Account),
		byOpenID: make(map[string]string),
		byUnion:  make(map[string]string),
	}
}

func (s *fakeAccountStore) FindByProviderAndOpenID(ctx context.Context, provider, openID string) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOpenID[provider+"|"+openID]; ok {
		return s.accounts[id], nil
	}
	return nil, domain.ErrNotFound
}

func (s *fakeAccountStore) FindByProviderAndUnionID(ctx context.Context, family, unionID string) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUnion[family+"|"+unionID]; ok {
		return s.accounts[id], nil
	}
	return nil, domain.ErrNotFound
}

func (s *fakeAccountStore) CreateFromCanonicalInfo(ctx context.Context, info *identity.UserInfo) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOpenID[info.Provider+"|"+info.OpenID]; ok {
		return nil, domain.ErrBindingConflict
	}
	s.seq++
	s.creates++
	acct := &identity.Account{ID: fmt.Sprintf("acct-%d", s.seq), DisplayName: info.DisplayName(), Avatar: info.Avatar, State: "active"}
	s.accounts[acct.ID] = acct
	s.link(acct.ID, info)
	return acct, nil
}

func (s *fakeAccountStore) BindExisting(ctx context.Context, accountID string, info *identity.UserInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOpenID[info.Provider+"|"+info.OpenID]; ok {
		return domain.ErrBindingConflict
	}
	s.binds++
	s.link(accountID, info)
	return nil
}

func (s *fakeAccountStore) GetAccount(ctx context.Context, id string) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[id]; ok {
		return acct, nil
	}
	return nil, domain.ErrNotFound
}

func (s *fakeAccountStore) link(accountID string, info *identity.UserInfo) {
	s.byOpenID[info.Provider+"|"+info.OpenID] = accountID
	if info.UnionID != "" {
		s.byUnion[info.Family+"|"+info.UnionID] = accountID
	}
}

type staticRegistry map[string]*oauth2.ClientRegistration

func (r staticRegistry) Resolve(ctx context.Context, id string) (*oauth2.ClientRegistration, error) {
	if reg, ok := r[id]; ok {
		return reg, nil
	}
	return nil, fmt.Errorf("registration %q: %w", id, domain.ErrNotFound)
}
