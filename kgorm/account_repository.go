package kgorm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getkayan/kayan-connect/core/identity"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (r *Repository) FindByProviderAndOpenID(ctx context.Context, provider, openID string) (*identity.Account, error) {
	var b gormBinding
	if err := r.db.WithContext(ctx).First(&b, "provider = ? AND open_id = ?", provider, openID).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("binding %s/%s", provider, openID))
	}
	return r.GetAccount(ctx, b.AccountID)
}

func (r *Repository) FindByProviderAndUnionID(ctx context.Context, family, unionID string) (*identity.Account, error) {
	var b gormBinding
	err := r.db.WithContext(ctx).
		Where("family = ? AND union_id = ?", family, unionID).
		Order("created_at").
		First(&b).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("union binding %s/%s", family, unionID))
	}
	return r.GetAccount(ctx, b.AccountID)
}

// CreateFromCanonicalInfo creates an account and its first binding in one
// transaction.
func (r *Repository) CreateFromCanonicalInfo(ctx context.Context, info *identity.UserInfo) (*identity.Account, error) {
	acct := &gormAccount{
		ID:          uuid.NewString(),
		DisplayName: info.DisplayName(),
		Avatar:      info.Avatar,
		Email:       info.Email,
		Phone:       info.Phone,
		State:       "active",
	}
	binding, err := newBinding(acct.ID, info)
	if err != nil {
		return nil, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(acct).Error; err != nil {
			return err
		}
		return tx.Create(binding).Error
	})
	if err != nil {
		return nil, translate(err, "create account for "+info.Provider)
	}

	out := toCoreAccount(acct)
	out.Bindings = []identity.Binding{toCoreBinding(binding)}
	return out, nil
}

// BindExisting adds a binding for info to an existing account.
func (r *Repository) BindExisting(ctx context.Context, accountID string, info *identity.UserInfo) error {
	binding, err := newBinding(accountID, info)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct gormAccount
		if err := tx.Select("id").First(&acct, "id = ?", accountID).Error; err != nil {
			return translate(err, "account "+accountID)
		}
		return translate(tx.Create(binding).Error, "bind "+info.Provider+" to account "+accountID)
	})
}

// GetAccount returns an account with its bindings.
func (r *Repository) GetAccount(ctx context.Context, id string) (*identity.Account, error) {
	var g gormAccount
	if err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, translate(err, "account "+id)
	}
	var bindings []gormBinding
	if err := r.db.WithContext(ctx).Where("account_id = ?", id).Order("created_at").Find(&bindings).Error; err != nil {
		return nil, translate(err, "bindings of account "+id)
	}

	acct := toCoreAccount(&g)
	for i := range bindings {
		acct.Bindings = append(acct.Bindings, toCoreBinding(&bindings[i]))
	}
	return acct, nil
}

func newBinding(accountID string, info *identity.UserInfo) (*gormBinding, error) {
	profile, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode binding profile: %w", err)
	}
	return &gormBinding{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Provider:  info.Provider,
		Family:    info.Family,
		OpenID:    info.OpenID,
		UnionID:   info.UnionID,
		Profile:   profile,
	}, nil
}
