package kgorm

import (
	"context"
	"fmt"
	"strings"

	"github.com/getkayan/kayan-connect/core/domain"
	"gorm.io/gorm/clause"
)

func (r *Repository) FindByRegistrationID(ctx context.Context, registrationID string) (*domain.ClientConfig, error) {
	var g gormClientConfig
	if err := r.db.WithContext(ctx).First(&g, "registration_id = ?", registrationID).Error; err != nil {
		return nil, translate(err, "client config "+registrationID)
	}
	return toCoreClientConfig(&g), nil
}

func (r *Repository) FindByClientID(ctx context.Context, clientID string) (*domain.ClientConfig, error) {
	var g gormClientConfig
	if err := r.db.WithContext(ctx).First(&g, "client_id = ?", clientID).Error; err != nil {
		return nil, translate(err, "client config for client "+clientID)
	}
	return toCoreClientConfig(&g), nil
}

func (r *Repository) FindAllEnabled(ctx context.Context) ([]*domain.ClientConfig, error) {
	return r.listClientConfigs(ctx, true)
}

// ListClientConfigs returns every stored configuration, enabled or not.
func (r *Repository) ListClientConfigs(ctx context.Context) ([]*domain.ClientConfig, error) {
	return r.listClientConfigs(ctx, false)
}

func (r *Repository) listClientConfigs(ctx context.Context, enabledOnly bool) ([]*domain.ClientConfig, error) {
	q := r.db.WithContext(ctx).Order("registration_id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var rows []gormClientConfig
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "list client configs")
	}
	out := make([]*domain.ClientConfig, 0, len(rows))
	for i := range rows {
		out = append(out, toCoreClientConfig(&rows[i]))
	}
	return out, nil
}

// SaveClientConfig inserts or replaces a configuration. Callers must
// invalidate the registry entry afterwards.
func (r *Repository) SaveClientConfig(ctx context.Context, cfg *domain.ClientConfig) error {
	if cfg == nil || strings.TrimSpace(cfg.RegistrationID) == "" || strings.TrimSpace(cfg.ClientID) == "" {
		return fmt.Errorf("save client config: %w: registration id and client id are required", domain.ErrInvalidArgument)
	}
	g := fromCoreClientConfig(cfg)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "registration_id"}},
		UpdateAll: true,
	}).Create(g).Error
	return translate(err, "save client config "+cfg.RegistrationID)
}

// DeleteClientConfig removes a configuration. Callers must invalidate the
// registry entry afterwards.
func (r *Repository) DeleteClientConfig(ctx context.Context, registrationID string) error {
	res := r.db.WithContext(ctx).Delete(&gormClientConfig{}, "registration_id = ?", registrationID)
	if res.Error != nil {
		return translate(res.Error, "delete client config "+registrationID)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete client config %s: %w", registrationID, domain.ErrNotFound)
	}
	return nil
}
