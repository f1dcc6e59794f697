// Package kgorm implements the Kayan Connect stores on GORM: client
// configurations (domain.ClientConfigStore), accounts and their provider
// bindings (domain.AccountStore) and audit events (audit.AuditStore).
//
// SQLite, PostgreSQL and MySQL are registered by default:
//
//	repo, err := kgorm.NewStorage("sqlite", "kayan.db", nil, true)
package kgorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/getkayan/kayan-connect/core/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&gormClientConfig{},
		&gormAccount{},
		&gormBinding{},
		&gormAuditEvent{},
	)
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps GORM errors onto the domain taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	case isDuplicate(err):
		return fmt.Errorf("%s: %w: %w", what, domain.ErrBindingConflict, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate")
}
