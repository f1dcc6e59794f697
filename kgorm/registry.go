package kgorm

import (
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DialectorOpener is an alias for a function that returns a gorm.Dialector for a given DSN.
type DialectorOpener = func(string) gorm.Dialector

var (
	registryMu sync.RWMutex
	providers  = make(map[string]DialectorOpener)
)

func init() {
	Register("sqlite", sqlite.Open)
	Register("postgres", postgres.Open)
	Register("mysql", mysql.Open)
}

// Register adds a database driver under name.
func Register(name string, opener DialectorOpener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	providers[name] = opener
}

// NewStorage opens the database registered under name and, unless migrate is
// false, migrates the connector's tables. A nil gormConfig uses defaults.
// Driver errors are always translated so unique-key violations surface as
// gorm.ErrDuplicatedKey.
func NewStorage(name, dsn string, gormConfig *gorm.Config, migrate bool) (*Repository, error) {
	registryMu.RLock()
	opener, ok := providers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gorm: unknown storage provider %q", name)
	}

	if gormConfig == nil {
		gormConfig = &gorm.Config{}
	}
	gormConfig.TranslateError = true

	db, err := gorm.Open(opener(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("gorm: open %s: %w", name, err)
	}

	repo := NewRepository(db)
	if migrate {
		if err := repo.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("gorm: migrate: %w", err)
		}
	}
	return repo, nil
}
