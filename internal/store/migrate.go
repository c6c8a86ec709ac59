package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/vksync/internal/store/migrations"
)

// MigrateResult reports the schema version of vksync.db after Migrate.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate brings the session schema (sync state, roster, messages, outbox and
// the search index) up to the version embedded in the binary. A schema left
// dirty by an interrupted upgrade is reported instead of retried.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	err = m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return nil, fmt.Errorf("schema version %d is dirty, restore or remove the session database: %w", dirty.Version, err)
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	version, isDirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return &MigrateResult{
		Version: version,
		Dirty:   isDirty,
		Changed: changed,
	}, nil
}
