package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/phasetune/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var logf = monitoring.Tagged("db")

// migrateLogger routes migrate's progress lines through the tagged logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) { logf("migrate: "+format, v...) }
func (migrateLogger) Verbose() bool                  { return false }

// MigrateUp applies every pending embedded migration. An up-to-date schema
// is not an error.
func (db *DB) MigrateUp() error {
	return db.migrate("up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	return db.migrate("down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// MigrateVersion reports the schema version; 0 means nothing is applied.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// migrate never closes m: that would close the shared *sql.DB.
func (db *DB) migrate(direction string, step func(*migrate.Migrate) error) error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}
	return nil
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, err
	}
	m.Log = migrateLogger{}
	return m, nil
}
