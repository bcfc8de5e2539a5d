package clocksync

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate brings the schema behind dsn up to date. It opens and closes its
// own connection.
func Migrate(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func SchemaVersion(dsn string) (uint, bool, error) {
	m, err := newMigrator(dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	target, err := ParseStoreDSN(dsn)
	if err != nil {
		return nil, err
	}
	if target.Memory {
		return nil, fmt.Errorf("%w: memory store has no schema", ErrInvalidInput)
	}
	db, err := sql.Open(target.Driver, target.DataSource)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var (
		dir        string
		driverName string
		m          *migrate.Migrate
	)
	switch target.Dialect {
	case dialectPostgres:
		dir, driverName = "migrations/postgres", "postgres"
	case dialectSQLite:
		dir, driverName = "migrations/sqlite", "sqlite3"
	}
	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	switch target.Dialect {
	case dialectPostgres:
		driver, derr := migratepostgres.WithInstance(db, &migratepostgres.Config{})
		if derr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, driverName, driver)
	default:
		driver, derr := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if derr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create migration driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, driverName, driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
