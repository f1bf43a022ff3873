package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// Migrate applies all pending migrations for the connection's engine.
// Migrations are forward-only; no down files ship with the binary.
func (c *Conn) Migrate() error {
	m, src, err := c.newMigrator()
	if err != nil {
		return err
	}
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version and dirty flag.
func (c *Conn) MigrationVersion() (uint, bool, error) {
	m, src, err := c.newMigrator()
	if err != nil {
		return 0, false, err
	}
	defer src.Close()
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// newMigrator builds a migrator over the shared handle. Callers close only
// the returned source: the database driver wraps c.DB, and closing the
// migrator (or the driver) would close the connection the rest of the
// process is still using.
func (c *Conn) newMigrator() (*migrate.Migrate, source.Driver, error) {
	sub, driver, err := c.migrationDriver(c.DB)
	if err != nil {
		return nil, nil, err
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(c.Engine), driver)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("init migrator: %w", err)
	}
	return m, src, nil
}

func (c *Conn) migrationDriver(sqlDB *sql.DB) (fs.FS, database.Driver, error) {
	switch c.Engine {
	case EngineSQLite:
		sub, err := fs.Sub(migrationFS, "migrations/sqlite")
		if err != nil {
			return nil, nil, err
		}
		driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite migration driver: %w", err)
		}
		return sub, driver, nil
	case EnginePostgres:
		sub, err := fs.Sub(migrationFS, "migrations/postgres")
		if err != nil {
			return nil, nil, err
		}
		driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres migration driver: %w", err)
		}
		return sub, driver, nil
	default:
		return nil, nil, fmt.Errorf("unsupported engine: %s", c.Engine)
	}
}
