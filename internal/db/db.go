// Package db opens the relational store behind the hub. Two engines are
// supported: SQLite for desktop single-tenant deployments and PostgreSQL for
// multi-tenant ones. All SQL in the store packages uses $N placeholders,
// which both engines accept, so query text is shared.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Engine identifies the backing database engine.
type Engine string

const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// Conn bundles the database handle with the engine it speaks to.
type Conn struct {
	DB     *sql.DB
	Engine Engine
}

// Open parses a database URL and opens the matching engine.
// Recognized schemes: sqlite:// (file path) and postgres:// / postgresql://.
func Open(databaseURL string) (*Conn, error) {
	raw := strings.TrimSpace(databaseURL)
	if raw == "" {
		return nil, fmt.Errorf("database url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	switch u.Scheme {
	case "sqlite", "sqlite3", "file":
		return openSQLite(sqlitePath(u))
	case "postgres", "postgresql":
		return openPostgres(raw)
	default:
		return nil, fmt.Errorf("unsupported database scheme: %s", u.Scheme)
	}
}

func sqlitePath(u *url.URL) string {
	// sqlite://data/omni.db parses the first segment as host; rejoin it.
	path := u.Path
	if u.Host != "" {
		path = filepath.Join(u.Host, strings.TrimPrefix(path, "/"))
	}
	if path == "" {
		path = u.Opaque
	}
	return path
}

func openSQLite(path string) (*Conn, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)
	return &Conn{DB: sqlDB, Engine: EngineSQLite}, nil
}

func openPostgres(dsn string) (*Conn, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return &Conn{DB: sqlDB, Engine: EnginePostgres}, nil
}

// Close closes the underlying handle.
func (c *Conn) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
