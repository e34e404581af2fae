package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps a database/sql connection pool for PostgreSQL or SQLite.
type DB struct {
	Pool   *sql.DB
	Driver string
}

// New opens and pings a database. driver is DriverPostgres or DriverSQLite.
func New(ctx context.Context, driver, dsn string) (*DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	pool, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; serialise through a single connection.
		pool.SetMaxOpenConns(1)
	} else {
		pool.SetMaxOpenConns(25)
		pool.SetMaxIdleConns(5)
	}

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &DB{Pool: pool, Driver: driver}
	if driver == DriverSQLite {
		if _, err := pool.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			pool.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	return d, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.Pool.Close()
}

// Migrate runs the database schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrationSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.Pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// The partial unique index enforces at most one completed operation per
// (user, achievement, sequence).
const migrationSQL = `
CREATE TABLE IF NOT EXISTS achievement_runs (
    username        TEXT NOT NULL,
    kind            TEXT NOT NULL,
    display_name    TEXT NOT NULL,
    tier            TEXT NOT NULL,
    target_count    INTEGER NOT NULL,
    completed_count INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    started_at      TIMESTAMP,
    finished_at     TIMESTAMP,
    PRIMARY KEY (username, kind)
);

CREATE TABLE IF NOT EXISTS achievement_operations (
    id             TEXT PRIMARY KEY,
    username       TEXT NOT NULL,
    kind           TEXT NOT NULL,
    sequence       INTEGER NOT NULL,
    operation_kind TEXT NOT NULL,
    status         TEXT NOT NULL,
    result         TEXT,
    error          TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_run ON achievement_operations(username, kind, status);

CREATE UNIQUE INDEX IF NOT EXISTS ux_operations_completed
    ON achievement_operations(username, kind, sequence)
    WHERE status = 'completed'
`
