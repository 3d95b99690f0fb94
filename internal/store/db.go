// Package store is Hyperfleet's durable store (C3): machines and API keys
// in a single pure-Go SQLite database, schema evolved by a numbered,
// forward-only migration list. Durable status is the truth — the runtime
// registry (internal/runtimereg) never originates state the store
// disagrees with.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the durable SQLite store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs any pending
// migrations. Safe to call concurrently from a single process boot:
// migration runs are serialized process-wide and each migration is
// recorded in schema_migrations, so a second Open waits for the first
// and then finds nothing left to apply.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.runMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
