package store

import (
	"database/sql"
	"fmt"
	"sync"
)

// migration is one numbered, forward-only schema step.
type migration struct {
	version int
	up      string
	down    string
}

// migrations is the complete, ordered schema history. Append, never edit
// or reorder — a migration that has shipped is immutable.
var migrations = []migration{
	{
		version: 1,
		up: `
			CREATE TABLE machines (
				id                  TEXT PRIMARY KEY,
				name                TEXT NOT NULL,
				status              TEXT NOT NULL,
				runtime_type        TEXT NOT NULL,
				vcpu_count          INTEGER NOT NULL,
				mem_size_mib        INTEGER NOT NULL,
				kernel_image_path   TEXT NOT NULL DEFAULT '',
				kernel_args         TEXT NOT NULL DEFAULT '',
				rootfs_path         TEXT NOT NULL DEFAULT '',
				control_socket_path TEXT NOT NULL DEFAULT '',
				tap_device          TEXT NOT NULL DEFAULT '',
				tap_ip              TEXT NOT NULL DEFAULT '',
				guest_ip            TEXT NOT NULL DEFAULT '',
				guest_mac           TEXT NOT NULL DEFAULT '',
				host_pid            INTEGER,
				image_ref           TEXT NOT NULL DEFAULT '',
				image_digest        TEXT NOT NULL DEFAULT '',
				config_blob         TEXT NOT NULL DEFAULT '{}',
				error_message       TEXT NOT NULL DEFAULT '',
				created_at          TEXT NOT NULL,
				updated_at          TEXT NOT NULL
			);
			CREATE UNIQUE INDEX machines_control_socket_path_running_idx
				ON machines(control_socket_path)
				WHERE status = 'running' AND control_socket_path != '';
			CREATE UNIQUE INDEX machines_tap_device_idx ON machines(tap_device) WHERE tap_device != '';
			CREATE UNIQUE INDEX machines_tap_ip_idx ON machines(tap_ip) WHERE tap_ip != '';
			CREATE UNIQUE INDEX machines_guest_mac_idx ON machines(guest_mac) WHERE guest_mac != '';
			CREATE INDEX machines_status_idx ON machines(status);
		`,
		down: `DROP TABLE machines;`,
	},
	{
		version: 2,
		up: `
			CREATE TABLE api_keys (
				id             TEXT PRIMARY KEY,
				hash           TEXT NOT NULL UNIQUE,
				public_prefix  TEXT NOT NULL,
				scopes         TEXT NOT NULL DEFAULT '[]',
				expires_at     TEXT,
				revoked_at     TEXT,
				last_used_at   TEXT,
				created_at     TEXT NOT NULL
			);
			CREATE INDEX api_keys_public_prefix_idx ON api_keys(public_prefix);
		`,
		down: `DROP TABLE api_keys;`,
	},
}

// migrateMu serializes runMigrations across every DB in the process.
var migrateMu sync.Mutex

// runMigrations applies every migration whose version exceeds the
// currently recorded schema version, each inside its own transaction.
// Calling it again afterward is a no-op: idempotent by construction.
// Concurrent runs within one process are serialized by migrateMu, so a
// later run reads the schema version only after an earlier one finished.
func (d *DB) runMigrations() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := d.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := d.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (d *DB) schemaVersion() (int, error) {
	var v sql.NullInt64
	err := d.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (d *DB) applyMigration(m migration) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.up); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}
