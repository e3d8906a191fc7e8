package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements are executed in order on every open. Every statement is
// idempotent so a partially initialised database converges to the full schema.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS plugins (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		publisher TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 0,
		loaded INTEGER NOT NULL DEFAULT 0,
		runtime_mode TEXT NOT NULL DEFAULT 'in_process',
		supported_modes TEXT NOT NULL DEFAULT '[]',
		mode_switch_supported INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL DEFAULT '{}',
		install_path TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS install_jobs (
		id TEXT PRIMARY KEY,
		plugin_name TEXT NOT NULL,
		install_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_install_jobs_plugin ON install_jobs(plugin_name)`,
	`CREATE INDEX IF NOT EXISTS idx_install_jobs_status ON install_jobs(status)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 0,
		powered INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		last_seen TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS plugin_bindings (
		id TEXT PRIMARY KEY,
		plugin_name TEXT NOT NULL,
		selector TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plugin_bindings_plugin ON plugin_bindings(plugin_name)`,
	`CREATE TABLE IF NOT EXISTS device_links (
		id TEXT PRIMARY KEY,
		from_device_id TEXT NOT NULL,
		to_device_id TEXT NOT NULL,
		link_type TEXT NOT NULL,
		direction TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(from_device_id, to_device_id)
	)`,
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA temp_store = MEMORY",
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply schema statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit schema: %w", err)
	}
	return nil
}
