package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// sqliteNow is the timestamp expression used for created_at/updated_at
// columns. Millisecond precision keeps Watch change markers distinct for
// writes that land within the same second.
const sqliteNow = `STRFTIME('%Y-%m-%dT%H:%M:%fZ', 'now')`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS endpoints (
		port INTEGER PRIMARY KEY CHECK (port BETWEEN 1 AND 65535),
		backlog INTEGER NOT NULL DEFAULT 0,
		receive_buffer INTEGER NOT NULL DEFAULT 0,
		accept_timeout_ms INTEGER NOT NULL DEFAULT 0,
		policy_script TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT (` + sqliteNow + `),
		updated_at TEXT NOT NULL DEFAULT (` + sqliteNow + `)
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (` + sqliteNow + `)
	)`,
	`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (` + sqliteNow + `)
	)`,
}

func applyPragmas(ctx context.Context, db *sql.DB, readOnly bool) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
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
			return fmt.Errorf("config: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin schema transaction: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: apply schema statement %q: %w", abbreviate(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit schema transaction: %w", err)
	}

	return nil
}

func abbreviate(stmt string) string {
	const maxLen = 64
	trimmed := strings.Join(strings.Fields(stmt), " ")
	if len(trimmed) <= maxLen {
		return trimmed
	}
	return trimmed[:maxLen] + "..."
}
