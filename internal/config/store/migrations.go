package store

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	stmts   []string
}

// Migrations run once per database, in order, inside a single transaction
// each. New entries are appended with the next version number; existing
// entries must never be edited once released.
var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_endpoints_enabled ON endpoints (enabled)`,
		},
	},
}

func applyMigrations(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, `
        SELECT IFNULL(MAX(version), 0) FROM schema_migrations
    `).Scan(&current); err != nil {
		return fmt.Errorf("config: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("config: begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("config: apply migration %d statement %q: %w", m.version, abbreviate(stmt), err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO schema_migrations (version) VALUES (?)
        `, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("config: commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion reports the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `
        SELECT IFNULL(MAX(version), 0) FROM schema_migrations
    `).Scan(&version); err != nil {
		return 0, fmt.Errorf("config: read schema version: %w", err)
	}
	return version, nil
}
