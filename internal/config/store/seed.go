package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/portgate-io/portgate/internal/constants"
)

// defaultSettings are seeded on first open and never overwrite
// operator-provided values.
var defaultSettings = map[string]string{
	SettingHTTPHost:       constants.DefaultHTTPHost,
	SettingHTTPPort:       strconv.Itoa(constants.DefaultHTTPPort),
	SettingGRPCPort:       strconv.Itoa(constants.DefaultGRPCPort),
	SettingAuthToken:      "",
	SettingAllowedOrigins: "",
}

func seedDefaults(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config: begin seed transaction: %w", err)
	}

	for key, value := range defaultSettings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, `+sqliteNow+`)
			ON CONFLICT(key) DO NOTHING
		`, key, value); err != nil {
			tx.Rollback()
			return fmt.Errorf("config: seed setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("config: commit seed transaction: %w", err)
	}

	return nil
}
