package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies the schema. Statements are idempotent so the engine can
// run them unconditionally at startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS identity_records (
			id         UUID PRIMARY KEY,
			owner      TEXT NOT NULL UNIQUE,
			active     BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			attached   JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
