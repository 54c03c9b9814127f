package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"riskdesk/core/utils"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplyMigrations brings one incident database up to the current schema. The
// goose pass is versioned and idempotent; the column pass afterwards upgrades
// databases whose audit_logs table predates field-level entries (older
// deployments shared a coarser audit table), adding columns in place without
// data loss.
func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil && len(results) > 0 {
		logger.Printf("applied %d schema migrations", len(results))
	}
	if err := ensureAuditColumns(ctx, db); err != nil {
		return err
	}
	return nil
}

func ensureAuditColumns(ctx context.Context, db *sql.DB) error {
	type col struct {
		Name string
		SQL  string
	}
	cols := []col{
		{Name: "user_id", SQL: "ALTER TABLE audit_logs ADD COLUMN user_id INTEGER NOT NULL DEFAULT 0"},
		{Name: "entity_id", SQL: "ALTER TABLE audit_logs ADD COLUMN entity_id INTEGER NOT NULL DEFAULT 0"},
		{Name: "field", SQL: "ALTER TABLE audit_logs ADD COLUMN field TEXT"},
		{Name: "old_value", SQL: "ALTER TABLE audit_logs ADD COLUMN old_value TEXT"},
		{Name: "new_value", SQL: "ALTER TABLE audit_logs ADD COLUMN new_value TEXT"},
	}
	for _, c := range cols {
		exists, err := columnExists(ctx, db, "audit_logs", c.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, c.SQL); err != nil {
			return fmt.Errorf("add column audit_logs.%s: %w", c.Name, err)
		}
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
