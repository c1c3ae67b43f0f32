package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the dispatch tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS units (
		id         TEXT PRIMARY KEY,
		position   INTEGER NOT NULL,
		config     TEXT NOT NULL,
		state      TEXT NOT NULL DEFAULT 'queued',
		queue_seq  INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS allocations (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id      TEXT NOT NULL REFERENCES units(id),
		worker       TEXT NOT NULL,
		allocated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS finished (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id     TEXT NOT NULL UNIQUE REFERENCES units(id),
		finished_at TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_units_state_seq ON units(state, queue_seq)`,
	`CREATE INDEX IF NOT EXISTS idx_allocations_unit_id ON allocations(unit_id)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string
}{
	{
		table:    "units",
		column:   "last_error",
		alterSQL: "ALTER TABLE units ADD COLUMN last_error TEXT NOT NULL DEFAULT ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}
	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
