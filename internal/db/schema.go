package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InitSchema creates entity tables, job state and lock tables if they do not
// exist. It is idempotent. Schema migration of existing tables is out of scope.
func (db *DB) InitSchema(ctx context.Context) error {
	stmts := db.schemaStatements()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
		}
		return nil
	})
}

func (db *DB) schemaStatements() []string {
	d := db.dialect
	var stmts []string

	for _, t := range db.catalog.Order() {
		def, _ := db.catalog.Lookup(t)

		var cols []string
		cols = append(cols,
			"id "+d.primaryKey,
			"external_id TEXT NOT NULL UNIQUE",
			"provenance TEXT NOT NULL DEFAULT 'source'",
			"content_hash TEXT NOT NULL",
		)
		for _, c := range def.Columns {
			col := fmt.Sprintf("%s %s", c.Name, d.columnType(c.Kind))
			if c.Required {
				col += " NOT NULL"
			}
			cols = append(cols, col)
		}
		for _, r := range def.Relations {
			target, _ := db.catalog.Lookup(r.Target)
			cols = append(cols, fmt.Sprintf("%s %s REFERENCES %s(id)", r.Column, d.bigint, target.Table))
		}
		cols = append(cols, "created_at TEXT NOT NULL", "updated_at TEXT NOT NULL")

		stmts = append(stmts,
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", def.Table, strings.Join(cols, ",\n\t")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_provenance ON %s(provenance)", def.Table, def.Table),
		)
		for _, r := range def.Relations {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", def.Table, r.Column, def.Table, r.Column))
		}
	}

	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_job_state (
	id %s,
	run_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	total_expected %s NOT NULL DEFAULT 0,
	synced_count %s NOT NULL DEFAULT 0,
	error_count %s NOT NULL DEFAULT 0,
	unresolved_relation_count %s NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	UNIQUE (run_id, entity_type)
)`, d.primaryKey, d.bigint, d.bigint, d.bigint, d.bigint),
		"CREATE INDEX IF NOT EXISTS idx_sync_job_state_type ON sync_job_state(entity_type, created_at)",
		`CREATE TABLE IF NOT EXISTS sync_lock (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	acquired_at TEXT NOT NULL
)`,
	)
	return stmts
}
