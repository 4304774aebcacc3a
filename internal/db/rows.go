package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Row is a stored entity row.
type Row struct {
	ID          int64
	ExternalID  string
	Provenance  schema.Provenance
	ContentHash string
	// Values holds scalar and relation columns by name. Relation columns are
	// int64 or nil.
	Values    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetEntity reads one row by external id.
func (db *DB) GetEntity(ctx context.Context, t schema.EntityType, externalID string) (*Row, error) {
	def, err := db.catalog.Lookup(t)
	if err != nil {
		return nil, err
	}
	cols := def.ColumnNames()
	q := fmt.Sprintf(`SELECT id, external_id, provenance, content_hash, %s, created_at, updated_at
		FROM %s WHERE external_id = ?`, strings.Join(cols, ", "), def.Table)

	vals := make([]any, len(cols))
	ptrs := make([]any, 0, len(cols)+6)
	var (
		row                Row
		prov               string
		createdAt, updated string
	)
	ptrs = append(ptrs, &row.ID, &row.ExternalID, &prov, &row.ContentHash)
	for i := range vals {
		ptrs = append(ptrs, &vals[i])
	}
	ptrs = append(ptrs, &createdAt, &updated)

	err = db.queryRow(ctx, q, externalID).Scan(ptrs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", t, externalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", t, externalID, err)
	}

	row.Provenance = schema.Provenance(prov)
	row.Values = make(map[string]any, len(cols))
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row.Values[c] = v
	}
	row.CreatedAt, _ = parseTime(createdAt)
	row.UpdatedAt, _ = parseTime(updated)
	return &row, nil
}

// CountEntities counts rows of t, restricted to prov when it is non-empty.
func (db *DB) CountEntities(ctx context.Context, t schema.EntityType, prov schema.Provenance) (int64, error) {
	def, err := db.catalog.Lookup(t)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", def.Table)
	var args []any
	if prov != "" {
		q += " WHERE provenance = ?"
		args = append(args, string(prov))
	}
	var n int64
	if err := db.queryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t, err)
	}
	return n, nil
}

// PurgeSynthetic deletes every synthetic row, children before parents, in
// one transaction. It returns the number of rows removed per type.
func (db *DB) PurgeSynthetic(ctx context.Context) (map[schema.EntityType]int64, error) {
	order := db.catalog.Order()
	slices.Reverse(order)

	removed := make(map[schema.EntityType]int64, len(order))
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range order {
			def, _ := db.catalog.Lookup(t)
			res, err := tx.ExecContext(ctx,
				db.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE provenance = ?", def.Table)),
				string(schema.ProvenanceSynthetic))
			if err != nil {
				return fmt.Errorf("failed to purge synthetic %s: %w", t, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to purge synthetic %s: %w", t, err)
			}
			removed[t] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}
