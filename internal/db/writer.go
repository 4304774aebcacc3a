package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// lookupChunk bounds the IN (...) list of one relation lookup.
const lookupChunk = 500

// Outcome is what an upsert did to the stored row.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeUpdated
	OutcomeUnchanged
	// OutcomeSkipped is a synthetic row whose external id already existed.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// UpsertResult describes one written entity.
type UpsertResult struct {
	ExternalID string
	ID         int64
	Outcome    Outcome
	// Unresolved lists relations whose target was not found; their columns
	// were stored as NULL.
	Unresolved []schema.RelationReference
}

// Writer persists canonical entities with native insert-or-update statements
// keyed by external_id. It is safe for concurrent use.
type Writer struct {
	db    *DB
	index *ParentIndex
	now   func() time.Time

	mu    sync.Mutex
	stmts map[stmtKey]string
}

type stmtKey struct {
	t    schema.EntityType
	prov schema.Provenance
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the timestamp source for created_at and updated_at.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// NewWriter returns a writer that resolves relations through index and
// records every written id in it.
func (db *DB) NewWriter(index *ParentIndex, opts ...WriterOption) *Writer {
	if index == nil {
		index = NewParentIndex()
	}
	w := &Writer{db: db, index: index, now: time.Now, stmts: make(map[stmtKey]string)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Index returns the writer's parent index.
func (w *Writer) Index() *ParentIndex {
	return w.index
}

// Upsert writes a single entity.
func (w *Writer) Upsert(ctx context.Context, e schema.Entity) (int64, UpsertResult, error) {
	results, err := w.UpsertBatch(ctx, []schema.Entity{e})
	if err != nil {
		return 0, UpsertResult{}, err
	}
	return results[0].ID, results[0], nil
}

// UpsertBatch writes entities of one type in a single transaction. Results
// are returned in input order.
//
// Rows from the source are updated only when their content hash changes, so
// updated_at moves only for real changes. Synthetic rows are insert-only.
func (w *Writer) UpsertBatch(ctx context.Context, entities []schema.Entity) ([]UpsertResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	def, err := checkBatch(w.db.catalog, entities)
	if err != nil {
		return nil, err
	}

	resolved, err := resolveRelations(ctx, w.db, w.index, def, entities)
	if err != nil {
		return nil, err
	}

	extIDs := make([]string, len(entities))
	for i, e := range entities {
		extIDs[i] = e.ExternalID
	}
	existing, err := w.db.lookupIDs(ctx, def, extIDs)
	if err != nil {
		return nil, err
	}

	stamp := formatTime(w.now())
	results := make([]UpsertResult, len(entities))
	err = w.db.withTx(ctx, func(tx *sql.Tx) error {
		for i, e := range entities {
			rels := resolved[i]
			args := make([]any, 0, 5+len(def.Columns)+len(def.Relations))
			args = append(args, e.ExternalID, string(e.Provenance), contentHash(def, e, rels.ids))
			for _, c := range def.Columns {
				args = append(args, e.Fields[c.Name])
			}
			for _, r := range def.Relations {
				args = append(args, rels.ids[r.Column])
			}
			args = append(args, stamp, stamp)

			q := w.db.dialect.rebind(w.statement(def, e.Provenance))
			var id int64
			err := tx.QueryRowContext(ctx, q, args...).Scan(&id)
			prev, existed := existing[e.ExternalID]
			res := UpsertResult{ExternalID: e.ExternalID, Unresolved: rels.unresolved}

			switch {
			case err == nil && existed:
				res.ID, res.Outcome = id, OutcomeUpdated
			case err == nil:
				res.ID, res.Outcome = id, OutcomeInserted
			case errors.Is(err, sql.ErrNoRows):
				if !existed {
					// Inserted by someone else after our lookup.
					if err := tx.QueryRowContext(ctx,
						w.db.dialect.rebind(fmt.Sprintf("SELECT id FROM %s WHERE external_id = ?", def.Table)),
						e.ExternalID).Scan(&prev); err != nil {
						return fmt.Errorf("failed to read id of %s %s: %w", def.Type, e.ExternalID, err)
					}
				}
				res.ID = prev
				res.Outcome = OutcomeUnchanged
				if e.Provenance == schema.ProvenanceSynthetic {
					res.Outcome = OutcomeSkipped
				}
			default:
				return fmt.Errorf("failed to upsert %s %s: %w", def.Type, e.ExternalID, err)
			}
			results[i] = res
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		w.index.Put(def.Type, r.ExternalID, r.ID)
	}
	return results, nil
}

func (w *Writer) statement(def *schema.Definition, prov schema.Provenance) string {
	key := stmtKey{def.Type, prov}
	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.stmts[key]; ok {
		return q
	}
	q := upsertSQL(def, prov)
	w.stmts[key] = q
	return q
}

func upsertSQL(def *schema.Definition, prov schema.Provenance) string {
	mutable := append(def.ColumnNames(), "content_hash", "updated_at")
	cols := append([]string{"external_id", "provenance", "content_hash"}, def.ColumnNames()...)
	cols = append(cols, "created_at", "updated_at")

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", def.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	if prov == schema.ProvenanceSynthetic {
		return insert + " ON CONFLICT (external_id) DO NOTHING RETURNING id"
	}

	sets := make([]string, len(mutable))
	for i, c := range mutable {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("%s ON CONFLICT (external_id) DO UPDATE SET %s WHERE %s.content_hash <> excluded.content_hash RETURNING id",
		insert, strings.Join(sets, ", "), def.Table)
}

func checkBatch(catalog *schema.Catalog, entities []schema.Entity) (*schema.Definition, error) {
	t := entities[0].Type
	def, err := catalog.Lookup(t)
	if err != nil {
		return nil, err
	}
	for i := range entities {
		e := &entities[i]
		if e.Type != t {
			return nil, fmt.Errorf("batch mixes entity types %s and %s", t, e.Type)
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s entity: %w", t, err)
		}
	}
	return def, nil
}

type resolvedRelations struct {
	ids        map[string]sql.NullInt64
	unresolved []schema.RelationReference
}

// resolveRelations maps each entity's relation references to internal ids.
// Index misses are looked up with one query per target type; store may be
// nil, in which case only the index is consulted.
func resolveRelations(ctx context.Context, store *DB, index *ParentIndex, def *schema.Definition, entities []schema.Entity) ([]resolvedRelations, error) {
	if len(def.Relations) == 0 {
		out := make([]resolvedRelations, len(entities))
		return out, nil
	}

	if store != nil {
		misses := make(map[schema.EntityType]map[string]bool)
		for _, e := range entities {
			for _, ref := range e.Relations {
				if _, ok := index.Get(ref.TargetType, ref.TargetExternalID); ok {
					continue
				}
				if misses[ref.TargetType] == nil {
					misses[ref.TargetType] = make(map[string]bool)
				}
				misses[ref.TargetType][ref.TargetExternalID] = true
			}
		}
		for target, set := range misses {
			targetDef, err := store.catalog.Lookup(target)
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			found, err := store.lookupIDs(ctx, targetDef, ids)
			if err != nil {
				return nil, err
			}
			for ext, id := range found {
				index.Put(target, ext, id)
			}
		}
	}

	out := make([]resolvedRelations, len(entities))
	for i, e := range entities {
		r := resolvedRelations{ids: make(map[string]sql.NullInt64, len(def.Relations))}
		for _, ref := range e.Relations {
			if id, ok := index.Get(ref.TargetType, ref.TargetExternalID); ok {
				r.ids[ref.Column] = sql.NullInt64{Int64: id, Valid: true}
			} else {
				r.unresolved = append(r.unresolved, ref)
			}
		}
		out[i] = r
	}
	return out, nil
}

// lookupIDs returns the internal ids of the given external ids that exist.
func (db *DB) lookupIDs(ctx context.Context, def *schema.Definition, externalIDs []string) (map[string]int64, error) {
	found := make(map[string]int64, len(externalIDs))
	for start := 0; start < len(externalIDs); start += lookupChunk {
		chunk := externalIDs[start:min(start+lookupChunk, len(externalIDs))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := db.query(ctx,
			fmt.Sprintf("SELECT external_id, id FROM %s WHERE external_id IN (%s)", def.Table, placeholders(len(chunk))),
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s ids: %w", def.Type, err)
		}
		for rows.Next() {
			var ext string
			var id int64
			if err := rows.Scan(&ext, &id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s id: %w", def.Type, err)
			}
			found[ext] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %s ids: %w", def.Type, err)
		}
	}
	return found, nil
}

// contentHash fingerprints the stored content of a row: scalar columns and
// resolved relation ids, in catalog order.
func contentHash(def *schema.Definition, e schema.Entity, rels map[string]sql.NullInt64) string {
	h := sha256.New()
	for _, c := range def.Columns {
		fmt.Fprintf(h, "%s=", c.Name)
		if v := e.Fields[c.Name]; v != nil {
			fmt.Fprintf(h, "%T:%v", v, v)
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	for _, r := range def.Relations {
		fmt.Fprintf(h, "%s=", r.Column)
		if id := rels[r.Column]; id.Valid {
			fmt.Fprintf(h, "%d", id.Int64)
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
