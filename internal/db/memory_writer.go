package db

import (
	"context"
	"sync"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// MemoryWriter has the Writer's semantics but keeps rows in memory. It backs
// dry runs: relations still resolve against the store when one is given,
// yet nothing is written.
type MemoryWriter struct {
	store   *DB
	catalog *schema.Catalog
	index   *ParentIndex

	mu     sync.Mutex
	nextID int64
	rows   map[schema.EntityType]map[string]memoryRow
}

type memoryRow struct {
	id   int64
	hash string
}

// NewMemoryWriter returns a writer over index. store may be nil.
func NewMemoryWriter(catalog *schema.Catalog, index *ParentIndex, store *DB) *MemoryWriter {
	if index == nil {
		index = NewParentIndex()
	}
	return &MemoryWriter{
		store:   store,
		catalog: catalog,
		index:   index,
		rows:    make(map[schema.EntityType]map[string]memoryRow),
	}
}

// Index returns the writer's parent index.
func (w *MemoryWriter) Index() *ParentIndex {
	return w.index
}

// UpsertBatch records entities in memory. Ids are negative so they are never
// mistaken for stored row ids.
func (w *MemoryWriter) UpsertBatch(ctx context.Context, entities []schema.Entity) ([]UpsertResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	def, err := checkBatch(w.catalog, entities)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveRelations(ctx, w.store, w.index, def, entities)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	rows := w.rows[def.Type]
	if rows == nil {
		rows = make(map[string]memoryRow)
		w.rows[def.Type] = rows
	}

	results := make([]UpsertResult, len(entities))
	for i, e := range entities {
		hash := contentHash(def, e, resolved[i].ids)
		res := UpsertResult{ExternalID: e.ExternalID, Unresolved: resolved[i].unresolved}
		prev, ok := rows[e.ExternalID]
		switch {
		case !ok:
			w.nextID--
			prev = memoryRow{id: w.nextID, hash: hash}
			res.Outcome = OutcomeInserted
		case e.Provenance == schema.ProvenanceSynthetic:
			res.Outcome = OutcomeSkipped
		case prev.hash == hash:
			res.Outcome = OutcomeUnchanged
		default:
			prev.hash = hash
			res.Outcome = OutcomeUpdated
		}
		rows[e.ExternalID] = prev
		res.ID = prev.id
		results[i] = res
		w.index.Put(def.Type, e.ExternalID, prev.id)
	}
	return results, nil
}

// Len returns how many rows of t have been recorded.
func (w *MemoryWriter) Len(t schema.EntityType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows[t])
}
