package db

import (
	"sync"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// ParentIndex maps external ids to internal row ids for one run. Every
// successful upsert records its id so dependent phases resolve relations
// without touching the database.
type ParentIndex struct {
	mu  sync.RWMutex
	ids map[schema.EntityType]map[string]int64
}

// NewParentIndex returns an empty index.
func NewParentIndex() *ParentIndex {
	return &ParentIndex{ids: make(map[schema.EntityType]map[string]int64)}
}

// Get returns the internal id of (t, externalID).
func (p *ParentIndex) Get(t schema.EntityType, externalID string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.ids[t][externalID]
	return id, ok
}

// Put records the internal id of (t, externalID).
func (p *ParentIndex) Put(t schema.EntityType, externalID string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.ids[t]
	if !ok {
		m = make(map[string]int64)
		p.ids[t] = m
	}
	m[externalID] = id
}

// Len returns how many ids are indexed for t.
func (p *ParentIndex) Len(t schema.EntityType) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ids[t])
}
