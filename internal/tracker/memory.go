package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// Memory is an in-process Tracker with the same transition rules as Store.
// Dry runs use it so nothing is written.
type Memory struct {
	runID string
	now   func() time.Time

	mu     sync.Mutex
	order  []schema.EntityType
	states map[schema.EntityType]*State
}

// NewMemory returns an empty in-memory tracker for runID.
func NewMemory(runID string) *Memory {
	return &Memory{runID: runID, now: time.Now, states: make(map[schema.EntityType]*State)}
}

// RunID implements Tracker.
func (m *Memory) RunID() string { return m.runID }

// Plan implements Tracker.
func (m *Memory) Plan(_ context.Context, types []schema.EntityType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types {
		if _, ok := m.states[t]; ok {
			continue
		}
		m.states[t] = &State{RunID: m.runID, EntityType: t, Status: StatusPending, CreatedAt: m.now()}
		m.order = append(m.order, t)
	}
	return nil
}

func (m *Memory) update(t schema.EntityType, from Status, fn func(s *State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[t]
	if !ok || s.Status != from {
		return fmt.Errorf("%w: %s/%s", ErrInvalidTransition, m.runID, t)
	}
	fn(s)
	return nil
}

// BeginPhase implements Tracker.
func (m *Memory) BeginPhase(_ context.Context, t schema.EntityType, totalExpected int64) error {
	return m.update(t, StatusPending, func(s *State) {
		now := m.now()
		s.Status = StatusRunning
		s.TotalExpected = max(totalExpected, 0)
		s.StartedAt = &now
	})
}

// SetExpected implements Tracker.
func (m *Memory) SetExpected(_ context.Context, t schema.EntityType, totalExpected int64) error {
	if totalExpected < 0 {
		return ErrNegativeDelta
	}
	return m.update(t, StatusRunning, func(s *State) { s.TotalExpected = totalExpected })
}

// RecordProgress implements Tracker.
func (m *Memory) RecordProgress(_ context.Context, t schema.EntityType, p Progress) error {
	if p.Synced < 0 || p.Errors < 0 || p.Unresolved < 0 {
		return ErrNegativeDelta
	}
	return m.update(t, StatusRunning, func(s *State) {
		s.SyncedCount += p.Synced
		s.ErrorCount += p.Errors
		s.UnresolvedCount += p.Unresolved
	})
}

// CompletePhase implements Tracker.
func (m *Memory) CompletePhase(_ context.Context, t schema.EntityType, status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("%w: cannot finish with status %q", ErrInvalidTransition, status)
	}
	return m.update(t, StatusRunning, func(s *State) {
		now := m.now()
		s.Status = status
		s.CompletedAt = &now
	})
}

// SkipPhase implements Tracker.
func (m *Memory) SkipPhase(_ context.Context, t schema.EntityType) error {
	return m.update(t, StatusPending, func(s *State) {
		now := m.now()
		s.Status = StatusSkipped
		s.CompletedAt = &now
	})
}

// History implements Tracker.
func (m *Memory) History(_ context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.order))
	for _, t := range m.order {
		out = append(out, *m.states[t])
	}
	return out, nil
}
