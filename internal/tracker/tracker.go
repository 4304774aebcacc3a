// Package tracker records durable per-run, per-entity-type sync progress.
//
// Each run plans one row per selected entity type. Rows move forward only:
//
//	pending -> running -> completed | failed
//	pending -> skipped
//
// Counters only grow; every write is an increment.
package tracker

import (
	"context"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
)

// Status aliases the stored job status.
type Status = db.JobStatus

// State aliases one stored job state row.
type State = db.JobState

const (
	StatusPending   = db.JobPending
	StatusRunning   = db.JobRunning
	StatusCompleted = db.JobCompleted
	StatusFailed    = db.JobFailed
	StatusSkipped   = db.JobSkipped
)

var (
	ErrInvalidTransition = db.ErrInvalidTransition
	ErrNegativeDelta     = db.ErrNegativeDelta
)

// Progress is a set of counter increments.
type Progress struct {
	Synced     int64
	Errors     int64
	Unresolved int64
}

// Tracker tracks the phases of one run.
type Tracker interface {
	RunID() string
	Plan(ctx context.Context, types []schema.EntityType) error
	BeginPhase(ctx context.Context, t schema.EntityType, totalExpected int64) error
	SetExpected(ctx context.Context, t schema.EntityType, totalExpected int64) error
	RecordProgress(ctx context.Context, t schema.EntityType, p Progress) error
	CompletePhase(ctx context.Context, t schema.EntityType, status Status) error
	SkipPhase(ctx context.Context, t schema.EntityType) error
	History(ctx context.Context) ([]State, error)
}

// Store persists run state in sync_job_state.
type Store struct {
	db    *db.DB
	runID string
	now   func() time.Time
}

// NewStore returns a tracker for runID backed by store.
func NewStore(store *db.DB, runID string) *Store {
	return &Store{db: store, runID: runID, now: time.Now}
}

// RunID implements Tracker.
func (s *Store) RunID() string { return s.runID }

// Plan implements Tracker.
func (s *Store) Plan(ctx context.Context, types []schema.EntityType) error {
	return s.db.PlanJobStates(ctx, s.runID, types, s.now())
}

// BeginPhase implements Tracker.
func (s *Store) BeginPhase(ctx context.Context, t schema.EntityType, totalExpected int64) error {
	return s.db.StartJobState(ctx, s.runID, t, totalExpected, s.now())
}

// SetExpected implements Tracker.
func (s *Store) SetExpected(ctx context.Context, t schema.EntityType, totalExpected int64) error {
	return s.db.SetJobExpected(ctx, s.runID, t, totalExpected)
}

// RecordProgress implements Tracker.
func (s *Store) RecordProgress(ctx context.Context, t schema.EntityType, p Progress) error {
	return s.db.AddJobProgress(ctx, s.runID, t, p.Synced, p.Errors, p.Unresolved)
}

// CompletePhase implements Tracker.
func (s *Store) CompletePhase(ctx context.Context, t schema.EntityType, status Status) error {
	return s.db.FinishJobState(ctx, s.runID, t, status, s.now())
}

// SkipPhase implements Tracker.
func (s *Store) SkipPhase(ctx context.Context, t schema.EntityType) error {
	return s.db.SkipJobState(ctx, s.runID, t, s.now())
}

// History implements Tracker.
func (s *Store) History(ctx context.Context) ([]State, error) {
	return s.db.JobStates(ctx, s.runID)
}

// Latest returns the most recent state per entity type across all runs.
func Latest(ctx context.Context, store *db.DB) ([]State, error) {
	return store.LatestJobStates(ctx)
}
