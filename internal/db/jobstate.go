package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// JobStatus is the lifecycle state of one (run, entity type) row.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobSkipped
}

var (
	// ErrInvalidTransition is returned when a job state row is not in the
	// status the operation requires (or does not exist).
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrNegativeDelta is returned for progress deltas below zero.
	ErrNegativeDelta = errors.New("progress delta must not be negative")
)

// JobState is one row of sync_job_state.
type JobState struct {
	RunID           string
	EntityType      schema.EntityType
	Status          JobStatus
	TotalExpected   int64
	SyncedCount     int64
	ErrorCount      int64
	UnresolvedCount int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

const jobStateColumns = `run_id, entity_type, status, total_expected, synced_count, error_count,
	unresolved_relation_count, created_at, started_at, completed_at`

// PlanJobStates inserts a pending row per entity type. Existing rows are kept.
func (db *DB) PlanJobStates(ctx context.Context, runID string, types []schema.EntityType, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		q := db.dialect.rebind(`INSERT INTO sync_job_state (run_id, entity_type, status, created_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (run_id, entity_type) DO NOTHING`)
		for _, t := range types {
			if _, err := tx.ExecContext(ctx, q, runID, string(t), string(JobPending), formatTime(now)); err != nil {
				return fmt.Errorf("failed to plan %s for run %s: %w", t, runID, err)
			}
		}
		return nil
	})
}

// StartJobState moves a pending row to running.
func (db *DB) StartJobState(ctx context.Context, runID string, t schema.EntityType, totalExpected int64, now time.Time) error {
	return db.transition(ctx, runID, t,
		`UPDATE sync_job_state SET status = ?, total_expected = ?, started_at = ?
		 WHERE run_id = ? AND entity_type = ? AND status = ?`,
		string(JobRunning), max(totalExpected, 0), formatTime(now), runID, string(t), string(JobPending))
}

// FinishJobState moves a running row to completed or failed.
func (db *DB) FinishJobState(ctx context.Context, runID string, t schema.EntityType, status JobStatus, now time.Time) error {
	if status != JobCompleted && status != JobFailed {
		return fmt.Errorf("%w: cannot finish with status %q", ErrInvalidTransition, status)
	}
	return db.transition(ctx, runID, t,
		`UPDATE sync_job_state SET status = ?, completed_at = ?
		 WHERE run_id = ? AND entity_type = ? AND status = ?`,
		string(status), formatTime(now), runID, string(t), string(JobRunning))
}

// SkipJobState moves a pending row to skipped.
func (db *DB) SkipJobState(ctx context.Context, runID string, t schema.EntityType, now time.Time) error {
	return db.transition(ctx, runID, t,
		`UPDATE sync_job_state SET status = ?, completed_at = ?
		 WHERE run_id = ? AND entity_type = ? AND status = ?`,
		string(JobSkipped), formatTime(now), runID, string(t), string(JobPending))
}

// SetJobExpected records the expected total once the first page reports it.
func (db *DB) SetJobExpected(ctx context.Context, runID string, t schema.EntityType, totalExpected int64) error {
	if totalExpected < 0 {
		return ErrNegativeDelta
	}
	return db.transition(ctx, runID, t,
		`UPDATE sync_job_state SET total_expected = ?
		 WHERE run_id = ? AND entity_type = ? AND status = ?`,
		totalExpected, runID, string(t), string(JobRunning))
}

// AddJobProgress increments the counters of a running row in SQL.
func (db *DB) AddJobProgress(ctx context.Context, runID string, t schema.EntityType, synced, errs, unresolved int64) error {
	if synced < 0 || errs < 0 || unresolved < 0 {
		return ErrNegativeDelta
	}
	return db.transition(ctx, runID, t,
		`UPDATE sync_job_state SET
			synced_count = synced_count + ?,
			error_count = error_count + ?,
			unresolved_relation_count = unresolved_relation_count + ?
		 WHERE run_id = ? AND entity_type = ? AND status = ?`,
		synced, errs, unresolved, runID, string(t), string(JobRunning))
}

func (db *DB) transition(ctx context.Context, runID string, t schema.EntityType, q string, args ...any) error {
	res, err := db.exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update job state %s/%s: %w", runID, t, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job state %s/%s: %w", runID, t, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrInvalidTransition, runID, t)
	}
	return nil
}

// JobStates returns the rows of one run in plan order.
func (db *DB) JobStates(ctx context.Context, runID string) ([]JobState, error) {
	rows, err := db.query(ctx,
		`SELECT `+jobStateColumns+` FROM sync_job_state WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job states: %w", err)
	}
	return scanJobStates(rows)
}

// LatestJobStates returns the most recent row per entity type.
func (db *DB) LatestJobStates(ctx context.Context) ([]JobState, error) {
	rows, err := db.query(ctx, `SELECT `+prefixColumns("s", jobStateColumns)+`
		FROM sync_job_state s
		WHERE s.id = (SELECT MAX(id) FROM sync_job_state WHERE entity_type = s.entity_type)
		ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest job states: %w", err)
	}
	return scanJobStates(rows)
}

// LatestRunID returns the run id of the most recently planned row, or "".
func (db *DB) LatestRunID(ctx context.Context) (string, error) {
	var runID string
	err := db.queryRow(ctx, `SELECT run_id FROM sync_job_state ORDER BY id DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest run: %w", err)
	}
	return runID, nil
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanJobStates(rows *sql.Rows) ([]JobState, error) {
	defer rows.Close()

	var out []JobState
	for rows.Next() {
		var (
			s                  JobState
			typ, status        string
			created            string
			started, completed sql.NullString
		)
		if err := rows.Scan(&s.RunID, &typ, &status, &s.TotalExpected, &s.SyncedCount, &s.ErrorCount,
			&s.UnresolvedCount, &created, &started, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan job state: %w", err)
		}
		s.EntityType = schema.EntityType(typ)
		s.Status = JobStatus(status)
		s.CreatedAt, _ = parseTime(created)
		s.StartedAt = nullTime(started)
		s.CompletedAt = nullTime(completed)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job states: %w", err)
	}
	return out, nil
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}
