// Package report renders run reports and job state for the CLI as styled
// text, JSON, YAML or TOML.
package report

import (
	"sort"
	"time"

	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

// Document is the machine-readable form of a run report.
type Document struct {
	RunID         string          `json:"run_id" yaml:"run_id" toml:"run_id"`
	Status        string          `json:"status" yaml:"status" toml:"status"`
	ExitCode      int             `json:"exit_code" yaml:"exit_code" toml:"exit_code"`
	DryRun        bool            `json:"dry_run" yaml:"dry_run" toml:"dry_run"`
	StartedAt     time.Time       `json:"started_at" yaml:"started_at" toml:"started_at"`
	FinishedAt    time.Time       `json:"finished_at" yaml:"finished_at" toml:"finished_at"`
	DurationMS    int64           `json:"duration_ms" yaml:"duration_ms" toml:"duration_ms"`
	Cause         string          `json:"cause,omitempty" yaml:"cause,omitempty" toml:"cause,omitempty"`
	PeakInFlight  int             `json:"peak_in_flight" yaml:"peak_in_flight" toml:"peak_in_flight"`
	APICalls      int64           `json:"api_calls" yaml:"api_calls" toml:"api_calls"`
	Phases        []PhaseDocument `json:"phases" yaml:"phases" toml:"phases"`
	FallbackRunID string          `json:"fallback_run_id,omitempty" yaml:"fallback_run_id,omitempty" toml:"fallback_run_id,omitempty"`
	Fallback      []PhaseDocument `json:"fallback,omitempty" yaml:"fallback,omitempty" toml:"fallback,omitempty"`
	Purged        []PurgeDocument `json:"purged,omitempty" yaml:"purged,omitempty" toml:"purged,omitempty"`
}

// PhaseDocument is one entity type's outcome.
type PhaseDocument struct {
	EntityType              string `json:"entity_type" yaml:"entity_type" toml:"entity_type"`
	Source                  string `json:"source" yaml:"source" toml:"source"`
	Status                  string `json:"status" yaml:"status" toml:"status"`
	TotalExpected           int64  `json:"total_expected" yaml:"total_expected" toml:"total_expected"`
	SyncedCount             int64  `json:"synced_count" yaml:"synced_count" toml:"synced_count"`
	Inserted                int64  `json:"inserted" yaml:"inserted" toml:"inserted"`
	Updated                 int64  `json:"updated" yaml:"updated" toml:"updated"`
	Unchanged               int64  `json:"unchanged" yaml:"unchanged" toml:"unchanged"`
	Skipped                 int64  `json:"skipped" yaml:"skipped" toml:"skipped"`
	ErrorCount              int64  `json:"error_count" yaml:"error_count" toml:"error_count"`
	UnresolvedRelationCount int64  `json:"unresolved_relation_count" yaml:"unresolved_relation_count" toml:"unresolved_relation_count"`
	Pages                   int    `json:"pages" yaml:"pages" toml:"pages"`
	PageErrors              int    `json:"page_errors" yaml:"page_errors" toml:"page_errors"`
	DurationMS              int64  `json:"duration_ms" yaml:"duration_ms" toml:"duration_ms"`
	Reason                  string `json:"reason,omitempty" yaml:"reason,omitempty" toml:"reason,omitempty"`
}

// PurgeDocument counts synthetic rows removed for one entity type.
type PurgeDocument struct {
	EntityType string `json:"entity_type" yaml:"entity_type" toml:"entity_type"`
	Rows       int64  `json:"rows" yaml:"rows" toml:"rows"`
}

// StatusDocument is the job state of one run, or the latest state per
// entity type when RunID is empty.
type StatusDocument struct {
	RunID    string          `json:"run_id,omitempty" yaml:"run_id,omitempty" toml:"run_id,omitempty"`
	Entities []StateDocument `json:"entities" yaml:"entities" toml:"entities"`
}

// StateDocument is one sync_job_state row.
type StateDocument struct {
	RunID                   string     `json:"run_id" yaml:"run_id" toml:"run_id"`
	EntityType              string     `json:"entity_type" yaml:"entity_type" toml:"entity_type"`
	Status                  string     `json:"status" yaml:"status" toml:"status"`
	TotalExpected           int64      `json:"total_expected" yaml:"total_expected" toml:"total_expected"`
	SyncedCount             int64      `json:"synced_count" yaml:"synced_count" toml:"synced_count"`
	ErrorCount              int64      `json:"error_count" yaml:"error_count" toml:"error_count"`
	UnresolvedRelationCount int64      `json:"unresolved_relation_count" yaml:"unresolved_relation_count" toml:"unresolved_relation_count"`
	StartedAt               *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty" toml:"started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty" toml:"completed_at,omitempty"`
}

// FromRun converts a run report.
func FromRun(r *sync.Report) Document {
	d := Document{
		RunID:         r.RunID,
		Status:        string(r.Status),
		ExitCode:      r.ExitCode(),
		DryRun:        r.DryRun,
		StartedAt:     r.StartedAt.UTC(),
		FinishedAt:    r.FinishedAt.UTC(),
		DurationMS:    r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
		Cause:         r.Cause,
		PeakInFlight:  r.Limiter.Peak,
		APICalls:      r.Limiter.Calls,
		Phases:        phases(r.Phases),
		FallbackRunID: r.FallbackRunID,
	}
	if len(r.Fallback) > 0 {
		d.Fallback = phases(r.Fallback)
	}
	for t, n := range r.Purged {
		if n > 0 {
			d.Purged = append(d.Purged, PurgeDocument{EntityType: string(t), Rows: n})
		}
	}
	sort.Slice(d.Purged, func(i, j int) bool { return d.Purged[i].EntityType < d.Purged[j].EntityType })
	return d
}

func phases(in []sync.PhaseResult) []PhaseDocument {
	out := make([]PhaseDocument, 0, len(in))
	for _, p := range in {
		out = append(out, PhaseDocument{
			EntityType:              string(p.EntityType),
			Source:                  p.Source,
			Status:                  string(p.Status),
			TotalExpected:           p.TotalExpected,
			SyncedCount:             p.Synced,
			Inserted:                p.Inserted,
			Updated:                 p.Updated,
			Unchanged:               p.Unchanged,
			Skipped:                 p.Skipped,
			ErrorCount:              p.Errors,
			UnresolvedRelationCount: p.Unresolved,
			Pages:                   p.Pages,
			PageErrors:              p.PageErrors,
			DurationMS:              p.Duration.Milliseconds(),
			Reason:                  p.Reason,
		})
	}
	return out
}

// FromStates converts tracker rows. runID is empty for the latest-per-type view.
func FromStates(runID string, states []tracker.State) StatusDocument {
	d := StatusDocument{RunID: runID, Entities: make([]StateDocument, 0, len(states))}
	for _, s := range states {
		d.Entities = append(d.Entities, StateDocument{
			RunID:                   s.RunID,
			EntityType:              string(s.EntityType),
			Status:                  string(s.Status),
			TotalExpected:           s.TotalExpected,
			SyncedCount:             s.SyncedCount,
			ErrorCount:              s.ErrorCount,
			UnresolvedRelationCount: s.UnresolvedCount,
			StartedAt:               utc(s.StartedAt),
			CompletedAt:             utc(s.CompletedAt),
		})
	}
	return d
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
