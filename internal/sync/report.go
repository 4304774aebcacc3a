package sync

import (
	"time"

	"github.com/fieldsync/fieldsync/internal/limiter"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	// RunSuccess means every phase completed.
	RunSuccess RunStatus = "success"
	// RunPartial means the root completed but some dependent phases failed
	// or were skipped.
	RunPartial RunStatus = "partial"
	// RunDegraded means the source refused authentication and synthetic
	// data was written instead.
	RunDegraded RunStatus = "degraded"
	// RunFailed means the run could not sync its root and did not fall back.
	RunFailed RunStatus = "failed"
)

// Exit codes of the run command.
const (
	ExitSuccess  = 0
	ExitPartial  = 1
	ExitDegraded = 2
	ExitFailed   = 3
	ExitUsage    = 4
)

// ExitCode maps a run status to a process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunSuccess:
		return ExitSuccess
	case RunPartial:
		return ExitPartial
	case RunDegraded:
		return ExitDegraded
	default:
		return ExitFailed
	}
}

// PhaseResult is the immutable outcome of one phase.
type PhaseResult struct {
	EntityType    schema.EntityType
	Source        string
	Status        tracker.Status
	TotalExpected int64
	Pages         int
	PageErrors    int
	Synced        int64
	Inserted      int64
	Updated       int64
	Unchanged     int64
	Skipped       int64
	Errors        int64
	Unresolved    int64
	Duration      time.Duration
	// Reason explains a failed or skipped phase.
	Reason string
	// Err is the error that failed the phase, if any.
	Err error
}

// ErrorRate is rejected records over attempted records.
func (p PhaseResult) ErrorRate() float64 {
	attempted := p.Synced + p.Errors
	if attempted == 0 {
		return 0
	}
	return float64(p.Errors) / float64(attempted)
}

// Report aggregates the phase results of one run.
type Report struct {
	RunID      string
	Status     RunStatus
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Phases     []PhaseResult
	// FallbackRunID and Fallback are set when synthetic data was generated.
	FallbackRunID string
	Fallback      []PhaseResult
	// Purged counts synthetic rows removed after a successful run.
	Purged  map[schema.EntityType]int64
	Limiter limiter.Stats
	// Cause is the error that failed or degraded the run.
	Cause string
}

// Phase returns the result for t from the primary phases.
func (r *Report) Phase(t schema.EntityType) (PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.EntityType == t {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// ExitCode returns the exit code of the run.
func (r *Report) ExitCode() int {
	return r.Status.ExitCode()
}

// Totals sums the primary phases.
func (r *Report) Totals() PhaseResult {
	var t PhaseResult
	for _, p := range r.Phases {
		t.TotalExpected += p.TotalExpected
		t.Pages += p.Pages
		t.PageErrors += p.PageErrors
		t.Synced += p.Synced
		t.Inserted += p.Inserted
		t.Updated += p.Updated
		t.Unchanged += p.Unchanged
		t.Skipped += p.Skipped
		t.Errors += p.Errors
		t.Unresolved += p.Unresolved
	}
	return t
}
