package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/limiter"
	"github.com/fieldsync/fieldsync/internal/mapper"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

const (
	defaultErrorThreshold = 0.5
	defaultLockStaleAfter = 2 * time.Hour
	lockName              = "sync"
	fallbackRunSuffix     = ":synthetic"
)

// ErrStoreRequired is returned when a run needs the store and none is configured.
var ErrStoreRequired = errors.New("store is required for non dry-run syncs")

// entityWriter is satisfied by db.Writer and db.MemoryWriter.
type entityWriter interface {
	UpsertBatch(ctx context.Context, entities []schema.Entity) ([]db.UpsertResult, error)
}

// syncer implements the Syncer interface.
type syncer struct {
	cfg    Config
	mapper *mapper.Mapper
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new Syncer.
//
// The store must be opened and have its schema created before runs that
// write. If cfg.Logger is nil, slog.Default() is used.
//
// Example:
//
//	store, err := db.Open(ctx, db.Config{DSN: "fieldsync.db"}, nil)
//	if err != nil {
//	    return err
//	}
//	if err := store.InitSchema(ctx); err != nil {
//	    return err
//	}
//	s, err := sync.New(sync.Config{Source: remote, Fallback: synthetic, Store: store})
func New(cfg Config) (Syncer, error) {
	if cfg.Source == nil {
		return nil, errors.New("a source is required")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = schema.DefaultCatalog()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = limiter.DefaultConcurrency
	}
	if cfg.ErrorThreshold <= 0 || cfg.ErrorThreshold > 1 {
		cfg.ErrorThreshold = defaultErrorThreshold
	}
	if cfg.LockStaleAfter <= 0 {
		cfg.LockStaleAfter = defaultLockStaleAfter
	}
	if cfg.LockRefreshInterval <= 0 {
		cfg.LockRefreshInterval = cfg.LockStaleAfter / 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &syncer{
		cfg:    cfg,
		mapper: mapper.New(cfg.Catalog),
		logger: logger.With("component", "sync"),
		now:    now,
	}, nil
}

// PurgeSynthetic implements Syncer.PurgeSynthetic.
func (s *syncer) PurgeSynthetic(ctx context.Context) (map[schema.EntityType]int64, error) {
	if s.cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	removed, err := s.cfg.Store.PurgeSynthetic(ctx)
	if err != nil {
		return nil, err
	}
	for t, n := range removed {
		if n > 0 {
			s.logger.Info("purged synthetic rows", "entity_type", t, "rows", n)
		}
	}
	return removed, nil
}

// Run implements Syncer.Run.
func (s *syncer) Run(ctx context.Context, opts RunOptions) (report *Report, err error) {
	types, err := s.cfg.Catalog.Select(opts.EntityTypes)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return nil, errors.New("no entity types selected")
	}
	if !opts.DryRun && s.cfg.Store == nil {
		return nil, ErrStoreRequired
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := s.logger.With("run_id", runID)

	if !opts.DryRun {
		if err := s.cfg.Store.AcquireLock(ctx, lockName, runID, s.cfg.LockStaleAfter, s.now()); err != nil {
			return nil, err
		}
		defer func() {
			if rerr := s.cfg.Store.ReleaseLock(context.WithoutCancel(ctx), lockName, runID); rerr != nil {
				logger.Warn("failed to release run lock", "error", rerr)
			}
		}()
		defer s.keepLock(ctx, runID, logger)()
	}

	report = &Report{RunID: runID, DryRun: opts.DryRun, StartedAt: s.now()}
	index := db.NewParentIndex()
	writer := s.newWriter(index, opts.DryRun)

	logger.Info("starting sync run", "entity_types", types, "source", s.cfg.Source.Name(), "dry_run", opts.DryRun)

	lim := limiter.New(ctx, s.cfg.Concurrency)
	primary := &phaseRunner{
		s:       s,
		src:     s.cfg.Source,
		tracker: s.newTracker(runID, opts.DryRun),
		writer:  writer,
		lim:     lim,
		logger:  logger,
	}
	phases, err := primary.runAll(ctx, types)
	if err != nil {
		return nil, err
	}
	rootErr := primary.rootErr
	report.Phases = phases
	report.Limiter = lim.Stats()

	root := s.cfg.Catalog.Root()
	rootSelected := types[0] == root
	switch {
	case rootErr == nil && allCompleted(phases):
		report.Status = RunSuccess
	case rootErr == nil && !source.IsFatal(lim.Cause()):
		report.Status = RunPartial
	default:
		report.Status = RunFailed
		if rootErr != nil {
			report.Cause = rootErr.Error()
		} else if cause := lim.Cause(); cause != nil {
			report.Cause = cause.Error()
		}
	}

	if rootErr != nil && rootSelected && source.IsFatal(rootErr) && s.cfg.Fallback != nil {
		logger.Warn("source refused authentication, generating synthetic data", "error", rootErr)
		fallbackID := runID + fallbackRunSuffix
		fb := &phaseRunner{
			s:       s,
			src:     s.cfg.Fallback,
			tracker: s.newTracker(fallbackID, opts.DryRun),
			writer:  writer,
			lim:     limiter.New(ctx, s.cfg.Concurrency),
			logger:  logger.With("fallback_run_id", fallbackID),
		}
		fbPhases, err := fb.runAll(ctx, types)
		if err != nil {
			return nil, err
		}
		report.FallbackRunID = fallbackID
		report.Fallback = fbPhases
		if fb.rootErr == nil {
			report.Status = RunDegraded
		} else {
			logger.Error("fallback generation failed", "error", fb.rootErr)
		}
	}

	if report.Status == RunSuccess && !opts.DryRun && s.cfg.PurgeSyntheticOnSuccess {
		removed, err := s.PurgeSynthetic(ctx)
		if err != nil {
			logger.Warn("failed to purge synthetic rows", "error", err)
		} else {
			report.Purged = removed
		}
	}

	report.FinishedAt = s.now()
	t := report.Totals()
	logger.Info("sync run finished",
		"status", report.Status,
		"synced", t.Synced,
		"errors", t.Errors,
		"unresolved", t.Unresolved,
		"peak_in_flight", report.Limiter.Peak,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// keepLock refreshes the run lock every LockRefreshInterval until the
// returned stop function is called.
func (s *syncer) keepLock(ctx context.Context, owner string, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.LockRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := s.cfg.Store.RefreshLock(ctx, lockName, owner, s.now())
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, db.ErrLockLost):
				logger.Error("run lock was taken over by another run", "error", err)
				return
			default:
				logger.Warn("failed to refresh run lock", "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *syncer) newWriter(index *db.ParentIndex, dryRun bool) entityWriter {
	if dryRun {
		return db.NewMemoryWriter(s.cfg.Catalog, index, s.cfg.Store)
	}
	return s.cfg.Store.NewWriter(index, db.WithClock(s.now))
}

func (s *syncer) newTracker(runID string, dryRun bool) tracker.Tracker {
	if dryRun {
		return tracker.NewMemory(runID)
	}
	return tracker.NewStore(s.cfg.Store, runID)
}

func allCompleted(phases []PhaseResult) bool {
	for _, p := range phases {
		if p.Status != tracker.StatusCompleted {
			return false
		}
	}
	return true
}

// phaseRunner runs the phases of one run against one source.
type phaseRunner struct {
	s       *syncer
	src     source.Source
	tracker tracker.Tracker
	writer  entityWriter
	lim     *limiter.Limiter
	logger  *slog.Logger

	// rootErr is set when the root phase fails; later phases are skipped.
	rootErr error
}

// runAll runs types in order and returns one result per type. The error is
// non-nil only when the run could not be planned.
func (r *phaseRunner) runAll(ctx context.Context, types []schema.EntityType) ([]PhaseResult, error) {
	if err := r.tracker.Plan(ctx, types); err != nil {
		return nil, fmt.Errorf("failed to plan run %s: %w", r.tracker.RunID(), err)
	}

	root := r.s.cfg.Catalog.Root()
	results := make([]PhaseResult, 0, len(types))
	failed := make(map[schema.EntityType]bool)

	for _, t := range types {
		if reason := r.blockedReason(ctx, t, failed); reason != "" {
			results = append(results, r.skip(ctx, t, reason))
			failed[t] = true
			continue
		}

		res := r.runPhase(ctx, t)
		results = append(results, res)
		if res.Status == tracker.StatusCompleted {
			continue
		}
		failed[t] = true
		if t == root {
			r.rootErr = res.Err
			if r.rootErr == nil {
				r.rootErr = errors.New(res.Reason)
			}
		}
	}
	return results, nil
}

// blockedReason explains why t cannot run, or returns "".
func (r *phaseRunner) blockedReason(ctx context.Context, t schema.EntityType, failed map[schema.EntityType]bool) string {
	if r.rootErr != nil {
		return "root phase failed"
	}
	if cause := r.lim.Cause(); cause != nil {
		return fmt.Sprintf("run canceled: %v", cause)
	}
	if ctx.Err() != nil {
		return fmt.Sprintf("run canceled: %v", context.Cause(ctx))
	}
	for parent := range failed {
		if r.s.cfg.Catalog.DependsOn(t, parent) {
			return fmt.Sprintf("depends on failed %s", parent)
		}
	}
	return ""
}

func (r *phaseRunner) skip(ctx context.Context, t schema.EntityType, reason string) PhaseResult {
	r.logger.Warn("skipping phase", "entity_type", t, "reason", reason)
	if err := r.tracker.SkipPhase(context.WithoutCancel(ctx), t); err != nil {
		r.logger.Error("failed to record skipped phase", "entity_type", t, "error", err)
	}
	return PhaseResult{EntityType: t, Source: r.src.Name(), Status: tracker.StatusSkipped, Reason: reason}
}
