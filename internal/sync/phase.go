package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

// pageOutcome is what one page contributed to its phase.
type pageOutcome struct {
	fetched    bool
	records    int
	synced     int64
	inserted   int64
	updated    int64
	unchanged  int64
	skipped    int64
	errors     int64
	unresolved int64
	// invalid is set when the whole page was rejected by the source.
	invalid bool
}

// maxRejectedRun is how many consecutive rejected pages end sequential
// pagination.
const maxRejectedRun = 3

var (
	// errPageThreshold fails a phase when one page rejects too many records.
	errPageThreshold = errors.New("page error rate above threshold")
	// errAllPagesRejected fails a phase whose every page was rejected by the
	// source.
	errAllPagesRejected = errors.New("every page was rejected by the source")
)

// runPhase fetches, maps and writes every page of t.
//
// The first page is fetched alone to learn the totals. When the page count
// is known the remaining pages are fetched concurrently; otherwise pages are
// followed one by one until the source reports no more. A page the source
// rejects (a 4xx other than auth, or an undecodable body) contributes no
// records and is counted as a page error; pagination goes on past it.
func (r *phaseRunner) runPhase(ctx context.Context, t schema.EntityType) PhaseResult {
	start := time.Now()
	logger := r.logger.With("entity_type", t, "source", r.src.Name())
	res := PhaseResult{EntityType: t, Source: r.src.Name()}

	fail := func(err error, format string, args ...any) PhaseResult {
		res.Status = tracker.StatusFailed
		res.Err = err
		res.Reason = fmt.Sprintf(format, args...)
		res.Duration = time.Since(start)
		if terr := r.tracker.CompletePhase(context.WithoutCancel(ctx), t, tracker.StatusFailed); terr != nil {
			logger.Error("failed to record failed phase", "error", terr)
		}
		logger.Error("phase failed", "reason", res.Reason, "error", err)
		return res
	}

	if err := r.tracker.BeginPhase(ctx, t, 0); err != nil {
		res.Status = tracker.StatusFailed
		res.Err = err
		res.Reason = "could not start phase"
		return res
	}
	logger.Info("phase started")

	cursor := source.FirstCursor(r.s.cfg.PageSize)
	var outcomes []pageOutcome
	first, err := r.fetch(ctx, t, cursor)
	switch {
	case source.IsValidation(err):
		// Without totals the rest can only be walked sequentially.
		logger.Warn("first page rejected by source", "page", cursor.Page, "error", err)
		outcomes = append(outcomes, pageOutcome{fetched: true, invalid: true})
		rest, err := r.follow(ctx, t, cursor.Next(), 1)
		outcomes = append(outcomes, rest...)
		if err != nil {
			res = sumOutcomes(res, outcomes)
			return fail(err, "%v", err)
		}

	case err != nil:
		return fail(err, "first page: %v", err)

	default:
		if first.Total >= 0 {
			res.TotalExpected = int64(first.Total)
			if err := r.tracker.SetExpected(ctx, t, res.TotalExpected); err != nil {
				logger.Warn("failed to record expected total", "error", err)
			}
		}

		out, err := r.processPage(ctx, t, first)
		outcomes = append(outcomes, out)
		if err != nil {
			res = sumOutcomes(res, outcomes)
			return fail(err, "page %d: %v", first.Cursor.Page, err)
		}

		switch {
		case !first.HasMore:
		case first.TotalPages > 1:
			rest, err := r.fanOut(ctx, t, first)
			outcomes = append(outcomes, rest...)
			if err != nil {
				res = sumOutcomes(res, outcomes)
				return fail(err, "%v", err)
			}
		default:
			rest, err := r.follow(ctx, t, first.Next, 0)
			outcomes = append(outcomes, rest...)
			if err != nil {
				res = sumOutcomes(res, outcomes)
				return fail(err, "%v", err)
			}
		}
	}

	res = sumOutcomes(res, outcomes)
	if res.Pages > 0 && res.PageErrors == res.Pages {
		return fail(errAllPagesRejected, "%d of %d pages rejected by source", res.PageErrors, res.Pages)
	}
	if rate := res.ErrorRate(); rate > r.s.cfg.ErrorThreshold {
		return fail(fmt.Errorf("%w: %.2f", errPageThreshold, rate), "phase error rate %.2f above threshold %.2f", rate, r.s.cfg.ErrorThreshold)
	}
	if res.PageErrors > 0 {
		res.Reason = fmt.Sprintf("%d of %d pages rejected by source", res.PageErrors, res.Pages)
	}

	res.Status = tracker.StatusCompleted
	res.Duration = time.Since(start)
	if err := r.tracker.CompletePhase(ctx, t, tracker.StatusCompleted); err != nil {
		return fail(err, "could not record completion")
	}
	logger.Info("phase completed",
		"synced", res.Synced,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"errors", res.Errors,
		"unresolved", res.Unresolved,
		"pages", res.Pages,
		"duration", res.Duration)
	return res
}

// fanOut fetches pages 2..TotalPages concurrently. The limiter bounds API
// calls; the group bounds goroutines to the same width.
func (r *phaseRunner) fanOut(ctx context.Context, t schema.EntityType, first source.Page) ([]pageOutcome, error) {
	n := first.TotalPages - 1
	outcomes := make([]pageOutcome, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.s.cfg.Concurrency)

	for i := 0; i < n; i++ {
		cursor := first.Cursor.At(i + 2)
		g.Go(func() error {
			page, err := r.fetch(gctx, t, cursor)
			if err != nil {
				if source.IsValidation(err) {
					r.logger.Warn("page rejected by source", "entity_type", t, "page", cursor.Page, "error", err)
					outcomes[i] = pageOutcome{fetched: true, invalid: true}
					return nil
				}
				return fmt.Errorf("page %d: %w", cursor.Page, err)
			}
			out, err := r.processPage(gctx, t, page)
			outcomes[i] = out
			if err != nil {
				return fmt.Errorf("page %d: %w", cursor.Page, err)
			}
			return nil
		})
	}
	return outcomes, g.Wait()
}

// follow fetches pages from cursor on until the source reports no more.
// rejected is the number of rejected pages immediately before cursor; a run
// of maxRejectedRun rejected pages ends pagination.
func (r *phaseRunner) follow(ctx context.Context, t schema.EntityType, cursor source.Cursor, rejected int) ([]pageOutcome, error) {
	var outcomes []pageOutcome
	for {
		page, err := r.fetch(ctx, t, cursor)
		if err != nil {
			if !source.IsValidation(err) {
				return outcomes, fmt.Errorf("page %d: %w", cursor.Page, err)
			}
			outcomes = append(outcomes, pageOutcome{fetched: true, invalid: true})
			rejected++
			if rejected >= maxRejectedRun {
				r.logger.Warn("pages rejected by source, stopping pagination",
					"entity_type", t, "page", cursor.Page, "consecutive", rejected, "error", err)
				return outcomes, nil
			}
			r.logger.Warn("page rejected by source", "entity_type", t, "page", cursor.Page, "error", err)
			cursor = cursor.Next()
			continue
		}
		rejected = 0

		out, err := r.processPage(ctx, t, page)
		outcomes = append(outcomes, out)
		if err != nil {
			return outcomes, fmt.Errorf("page %d: %w", cursor.Page, err)
		}
		if !page.HasMore || len(page.Records) == 0 {
			return outcomes, nil
		}
		cursor = page.Next
	}
}

func (r *phaseRunner) fetch(ctx context.Context, t schema.EntityType, cursor source.Cursor) (source.Page, error) {
	var page source.Page
	err := r.lim.Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = r.src.FetchPage(ctx, t, cursor)
		return err
	})
	return page, err
}

// processPage maps and writes one page and records its progress.
func (r *phaseRunner) processPage(ctx context.Context, t schema.EntityType, page source.Page) (pageOutcome, error) {
	out := pageOutcome{fetched: true, records: len(page.Records)}
	entities := make([]schema.Entity, 0, len(page.Records))
	for _, rec := range page.Records {
		e, err := r.s.mapper.Map(t, rec, r.src.Provenance())
		if err != nil {
			out.errors++
			r.logger.Debug("record rejected", "entity_type", t, "page", page.Cursor.Page, "error", err)
			continue
		}
		entities = append(entities, e)
	}

	if len(entities) > 0 {
		results, err := r.writer.UpsertBatch(ctx, entities)
		if err != nil {
			out.errors += int64(len(entities))
			_ = r.record(ctx, t, out)
			return out, fmt.Errorf("write: %w", err)
		}
		for _, res := range results {
			out.synced++
			out.unresolved += int64(len(res.Unresolved))
			switch res.Outcome {
			case db.OutcomeInserted:
				out.inserted++
			case db.OutcomeUpdated:
				out.updated++
			case db.OutcomeUnchanged:
				out.unchanged++
			case db.OutcomeSkipped:
				out.skipped++
			}
			for _, ref := range res.Unresolved {
				r.logger.Debug("unresolved relation",
					"entity_type", t,
					"external_id", res.ExternalID,
					"column", ref.Column,
					"target", ref.TargetExternalID)
			}
		}
	}

	if err := r.record(ctx, t, out); err != nil {
		return out, err
	}
	if out.records > 0 {
		if share := float64(out.errors) / float64(out.records); share > r.s.cfg.ErrorThreshold {
			return out, fmt.Errorf("%w: %d of %d records rejected", errPageThreshold, out.errors, out.records)
		}
	}
	return out, nil
}

func (r *phaseRunner) record(ctx context.Context, t schema.EntityType, out pageOutcome) error {
	err := r.tracker.RecordProgress(context.WithoutCancel(ctx), t, tracker.Progress{
		Synced:     out.synced,
		Errors:     out.errors,
		Unresolved: out.unresolved,
	})
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

func sumOutcomes(res PhaseResult, outcomes []pageOutcome) PhaseResult {
	for _, o := range outcomes {
		if !o.fetched {
			continue
		}
		res.Pages++
		if o.invalid {
			res.PageErrors++
			continue
		}
		res.Synced += o.synced
		res.Inserted += o.inserted
		res.Updated += o.updated
		res.Unchanged += o.unchanged
		res.Skipped += o.skipped
		res.Errors += o.errors
		res.Unresolved += o.unresolved
	}
	return res
}
