// Package sync orchestrates multi-entity sync runs from a source API into the store.
//
// Overview
//
// A run walks the entity catalog in dependency order. Each entity type is
// one phase; a phase finishes before the next begins, so every parent row a
// child could reference has already been written:
//
//	customers -> jobs -> estimates -> invoices -> tickets -> files
//
// Architecture
//
//	Source (remote API or synthetic)
//	     |  FetchPage, through the concurrency limiter
//	     v
//	Mapper  (record -> canonical entity, pure)
//	     |
//	     v
//	Writer  (insert-or-update by external_id, batched relation lookup)
//	     |
//	     v
//	Tracker (sync_job_state: pending -> running -> completed | failed)
//
// Within a phase the first page is fetched alone to learn the totals. If the
// source reports a page count the remaining pages are fetched concurrently;
// otherwise pages are followed one after another.
//
// Usage
//
//	store, err := db.Open(ctx, db.Config{DSN: "fieldsync.db"}, nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.InitSchema(ctx); err != nil {
//	    return err
//	}
//
//	s, err := sync.New(sync.Config{
//	    Source:   remote,
//	    Fallback: source.NewSyntheticSource(schema.DefaultCatalog(), 42, 25),
//	    Store:    store,
//	})
//	if err != nil {
//	    return err
//	}
//	report, err := s.Run(ctx, sync.RunOptions{})
//	if err != nil {
//	    return err
//	}
//	os.Exit(report.ExitCode())
//
// Error Handling
//
// The run is resilient to individual record failures:
//
//   - Records that fail mapping are counted and skipped
//   - Pages the source rejects (4xx other than auth) are counted and skipped
//   - A page or phase whose rejection rate exceeds the threshold fails
//   - A failed phase skips every phase that depends on it
//   - A failed root phase ends the run
//   - An authentication failure cancels all queued requests; on the root
//     phase it switches to the fallback source and the run is degraded
//
// Concurrency
//
// Writes are idempotent, so page order inside a phase does not matter. All
// progress counters are SQL increments and phase results are values
// aggregated after each phase completes.
package sync
