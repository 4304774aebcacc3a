package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
)

// Syncer runs dependency-ordered sync runs from a source into the store.
type Syncer interface {
	// Run executes one sync run over the selected entity types.
	//
	// Phases run one entity type at a time in dependency order. Record and
	// page validation failures are counted, not returned. The returned error
	// is reserved for problems that prevent a run from starting or being
	// recorded (lock held, store unavailable); every sync outcome, including
	// a failed run, is described by the Report.
	//
	// Example:
	//   report, err := syncer.Run(ctx, sync.RunOptions{EntityTypes: []string{"customers"}})
	Run(ctx context.Context, opts RunOptions) (*Report, error)

	// PurgeSynthetic deletes every fallback-generated row, children first.
	//
	// Example:
	//   removed, err := syncer.PurgeSynthetic(ctx)
	PurgeSynthetic(ctx context.Context) (map[schema.EntityType]int64, error)
}

// Config wires a Syncer to its collaborators.
type Config struct {
	// Catalog defaults to schema.DefaultCatalog().
	Catalog *schema.Catalog
	// Source is the primary source of records.
	Source source.Source
	// Fallback is used when the root phase fails authentication. Nil
	// disables fallback.
	Fallback source.Source
	// Store is required unless every run is a dry run.
	Store *db.DB

	// Concurrency bounds in-flight API calls (default 16).
	Concurrency int
	// PageSize is the requested page size; 0 uses each endpoint's default.
	PageSize int
	// ErrorThreshold is the highest tolerated share of rejected records per
	// page and per phase (default 0.5).
	ErrorThreshold float64
	// LockStaleAfter is when a held run lock is considered abandoned
	// (default 2h).
	LockStaleAfter time.Duration
	// LockRefreshInterval is how often a running sync renews its lock
	// (default a quarter of LockStaleAfter).
	LockRefreshInterval time.Duration
	// PurgeSyntheticOnSuccess removes fallback rows after a fully
	// successful real run.
	PurgeSyntheticOnSuccess bool

	Logger *slog.Logger
	Clock  func() time.Time
}

// RunOptions selects what one run does.
type RunOptions struct {
	// RunID identifies the run; a random UUID when empty.
	RunID string
	// EntityTypes limits the run; empty selects every type.
	EntityTypes []string
	// DryRun fetches and maps but writes nothing.
	DryRun bool
}
