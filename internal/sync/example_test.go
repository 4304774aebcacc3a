package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
	"github.com/fieldsync/fieldsync/internal/sync"
)

// This example runs a dry sync from the synthetic generator. Nothing is
// written; the report shows what a real run would have done.
func ExampleSyncer_Run() {
	catalog := schema.DefaultCatalog()
	s, err := sync.New(sync.Config{
		Catalog: catalog,
		Source:  source.NewSyntheticSource(catalog, 7, 30),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		log.Fatal(err)
	}

	report, err := s.Run(context.Background(), sync.RunOptions{
		RunID:       "example",
		EntityTypes: []string{"customers", "jobs"},
		DryRun:      true,
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, p := range report.Phases {
		fmt.Printf("%s: %s, %d synced\n", p.EntityType, p.Status, p.Synced)
	}
	fmt.Println("status:", report.Status, "exit:", report.ExitCode())
	// Output:
	// customers: completed, 30 synced
	// jobs: completed, 30 synced
	// status: success exit: 0
}
