package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fieldsync/fieldsync/internal/limiter"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/sync"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

var started = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func partialReport() *sync.Report {
	return &sync.Report{
		RunID:      "run-golden",
		Status:     sync.RunPartial,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Limiter:    limiter.Stats{Limit: 16, Peak: 4, Calls: 12},
		Phases: []sync.PhaseResult{
			{EntityType: schema.Customers, Source: "remote", Status: tracker.StatusCompleted, TotalExpected: 250,
				Synced: 250, Inserted: 250, Pages: 3, Duration: 900 * time.Millisecond},
			{EntityType: schema.Jobs, Source: "remote", Status: tracker.StatusFailed, TotalExpected: 10,
				Synced: 4, Inserted: 4, Errors: 6, Unresolved: 1, Pages: 1, Duration: 200 * time.Millisecond,
				Reason: "page 1: page error rate above threshold: 6 of 10 records rejected"},
			{EntityType: schema.Estimates, Source: "remote", Status: tracker.StatusSkipped, Reason: "depends on failed jobs"},
		},
	}
}

func degradedReport() *sync.Report {
	cause := "authentication failed fetching customers: http 401: unauthorized"
	return &sync.Report{
		RunID:         "run-degraded",
		Status:        sync.RunDegraded,
		StartedAt:     started,
		FinishedAt:    started.Add(250 * time.Millisecond),
		Limiter:       limiter.Stats{Limit: 16, Peak: 1, Calls: 1},
		Cause:         cause,
		FallbackRunID: "run-degraded:synthetic",
		Phases: []sync.PhaseResult{
			{EntityType: schema.Customers, Source: "remote", Status: tracker.StatusFailed, Pages: 1,
				Duration: 50 * time.Millisecond, Reason: "first page: " + cause},
			{EntityType: schema.Jobs, Source: "remote", Status: tracker.StatusSkipped, Reason: "root phase failed"},
		},
		Fallback: []sync.PhaseResult{
			{EntityType: schema.Customers, Source: "synthetic", Status: tracker.StatusCompleted, TotalExpected: 25,
				Synced: 25, Inserted: 25, Pages: 1, Duration: 30 * time.Millisecond},
			{EntityType: schema.Jobs, Source: "synthetic", Status: tracker.StatusCompleted, TotalExpected: 25,
				Synced: 25, Inserted: 25, Pages: 1, Duration: 40 * time.Millisecond},
		},
	}
}

func successReport() *sync.Report {
	return &sync.Report{
		RunID:      "run-success",
		Status:     sync.RunSuccess,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
		Limiter:    limiter.Stats{Limit: 4, Peak: 2, Calls: 2},
		Phases: []sync.PhaseResult{
			{EntityType: schema.Customers, Source: "remote", Status: tracker.StatusCompleted, TotalExpected: 2,
				Synced: 2, Updated: 1, Unchanged: 1, Pages: 1, Duration: 120 * time.Millisecond},
			{EntityType: schema.Jobs, Source: "remote", Status: tracker.StatusCompleted,
				Synced: 1, Inserted: 1, Unresolved: 1, Pages: 1, Duration: 80 * time.Millisecond},
		},
		Purged: map[schema.EntityType]int64{schema.Jobs: 25, schema.Customers: 25, schema.Files: 0},
	}
}

func render(t *testing.T, format Format, fn func(*Renderer) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, fn(New(&buf, format, false)))
	return buf.Bytes()
}

func TestRun_TextGolden(t *testing.T) {
	g := goldie.New(t)

	g.Assert(t, "run_partial", render(t, FormatText, func(r *Renderer) error { return r.Run(partialReport()) }))
	g.Assert(t, "run_degraded", render(t, FormatText, func(r *Renderer) error { return r.Run(degradedReport()) }))
	g.Assert(t, "run_success", render(t, FormatText, func(r *Renderer) error { return r.Run(successReport()) }))
}

func TestRun_JSONGolden(t *testing.T) {
	g := goldie.New(t)
	g.Assert(t, "run_success_json", render(t, FormatJSON, func(r *Renderer) error { return r.Run(successReport()) }))
}

func TestRun_StructuredFormats(t *testing.T) {
	rep := degradedReport()

	var fromYAML Document
	require.NoError(t, yaml.Unmarshal(render(t, FormatYAML, func(r *Renderer) error { return r.Run(rep) }), &fromYAML))
	assert.Equal(t, FromRun(rep), fromYAML)

	var fromTOML Document
	_, err := toml.Decode(string(render(t, FormatTOML, func(r *Renderer) error { return r.Run(rep) })), &fromTOML)
	require.NoError(t, err)
	assert.Equal(t, "degraded", fromTOML.Status)
	assert.Equal(t, 2, fromTOML.ExitCode)
	require.Len(t, fromTOML.Fallback, 2)
	assert.Equal(t, int64(25), fromTOML.Fallback[1].SyncedCount)
	assert.True(t, fromTOML.StartedAt.Equal(started))
}

func TestFromRun(t *testing.T) {
	d := FromRun(successReport())
	assert.Equal(t, int64(2000), d.DurationMS)
	assert.Equal(t, 0, d.ExitCode)
	assert.Equal(t, []PurgeDocument{{EntityType: "customers", Rows: 25}, {EntityType: "jobs", Rows: 25}}, d.Purged)
	assert.Empty(t, d.Fallback)
	assert.Equal(t, int64(120), d.Phases[0].DurationMS)
}

func statusDocument() StatusDocument {
	startedAt := started
	completedAt := started.Add(90 * time.Second)
	return FromStates("", []tracker.State{
		{RunID: "run-a", EntityType: schema.Customers, Status: tracker.StatusCompleted, TotalExpected: 250,
			SyncedCount: 250, StartedAt: &startedAt, CompletedAt: &completedAt},
		{RunID: "run-b", EntityType: schema.Jobs, Status: tracker.StatusRunning, TotalExpected: 40,
			SyncedCount: 12, ErrorCount: 1, UnresolvedCount: 2, StartedAt: &startedAt},
	})
}

func TestStatus_TextGolden(t *testing.T) {
	g := goldie.New(t)
	g.Assert(t, "status_latest", render(t, FormatText, func(r *Renderer) error { return r.Status(statusDocument()) }))
}

func TestStatus_Empty(t *testing.T) {
	out := render(t, FormatText, func(r *Renderer) error { return r.Status(FromStates("", nil)) })
	assert.Equal(t, "No sync runs recorded\n", string(out))

	out = render(t, FormatJSON, func(r *Renderer) error { return r.Status(FromStates("run-x", nil)) })
	assert.JSONEq(t, `{"run_id": "run-x", "entities": []}`, string(out))
}

func TestStatus_JSON(t *testing.T) {
	var got StatusDocument
	require.NoError(t, json.Unmarshal(render(t, FormatJSON, func(r *Renderer) error { return r.Status(statusDocument()) }), &got))
	require.Len(t, got.Entities, 2)
	assert.Equal(t, "running", got.Entities[1].Status)
	assert.Nil(t, got.Entities[1].CompletedAt)
	assert.Equal(t, int64(2), got.Entities[1].UnresolvedRelationCount)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "yml": FormatYAML, "toml": FormatTOML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestColorEnabled(t *testing.T) {
	assert.False(t, ColorEnabled(&bytes.Buffer{}))
}

func TestRenderMarkersWithoutColor(t *testing.T) {
	r := New(&bytes.Buffer{}, FormatText, false)
	assert.Equal(t, "ok", r.RenderPass("ok"))
	assert.Equal(t, "!", r.RenderWarn("!"))
	assert.Equal(t, "x", r.RenderFail("x"))
	assert.Equal(t, "Run", r.RenderAccent("Run"))
}
