package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

// fakeAPI serves records per entity type with page/per_page pagination.
type fakeAPI struct {
	mu         stdsync.Mutex
	data       map[string][]map[string]any
	status     map[string]int
	pageStatus map[string]int
	bare       map[string]bool
	delay      time.Duration
	// gate, when set, holds every request until it is closed.
	gate chan struct{}

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		data:       make(map[string][]map[string]any),
		status:     make(map[string]int),
		pageStatus: make(map[string]int),
		bare:       make(map[string]bool),
	}
}

func (f *fakeAPI) set(typ schema.EntityType, records []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[string(typ)] = records
}

func (f *fakeAPI) fail(typ schema.EntityType, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[string(typ)] = code
}

// failPage makes one page of typ answer with code.
func (f *fakeAPI) failPage(typ schema.EntityType, page, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageStatus[fmt.Sprintf("%s/%d", typ, page)] = code
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.gate != nil {
		<-f.gate
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	page, size = max(page, 1), max(size, 1)

	path := strings.TrimPrefix(r.URL.Path, "/")
	f.mu.Lock()
	code := f.status[path]
	if c, ok := f.pageStatus[fmt.Sprintf("%s/%d", path, page)]; ok {
		code = c
	}
	records := f.data[path]
	bare := f.bare[path]
	f.mu.Unlock()

	if code != 0 {
		http.Error(w, `{"error":"forced"}`, code)
		return
	}

	start := min((page-1)*size, len(records))
	end := min(start+size, len(records))
	slice := append([]map[string]any{}, records[start:end]...)

	w.Header().Set("Content-Type", "application/json")
	if bare {
		_ = json.NewEncoder(w).Encode(slice)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": slice,
		"meta": map[string]any{"total": len(records), "page": page},
	})
}

type harness struct {
	api   *fakeAPI
	srv   *httptest.Server
	store *db.DB
	cat   *schema.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cat := schema.DefaultCatalog()
	store, err := db.Open(context.Background(), db.Config{DSN: filepath.Join(t.TempDir(), "sync.db")}, cat)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	return &harness{api: api, srv: srv, store: store, cat: cat}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *harness) syncer(t *testing.T, mutate func(*Config)) Syncer {
	t.Helper()
	endpoints := make(map[schema.EntityType]source.Endpoint)
	for _, typ := range h.cat.Order() {
		endpoints[typ] = source.Endpoint{Path: "/" + string(typ), Pagination: source.PaginationPage, PageSize: 100}
	}
	remote, err := source.NewRemoteSource(source.RemoteConfig{
		BaseURL:        h.srv.URL,
		Token:          "t0k3n",
		Endpoints:      endpoints,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)

	cfg := Config{
		Catalog:                 h.cat,
		Source:                  remote,
		Fallback:                source.NewSyntheticSource(h.cat, 42, 25),
		Store:                   h.store,
		Concurrency:             4,
		PageSize:                100,
		PurgeSyntheticOnSuccess: true,
		Logger:                  quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func customers(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"id": fmt.Sprintf("CP-%d", i+1), "name": fmt.Sprintf("Customer %d", i+1), "balance": "10.005"}
	}
	return out
}

func count(t *testing.T, store *db.DB, typ schema.EntityType, prov schema.Provenance) int64 {
	t.Helper()
	n, err := store.CountEntities(context.Background(), typ, prov)
	require.NoError(t, err)
	return n
}

func phase(t *testing.T, r *Report, typ schema.EntityType) PhaseResult {
	t.Helper()
	p, ok := r.Phase(typ)
	require.True(t, ok, "no phase for %s", typ)
	return p
}

// 250 customers arrive as pages of 100, 100 and 50.
func TestRun_PaginatedRootPhase(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(250))
	h.api.delay = 5 * time.Millisecond

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, ExitSuccess, report.ExitCode())
	c := phase(t, report, schema.Customers)
	assert.Equal(t, tracker.StatusCompleted, c.Status)
	assert.Equal(t, int64(250), c.TotalExpected)
	assert.Equal(t, int64(250), c.Synced)
	assert.Equal(t, int64(250), c.Inserted)
	assert.Equal(t, 3, c.Pages)
	assert.Equal(t, int64(250), count(t, h.store, schema.Customers, schema.ProvenanceSource))

	states, err := h.store.JobStates(context.Background(), report.RunID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, int64(250), states[0].SyncedCount)
	assert.Equal(t, int64(250), states[0].TotalExpected)
	assert.Equal(t, tracker.StatusCompleted, states[0].Status)

	assert.LessOrEqual(t, report.Limiter.Peak, 4)
	assert.LessOrEqual(t, int(h.api.peak.Load()), 4)
}

func TestRun_FollowsPagesWithoutTotals(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(250))
	h.api.bare["customers"] = true

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	c := phase(t, report, schema.Customers)
	assert.Equal(t, int64(250), c.Synced)
	assert.Equal(t, 3, c.Pages)
	assert.Equal(t, int64(0), c.TotalExpected)
}

func TestRun_ConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(1000))
	h.api.delay = 10 * time.Millisecond

	report, err := h.syncer(t, func(c *Config) {
		c.Concurrency = 2
		c.PageSize = 50
	}).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), phase(t, report, schema.Customers).Synced)
	assert.LessOrEqual(t, report.Limiter.Peak, 2)
	assert.LessOrEqual(t, int(h.api.peak.Load()), 2)
	assert.Equal(t, int64(20), report.Limiter.Calls)
}

// A job pointing at a customer that does not exist is stored with a NULL
// reference and counted.
func TestRun_UnresolvedRelation(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(1))
	h.api.set(schema.Jobs, []map[string]any{
		{"id": "J-1", "name": "Install", "customer_id": "CP-1"},
		{"id": "J-2", "name": "Repair", "customer_id": "CP-9999"},
	})

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers", "jobs"}})
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, report.Status)

	jobs := phase(t, report, schema.Jobs)
	assert.Equal(t, int64(2), jobs.Synced)
	assert.Equal(t, int64(1), jobs.Unresolved)

	ctx := context.Background()
	j1, err := h.store.GetEntity(ctx, schema.Jobs, "J-1")
	require.NoError(t, err)
	c1, err := h.store.GetEntity(ctx, schema.Customers, "CP-1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, j1.Values["customer_id"])

	j2, err := h.store.GetEntity(ctx, schema.Jobs, "J-2")
	require.NoError(t, err)
	assert.Nil(t, j2.Values["customer_id"])

	states, err := h.store.JobStates(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), states[1].UnresolvedCount)
}

// A 401 on the root phase switches to synthetic data.
func TestRun_AuthFailureFallsBackToSynthetic(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(10))
	h.api.fail(schema.Customers, http.StatusUnauthorized)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{RunID: "run-c"})
	require.NoError(t, err)

	assert.Equal(t, RunDegraded, report.Status)
	assert.Equal(t, ExitDegraded, report.ExitCode())
	assert.Contains(t, report.Cause, "authentication failed")
	assert.Equal(t, int32(1), h.api.calls.Load(), "auth failures are not retried and stop all requests")

	assert.Equal(t, tracker.StatusFailed, phase(t, report, schema.Customers).Status)
	assert.Equal(t, tracker.StatusSkipped, phase(t, report, schema.Jobs).Status)

	assert.Equal(t, "run-c:synthetic", report.FallbackRunID)
	require.Len(t, report.Fallback, 6)
	for _, p := range report.Fallback {
		assert.Equal(t, tracker.StatusCompleted, p.Status, p.EntityType)
		assert.Equal(t, int64(25), p.Synced, p.EntityType)
		assert.Zero(t, p.Unresolved, p.EntityType)
	}

	assert.Equal(t, int64(25), count(t, h.store, schema.Customers, schema.ProvenanceSynthetic))
	assert.Equal(t, int64(0), count(t, h.store, schema.Customers, schema.ProvenanceSource))

	states, err := h.store.JobStates(context.Background(), "run-c:synthetic")
	require.NoError(t, err)
	require.Len(t, states, 6)
	assert.Equal(t, tracker.StatusCompleted, states[0].Status)

	primary, err := h.store.JobStates(context.Background(), "run-c")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusFailed, primary[0].Status)
	assert.Equal(t, tracker.StatusSkipped, primary[5].Status)
}

func TestRun_AuthFailureWithoutFallback(t *testing.T) {
	h := newHarness(t)
	h.api.fail(schema.Customers, http.StatusForbidden)

	report, err := h.syncer(t, func(c *Config) { c.Fallback = nil }).Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, report.Status)
	assert.Equal(t, ExitFailed, report.ExitCode())
	assert.Equal(t, int64(0), count(t, h.store, schema.Customers, ""))
}

func TestRun_RootFailureEndsRun(t *testing.T) {
	h := newHarness(t)
	h.api.fail(schema.Customers, http.StatusBadGateway)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunFailed, report.Status, "transient root failure does not fall back")
	assert.Empty(t, report.Fallback)
	for _, p := range report.Phases[1:] {
		assert.Equal(t, tracker.StatusSkipped, p.Status, p.EntityType)
		assert.Equal(t, "root phase failed", p.Reason)
	}
	assert.Equal(t, int32(2), h.api.calls.Load(), "one page, two attempts")
}

// A non-root failure skips its dependents and nothing else.
func TestRun_FailedPhaseSkipsDependents(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(3))
	h.api.fail(schema.Jobs, http.StatusServiceUnavailable)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunPartial, report.Status)
	assert.Equal(t, ExitPartial, report.ExitCode())
	assert.Equal(t, tracker.StatusCompleted, phase(t, report, schema.Customers).Status)
	assert.Equal(t, tracker.StatusFailed, phase(t, report, schema.Jobs).Status)
	for _, typ := range []schema.EntityType{schema.Estimates, schema.Invoices, schema.Tickets, schema.Files} {
		p := phase(t, report, typ)
		assert.Equal(t, tracker.StatusSkipped, p.Status, typ)
		assert.Equal(t, "depends on failed jobs", p.Reason)
	}
	assert.Equal(t, int64(3), count(t, h.store, schema.Customers, ""))
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(2))
	h.api.set(schema.Jobs, []map[string]any{{"id": "J-1", "name": "Install", "customer_id": "CP-1"}})
	h.api.set(schema.Invoices, []map[string]any{{"id": "I-1", "number": "1001", "total": "19.995", "job_id": "J-1"}})
	h.api.set(schema.Files, []map[string]any{{"id": "F-1", "filename": "a.pdf", "job_id": "J-1"}})
	h.api.fail(schema.Tickets, http.StatusUnprocessableEntity)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunPartial, report.Status)
	tickets := phase(t, report, schema.Tickets)
	assert.Equal(t, tracker.StatusFailed, tickets.Status)
	assert.ErrorIs(t, tickets.Err, errAllPagesRejected)
	assert.Equal(t, maxRejectedRun, tickets.PageErrors)
	for _, typ := range []schema.EntityType{schema.Customers, schema.Jobs, schema.Estimates, schema.Invoices, schema.Files} {
		assert.Equal(t, tracker.StatusCompleted, phase(t, report, typ).Status, typ)
	}

	inv, err := h.store.GetEntity(context.Background(), schema.Invoices, "I-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), inv.Values["total_minor"])
	assert.NotNil(t, inv.Values["job_id"])
}

// A rejected first page leaves the totals unknown; the rest is followed.
func TestRun_RejectedFirstPageContinues(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(250))
	h.api.failPage(schema.Customers, 1, http.StatusBadRequest)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	c := phase(t, report, schema.Customers)
	assert.Equal(t, tracker.StatusCompleted, c.Status)
	assert.Equal(t, int64(150), c.Synced)
	assert.Equal(t, 3, c.Pages)
	assert.Equal(t, 1, c.PageErrors)
	assert.Equal(t, "1 of 3 pages rejected by source", c.Reason)
	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, int64(150), count(t, h.store, schema.Customers, schema.ProvenanceSource))
}

func TestRun_RejectedPageDuringFanOut(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(250))
	h.api.failPage(schema.Customers, 2, http.StatusNotFound)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	c := phase(t, report, schema.Customers)
	assert.Equal(t, tracker.StatusCompleted, c.Status)
	assert.Equal(t, int64(250), c.TotalExpected)
	assert.Equal(t, int64(150), c.Synced)
	assert.Equal(t, 1, c.PageErrors)
	assert.Equal(t, int32(3), h.api.calls.Load(), "client errors are not retried")
}

func TestRun_RejectedPageWhileFollowing(t *testing.T) {
	h := newHarness(t)
	h.api.bare[string(schema.Customers)] = true
	h.api.set(schema.Customers, customers(250))
	h.api.failPage(schema.Customers, 2, http.StatusBadRequest)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	c := phase(t, report, schema.Customers)
	assert.Equal(t, tracker.StatusCompleted, c.Status)
	assert.Equal(t, int64(150), c.Synced, "pages after the rejected one are still fetched")
	assert.Equal(t, 1, c.PageErrors)
	assert.Equal(t, int32(3), h.api.calls.Load())
	assert.Equal(t, int64(150), count(t, h.store, schema.Customers, schema.ProvenanceSource))
}

func TestRun_RejectedPagesInARowStopPagination(t *testing.T) {
	h := newHarness(t)
	h.api.bare[string(schema.Customers)] = true
	h.api.set(schema.Customers, customers(10))
	h.api.fail(schema.Customers, http.StatusBadRequest)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	c := phase(t, report, schema.Customers)
	assert.Equal(t, tracker.StatusFailed, c.Status)
	assert.ErrorIs(t, c.Err, errAllPagesRejected)
	assert.Equal(t, int32(maxRejectedRun), h.api.calls.Load())
	assert.Equal(t, RunFailed, report.Status)
	assert.Equal(t, ExitFailed, report.ExitCode())
	assert.Empty(t, report.Fallback, "only authentication failures fall back")
}

// Authentication refused on a later root page still degrades to synthetic data.
func TestRun_AuthFailureOnLaterRootPage(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(250))
	h.api.failPage(schema.Customers, 2, http.StatusUnauthorized)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{RunID: "run-late"})
	require.NoError(t, err)

	assert.Equal(t, RunDegraded, report.Status)
	assert.Equal(t, ExitDegraded, report.ExitCode())
	assert.Equal(t, tracker.StatusFailed, phase(t, report, schema.Customers).Status)
	assert.Equal(t, "run-late:synthetic", report.FallbackRunID)
	require.Len(t, report.Fallback, 6)
	for _, p := range report.Fallback {
		assert.Equal(t, tracker.StatusCompleted, p.Status, p.EntityType)
	}
}

// Authentication refused after the root succeeded fails the run without
// synthetic data: the real customers are already stored.
func TestRun_AuthFailureOnDependentPhase(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(3))
	h.api.fail(schema.Jobs, http.StatusUnauthorized)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunFailed, report.Status)
	assert.Equal(t, ExitFailed, report.ExitCode())
	assert.Contains(t, report.Cause, "authentication failed")
	assert.Empty(t, report.FallbackRunID)
	assert.Empty(t, report.Fallback)

	assert.Equal(t, tracker.StatusCompleted, phase(t, report, schema.Customers).Status)
	assert.Equal(t, tracker.StatusFailed, phase(t, report, schema.Jobs).Status)
	for _, typ := range []schema.EntityType{schema.Estimates, schema.Invoices, schema.Tickets, schema.Files} {
		p := phase(t, report, typ)
		assert.Equal(t, tracker.StatusSkipped, p.Status, typ)
		assert.True(t, strings.HasPrefix(p.Reason, "run canceled"), p.Reason)
	}
	assert.Equal(t, int32(2), h.api.calls.Load())
	assert.Equal(t, int64(0), count(t, h.store, schema.Customers, schema.ProvenanceSynthetic))
}

func TestRun_RecordErrorsBelowThreshold(t *testing.T) {
	h := newHarness(t)
	recs := customers(10)
	delete(recs[3], "name")
	recs[7]["id"] = "SYN-CUS-000001"
	h.api.set(schema.Customers, recs)

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)

	c := phase(t, report, schema.Customers)
	assert.Equal(t, tracker.StatusCompleted, c.Status)
	assert.Equal(t, int64(8), c.Synced)
	assert.Equal(t, int64(2), c.Errors)
	assert.Equal(t, RunSuccess, report.Status)
}

func TestRun_PageErrorShareFailsPhase(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(1))
	h.api.set(schema.Jobs, []map[string]any{
		{"id": "J-1", "name": "ok", "customer_id": "CP-1"},
		{"id": "J-2"},
		{"id": "J-3"},
	})

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers", "jobs"}})
	require.NoError(t, err)

	j := phase(t, report, schema.Jobs)
	assert.Equal(t, tracker.StatusFailed, j.Status)
	assert.ErrorIs(t, j.Err, errPageThreshold)
	assert.Equal(t, int64(2), j.Errors)
	assert.Equal(t, RunPartial, report.Status)
}

// Re-running with one changed record updates only that row.
func TestRun_IdempotentAndChangeDetection(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(3))

	t0 := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	now := t0
	clock := func() time.Time { return now }

	s := h.syncer(t, func(c *Config) { c.Clock = clock })
	first, err := s.Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), phase(t, first, schema.Customers).Inserted)

	now = t0.Add(24 * time.Hour)
	same, err := s.Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), phase(t, same, schema.Customers).Unchanged)
	assert.Equal(t, int64(3), count(t, h.store, schema.Customers, ""))

	changed := customers(3)
	changed[1]["name"] = "Renamed Customer"
	h.api.set(schema.Customers, changed)
	t2 := t0.Add(48 * time.Hour)
	now = t2

	third, err := s.Run(context.Background(), RunOptions{EntityTypes: []string{"customers"}})
	require.NoError(t, err)
	c := phase(t, third, schema.Customers)
	assert.Equal(t, int64(1), c.Updated)
	assert.Equal(t, int64(2), c.Unchanged)

	ctx := context.Background()
	cp2, err := h.store.GetEntity(ctx, schema.Customers, "CP-2")
	require.NoError(t, err)
	assert.Equal(t, "Renamed Customer", cp2.Values["name"])
	assert.True(t, cp2.UpdatedAt.Equal(t2))
	assert.True(t, cp2.CreatedAt.Equal(t0))

	cp1, err := h.store.GetEntity(ctx, schema.Customers, "CP-1")
	require.NoError(t, err)
	assert.True(t, cp1.UpdatedAt.Equal(t0))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(5))
	h.api.set(schema.Jobs, []map[string]any{{"id": "J-1", "name": "x", "customer_id": "CP-5"}})

	report, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"customers", "jobs"}, DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, int64(5), phase(t, report, schema.Customers).Synced)
	assert.Zero(t, phase(t, report, schema.Jobs).Unresolved)

	assert.Equal(t, int64(0), count(t, h.store, schema.Customers, ""))
	runID, err := h.store.LatestRunID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runID)
}

func TestRun_DryRunWithoutStore(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(2))

	s := h.syncer(t, func(c *Config) { c.Store = nil })
	report, err := s.Run(context.Background(), RunOptions{DryRun: true, EntityTypes: []string{"customers"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), phase(t, report, schema.Customers).Synced)

	_, err = s.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrStoreRequired)
}

func TestRun_SuccessPurgesSyntheticRows(t *testing.T) {
	h := newHarness(t)
	h.api.fail(schema.Customers, http.StatusUnauthorized)

	s := h.syncer(t, nil)
	degraded, err := s.Run(context.Background(), RunOptions{EntityTypes: []string{"customers", "jobs"}})
	require.NoError(t, err)
	require.Equal(t, RunDegraded, degraded.Status)
	require.Equal(t, int64(25), count(t, h.store, schema.Jobs, schema.ProvenanceSynthetic))

	h.api.fail(schema.Customers, 0)
	h.api.set(schema.Customers, customers(2))

	report, err := s.Run(context.Background(), RunOptions{EntityTypes: []string{"customers", "jobs"}})
	require.NoError(t, err)
	require.Equal(t, RunSuccess, report.Status)
	assert.Equal(t, int64(25), report.Purged[schema.Customers])
	assert.Equal(t, int64(25), report.Purged[schema.Jobs])
	assert.Equal(t, int64(0), count(t, h.store, schema.Customers, schema.ProvenanceSynthetic))
	assert.Equal(t, int64(2), count(t, h.store, schema.Customers, schema.ProvenanceSource))
}

func TestRun_LockHeld(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.AcquireLock(context.Background(), lockName, "other-run", time.Hour, time.Now()))

	_, err := h.syncer(t, nil).Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, db.ErrLocked)
}

type testClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// A run that outlives the stale age keeps its lock.
func TestRun_RefreshesLockDuringLongRun(t *testing.T) {
	h := newHarness(t)
	h.api.set(schema.Customers, customers(3))
	h.api.gate = make(chan struct{})
	release := stdsync.OnceFunc(func() { close(h.api.gate) })
	t.Cleanup(release)

	clock := &testClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	s := h.syncer(t, func(c *Config) {
		c.Clock = clock.Now
		c.LockStaleAfter = 2 * time.Hour
		c.LockRefreshInterval = time.Millisecond
	})

	done := make(chan *Report, 1)
	go func() {
		report, err := s.Run(context.Background(), RunOptions{RunID: "long-run", EntityTypes: []string{"customers"}})
		assert.NoError(t, err)
		done <- report
	}()

	require.Eventually(t, func() bool { return h.api.inFlight.Load() == 1 }, 5*time.Second, time.Millisecond)
	later := clock.Advance(3 * time.Hour)
	require.Eventually(t, func() bool {
		_, at, err := h.store.LockHolder(context.Background(), lockName)
		return err == nil && at.Equal(later)
	}, 5*time.Second, time.Millisecond)

	err := h.store.AcquireLock(context.Background(), lockName, "intruder", 2*time.Hour, later)
	assert.ErrorIs(t, err, db.ErrLocked)

	release()
	report := <-done
	require.NotNil(t, report)
	assert.Equal(t, RunSuccess, report.Status)

	_, _, err = h.store.LockHolder(context.Background(), lockName)
	assert.ErrorIs(t, err, sql.ErrNoRows, "lock is released when the run ends")
}

func TestRun_UnknownEntityType(t *testing.T) {
	h := newHarness(t)
	_, err := h.syncer(t, nil).Run(context.Background(), RunOptions{EntityTypes: []string{"widgets"}})
	assert.ErrorIs(t, err, schema.ErrUnknownEntityType)
}
