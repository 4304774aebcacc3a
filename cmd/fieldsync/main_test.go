package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/sync"
)

func setupCLI(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("FIELDSYNC_API_BASE_URL", srv.URL)
	t.Setenv("FIELDSYNC_API_TOKEN", "cli-token")
	t.Setenv("FIELDSYNC_LOG_LEVEL", "error")
	return filepath.Join(dir, "fieldsync.db")
}

func TestCLI_DegradedRunAndStatus(t *testing.T) {
	dbPath := setupCLI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	})
	ctx := context.Background()

	var stdout, stderr bytes.Buffer
	code := execute(ctx, []string{"run", "--db", dbPath, "--format", "json",
		"--entity-types", "customers,jobs", "--run-id", "cli-run"}, &stdout, &stderr)
	require.Equal(t, sync.ExitDegraded, code, stderr.String())

	var doc report.Document
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &doc))
	assert.Equal(t, "degraded", doc.Status)
	assert.Equal(t, "cli-run:synthetic", doc.FallbackRunID)
	require.Len(t, doc.Fallback, 2)
	assert.Equal(t, int64(25), doc.Fallback[0].SyncedCount)

	stdout.Reset()
	code = execute(ctx, []string{"status", "--db", dbPath, "--run-id", "cli-run", "--format", "json"}, &stdout, &stderr)
	require.Equal(t, sync.ExitSuccess, code, stderr.String())

	var status report.StatusDocument
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &status))
	require.Len(t, status.Entities, 4)
	assert.Equal(t, "failed", status.Entities[0].Status)
	assert.Equal(t, "skipped", status.Entities[1].Status)
	assert.Equal(t, "cli-run:synthetic", status.Entities[2].RunID)
	assert.Equal(t, "completed", status.Entities[3].Status)

	stdout.Reset()
	code = execute(ctx, []string{"purge-synthetic", "--db", dbPath}, &stdout, &stderr)
	require.Equal(t, sync.ExitSuccess, code, stderr.String())
	assert.Contains(t, stdout.String(), "Removed 50 synthetic rows")
}

func TestCLI_InitDB(t *testing.T) {
	dbPath := setupCLI(t, http.NotFound)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"init-db", "--db", dbPath}, &stdout, &stderr)
	require.Equal(t, sync.ExitSuccess, code, stderr.String())
	assert.Contains(t, stdout.String(), "Schema ready (sqlite)")
	assert.FileExists(t, dbPath)
}

func TestCLI_ConfigShowMasksToken(t *testing.T) {
	setupCLI(t, http.NotFound)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"config", "show", "--format", "toml"}, &stdout, &stderr)
	require.Equal(t, sync.ExitSuccess, code, stderr.String())
	assert.Contains(t, stdout.String(), `token = "********"`)
	assert.NotContains(t, stdout.String(), "cli-token")
}

func TestCLI_UsageErrors(t *testing.T) {
	dbPath := setupCLI(t, http.NotFound)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown entity type", []string{"run", "--db", dbPath, "--entity-types", "widgets"}, "unknown entity type"},
		{"bad since", []string{"run", "--db", dbPath, "--entity-types", "customers", "--since", "whenever you like"}, "parse since"},
		{"bad format", []string{"status", "--db", dbPath, "--format", "csv"}, "unknown format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := execute(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, sync.ExitUsage, code)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}
