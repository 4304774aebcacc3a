// Package db is the relational store for synced entities.
//
// It owns the connection pool, the schema bootstrap derived from the entity
// catalog, the upsert writer, the per-run job state rows and the run lock.
//
// Two drivers are supported:
//   - sqlite (default): embedded SQLite via ncruces/go-sqlite3 with WAL, a
//     busy timeout, foreign keys on and IMMEDIATE write transactions
//   - postgres: pgx through database/sql
//
// All SQL is written with ? placeholders and rebound for the active dialect.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// Driver names accepted by Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Config selects and tunes the store.
type Config struct {
	Driver string
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN          string
	MaxOpenConns int
	Logger       *slog.Logger
}

// DB wraps the connection pool with the catalog it stores.
type DB struct {
	conn    *sql.DB
	dialect dialect
	catalog *schema.Catalog
	logger  *slog.Logger
}

// Open connects to the store described by cfg. The schema is not created;
// call InitSchema.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, cfg Config, catalog *schema.Catalog) (*DB, error) {
	if catalog == nil {
		catalog = schema.DefaultCatalog()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		d          dialect
		driverName string
		dsn        string
	)
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite, "sqlite3":
		if cfg.DSN == "" {
			return nil, errors.New("sqlite store requires a database path")
		}
		if cfg.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		d, driverName = sqliteDialect, "sqlite3"
		dsn = sqliteDSN(cfg.DSN)
	case DriverPostgres, "pgx", "postgresql":
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires a connection string")
		}
		d, driverName, dsn = postgresDialect, "pgx", cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported store driver %q (want sqlite or postgres)", cfg.Driver)
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, dialect: d, catalog: catalog, logger: logger}, nil
}

// sqliteDSN builds a DSN whose pragmas apply to every pooled connection.
func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(wal)" +
		"&_txlock=immediate"
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Driver reports the active dialect name.
func (db *DB) Driver() string {
	return db.dialect.name
}

// Catalog returns the catalog the store was opened with.
func (db *DB) Catalog() *schema.Catalog {
	return db.catalog
}

// Close closes the pool, checkpointing the SQLite WAL first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if db.dialect.name == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warn("failed to checkpoint WAL", "error", err)
		}
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.dialect.rebind(q), args...)
}

func (db *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.dialect.rebind(q), args...)
}

func (db *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.dialect.rebind(q), args...)
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
