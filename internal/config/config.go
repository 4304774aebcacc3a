// Package config loads fieldsync configuration from defaults, an optional
// config file, FIELDSYNC_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_API_TOKEN.
const EnvPrefix = "FIELDSYNC"

// Config holds all configuration values.
type Config struct {
	API      APIConfig               `mapstructure:"api"`
	Store    StoreConfig             `mapstructure:"store"`
	Sync     SyncConfig              `mapstructure:"sync"`
	Fallback FallbackConfig          `mapstructure:"fallback"`
	Log      LogConfig               `mapstructure:"log"`
	Entities map[string]EntityConfig `mapstructure:"entities"`
}

// APIConfig describes the source API.
type APIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	TokenSecretID string        `mapstructure:"token_secret_id"`
	AWSRegion     string        `mapstructure:"aws_region"`
	TenantID      string        `mapstructure:"tenant_id"`
	TenantHeader  string        `mapstructure:"tenant_header"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SinceParam    string        `mapstructure:"since_param"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	MaxRetryAfter time.Duration `mapstructure:"max_retry_after"`
}

// StoreConfig selects the relational store.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// SyncConfig tunes a run.
type SyncConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	PageSize       int           `mapstructure:"page_size"`
	ErrorThreshold float64       `mapstructure:"error_threshold"`
	EntityTypes    []string      `mapstructure:"entity_types"`
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after"`
}

// FallbackConfig controls synthetic data generation.
type FallbackConfig struct {
	Enabled        bool  `mapstructure:"enabled"`
	Seed           int64 `mapstructure:"seed"`
	RecordsPerType int   `mapstructure:"records_per_type"`
	PurgeOnSuccess bool  `mapstructure:"purge_on_success"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// EntityConfig overrides the endpoint of one entity type.
type EntityConfig struct {
	Path       string `mapstructure:"path"`
	Pagination string `mapstructure:"pagination"`
	PageSize   int    `mapstructure:"page_size"`
	RecordsKey string `mapstructure:"records_key"`
	TotalKey   string `mapstructure:"total_key"`
}

// New returns a viper instance with defaults and environment overrides set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.token_secret_id", "")
	v.SetDefault("api.aws_region", "")
	v.SetDefault("api.tenant_id", "")
	v.SetDefault("api.tenant_header", "X-Tenant-ID")
	v.SetDefault("api.timeout", "60s")
	v.SetDefault("api.since_param", "updated_since")
	v.SetDefault("api.max_attempts", 5)
	v.SetDefault("api.max_retry_after", "2m")

	v.SetDefault("store.driver", db.DriverSQLite)
	v.SetDefault("store.dsn", "fieldsync.db")
	v.SetDefault("store.max_open_conns", 25)

	v.SetDefault("sync.concurrency", 16)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.error_threshold", 0.5)
	v.SetDefault("sync.entity_types", []string{})
	v.SetDefault("sync.lock_stale_after", "2h")

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.seed", 1)
	v.SetDefault("fallback.records_per_type", source.DefaultSyntheticCount)
	v.SetDefault("fallback.purge_on_success", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads the config file and unmarshals the effective configuration.
//
// When path is empty, fieldsync.yaml is searched in the working directory
// and in $HOME/.config/fieldsync; a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "fieldsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Sync.EntityTypes = splitList(cfg.Sync.EntityTypes)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %s or %s, got %q", db.DriverSQLite, db.DriverPostgres, c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Sync.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize))
	}
	if c.Sync.ErrorThreshold <= 0 || c.Sync.ErrorThreshold > 1 {
		errs = append(errs, fmt.Errorf("sync.error_threshold must be in (0, 1], got %g", c.Sync.ErrorThreshold))
	}
	if c.Fallback.RecordsPerType <= 0 {
		errs = append(errs, fmt.Errorf("fallback.records_per_type must be positive, got %d", c.Fallback.RecordsPerType))
	}
	for name, e := range c.Entities {
		if e.Pagination == "" {
			continue
		}
		if _, err := source.ParsePaginationStyle(e.Pagination); err != nil {
			errs = append(errs, fmt.Errorf("entities.%s.pagination: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Endpoints returns one endpoint per catalog type, applying the entities.*
// overrides. Overrides for types missing from the catalog are rejected.
func (c *Config) Endpoints(catalog *schema.Catalog) (map[schema.EntityType]source.Endpoint, error) {
	order := catalog.Order()
	for name := range c.Entities {
		if !slices.Contains(order, schema.EntityType(name)) {
			return nil, fmt.Errorf("entities.%s: %w", name, schema.ErrUnknownEntityType)
		}
	}

	out := make(map[schema.EntityType]source.Endpoint, len(order))
	for _, t := range order {
		ep := source.Endpoint{Path: "/" + string(t), Pagination: source.PaginationPage, PageSize: c.Sync.PageSize}
		if o, ok := c.Entities[string(t)]; ok {
			if o.Path != "" {
				ep.Path = o.Path
			}
			if o.Pagination != "" {
				style, err := source.ParsePaginationStyle(o.Pagination)
				if err != nil {
					return nil, fmt.Errorf("entities.%s.pagination: %w", t, err)
				}
				ep.Pagination = style
			}
			if o.PageSize > 0 {
				ep.PageSize = o.PageSize
			}
			ep.RecordsKey = o.RecordsKey
			ep.TotalKey = o.TotalKey
		}
		out[t] = ep
	}
	return out, nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.API.Token != "" {
		c.API.Token = "********"
	}
	return c
}

// splitList accepts both list values and a single comma-separated string,
// the form environment variables take.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
