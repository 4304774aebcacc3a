package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// document is the printable form of Config. Durations are rendered as
// strings such as "2h0m0s" so both encoders agree.
type document struct {
	API struct {
		BaseURL       string `yaml:"base_url" toml:"base_url"`
		Token         string `yaml:"token" toml:"token"`
		TokenSecretID string `yaml:"token_secret_id" toml:"token_secret_id"`
		AWSRegion     string `yaml:"aws_region" toml:"aws_region"`
		TenantID      string `yaml:"tenant_id" toml:"tenant_id"`
		TenantHeader  string `yaml:"tenant_header" toml:"tenant_header"`
		Timeout       string `yaml:"timeout" toml:"timeout"`
		SinceParam    string `yaml:"since_param" toml:"since_param"`
		MaxAttempts   int    `yaml:"max_attempts" toml:"max_attempts"`
		MaxRetryAfter string `yaml:"max_retry_after" toml:"max_retry_after"`
	} `yaml:"api" toml:"api"`
	Store struct {
		Driver       string `yaml:"driver" toml:"driver"`
		DSN          string `yaml:"dsn" toml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	} `yaml:"store" toml:"store"`
	Sync struct {
		Concurrency    int      `yaml:"concurrency" toml:"concurrency"`
		PageSize       int      `yaml:"page_size" toml:"page_size"`
		ErrorThreshold float64  `yaml:"error_threshold" toml:"error_threshold"`
		EntityTypes    []string `yaml:"entity_types" toml:"entity_types"`
		LockStaleAfter string   `yaml:"lock_stale_after" toml:"lock_stale_after"`
	} `yaml:"sync" toml:"sync"`
	Fallback struct {
		Enabled        bool  `yaml:"enabled" toml:"enabled"`
		Seed           int64 `yaml:"seed" toml:"seed"`
		RecordsPerType int   `yaml:"records_per_type" toml:"records_per_type"`
		PurgeOnSuccess bool  `yaml:"purge_on_success" toml:"purge_on_success"`
	} `yaml:"fallback" toml:"fallback"`
	Log struct {
		Level string `yaml:"level" toml:"level"`
		File  string `yaml:"file" toml:"file"`
	} `yaml:"log" toml:"log"`
	Entities map[string]entityDocument `yaml:"entities,omitempty" toml:"entities,omitempty"`
}

type entityDocument struct {
	Path       string `yaml:"path,omitempty" toml:"path,omitempty"`
	Pagination string `yaml:"pagination,omitempty" toml:"pagination,omitempty"`
	PageSize   int    `yaml:"page_size,omitempty" toml:"page_size,omitempty"`
	RecordsKey string `yaml:"records_key,omitempty" toml:"records_key,omitempty"`
	TotalKey   string `yaml:"total_key,omitempty" toml:"total_key,omitempty"`
}

func toDocument(c Config) document {
	var d document
	d.API.BaseURL = c.API.BaseURL
	d.API.Token = c.API.Token
	d.API.TokenSecretID = c.API.TokenSecretID
	d.API.AWSRegion = c.API.AWSRegion
	d.API.TenantID = c.API.TenantID
	d.API.TenantHeader = c.API.TenantHeader
	d.API.Timeout = c.API.Timeout.String()
	d.API.SinceParam = c.API.SinceParam
	d.API.MaxAttempts = c.API.MaxAttempts
	d.API.MaxRetryAfter = c.API.MaxRetryAfter.String()

	d.Store.Driver = c.Store.Driver
	d.Store.DSN = c.Store.DSN
	d.Store.MaxOpenConns = c.Store.MaxOpenConns

	d.Sync.Concurrency = c.Sync.Concurrency
	d.Sync.PageSize = c.Sync.PageSize
	d.Sync.ErrorThreshold = c.Sync.ErrorThreshold
	d.Sync.EntityTypes = c.Sync.EntityTypes
	if d.Sync.EntityTypes == nil {
		d.Sync.EntityTypes = []string{}
	}
	d.Sync.LockStaleAfter = c.Sync.LockStaleAfter.String()

	d.Fallback.Enabled = c.Fallback.Enabled
	d.Fallback.Seed = c.Fallback.Seed
	d.Fallback.RecordsPerType = c.Fallback.RecordsPerType
	d.Fallback.PurgeOnSuccess = c.Fallback.PurgeOnSuccess

	d.Log.Level = c.Log.Level
	d.Log.File = c.Log.File

	if len(c.Entities) > 0 {
		d.Entities = make(map[string]entityDocument, len(c.Entities))
		for name, e := range c.Entities {
			d.Entities[name] = entityDocument(e)
		}
	}
	return d
}

// Write renders c as "yaml" or "toml". Callers print Redacted copies.
func Write(w io.Writer, c Config, format string) error {
	d := toDocument(c)
	switch format {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(d); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q (want yaml or toml)", format)
	}
}
