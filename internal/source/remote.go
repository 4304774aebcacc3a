package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

const (
	defaultTenantHeader  = "X-Tenant-ID"
	defaultSinceParam    = "updated_since"
	defaultRecordsKey    = "data"
	defaultPageSize      = 100
	defaultMaxAttempts   = 5
	defaultMaxRetryAfter = 2 * time.Minute
	maxBodyBytes         = 32 << 20
)

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	BaseURL      string
	Token        string
	TenantID     string
	TenantHeader string
	UserAgent    string
	Endpoints    map[schema.EntityType]Endpoint

	// Since restricts fetches to records changed after it, when non-zero.
	Since      time.Time
	SinceParam string

	// MaxAttempts bounds tries per page for retryable failures (default 5).
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetryAfter caps a server Retry-After delay (default 2m). The wait
	// holds a limiter permit.
	MaxRetryAfter time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RemoteSource fetches pages from the authenticated REST API.
// It is safe for concurrent use.
type RemoteSource struct {
	base      *url.URL
	cfg       RemoteConfig
	client    *http.Client
	logger    *slog.Logger
	endpoints map[schema.EntityType]Endpoint
}

// NewRemoteSource validates cfg and returns a RemoteSource.
func NewRemoteSource(cfg RemoteConfig) (*RemoteSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("API token is required")
	}
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = defaultTenantHeader
	}
	if cfg.SinceParam == "" {
		cfg.SinceParam = defaultSinceParam
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "fieldsync"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = defaultMaxRetryAfter
	}

	endpoints := make(map[schema.EntityType]Endpoint, len(cfg.Endpoints))
	for t, ep := range cfg.Endpoints {
		if ep.Path == "" {
			ep.Path = "/" + string(t)
		}
		if ep.Pagination == "" {
			ep.Pagination = PaginationPage
		}
		if ep.PageSize <= 0 {
			ep.PageSize = defaultPageSize
		}
		if ep.RecordsKey == "" {
			ep.RecordsKey = defaultRecordsKey
		}
		endpoints[t] = ep
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RemoteSource{
		base:      base,
		cfg:       cfg,
		client:    client,
		logger:    logger,
		endpoints: endpoints,
	}, nil
}

// Name implements Source.
func (s *RemoteSource) Name() string { return "remote" }

// Provenance implements Source.
func (s *RemoteSource) Provenance() schema.Provenance { return schema.ProvenanceSource }

// Endpoint returns the endpoint configured for entityType.
func (s *RemoteSource) Endpoint(entityType schema.EntityType) (Endpoint, bool) {
	ep, ok := s.endpoints[entityType]
	return ep, ok
}

// FetchPage implements Source. Rate-limit and transient failures are retried
// up to MaxAttempts; other failures return immediately.
func (s *RemoteSource) FetchPage(ctx context.Context, entityType schema.EntityType, cursor Cursor) (Page, error) {
	ep, ok := s.endpoints[entityType]
	if !ok {
		return Page{}, fmt.Errorf("%w: no endpoint for %s", schema.ErrUnknownEntityType, entityType)
	}
	if cursor.Size <= 0 {
		cursor = FirstCursor(ep.PageSize).At(max(cursor.Page, 1))
	}

	return s.retry(ctx, entityType, cursor, func() (Page, error) {
		return s.fetchOnce(ctx, entityType, ep, cursor)
	})
}

func (s *RemoteSource) fetchOnce(ctx context.Context, entityType schema.EntityType, ep Endpoint, cursor Cursor) (Page, error) {
	u := s.base.JoinPath(ep.Path)
	q := u.Query()
	ep.Pagination.Apply(q, cursor)
	if !s.cfg.Since.IsZero() {
		q.Set(s.cfg.SinceParam, s.cfg.Since.UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	if s.cfg.TenantID != "" {
		req.Header.Set(s.cfg.TenantHeader, s.cfg.TenantID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, context.Cause(ctx)
		}
		return Page{}, &TransientNetworkError{EntityType: entityType, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return Page{}, context.Cause(ctx)
		}
		return Page{}, &TransientNetworkError{EntityType: entityType, StatusCode: resp.StatusCode, Err: err}
	}

	if err := classifyStatus(entityType, resp, body); err != nil {
		return Page{}, err
	}

	page, more, err := decodePage(body, ep.RecordsKey, ep.TotalKey)
	if err != nil {
		return Page{}, &ValidationError{EntityType: entityType, StatusCode: resp.StatusCode, Reason: err.Error()}
	}
	page.Cursor = cursor
	page.Next = cursor.Next()
	if page.Total >= 0 && page.Total < cursor.Offset+len(page.Records) {
		// The reported total is not the collection size.
		s.logger.Debug("ignoring inconsistent total",
			"entity_type", entityType,
			"page", cursor.Page,
			"total", page.Total,
			"seen", cursor.Offset+len(page.Records))
		page.Total = -1
		page.TotalPages = 0
	}
	if page.TotalPages == 0 && page.Total >= 0 && cursor.Size > 0 {
		page.TotalPages = (page.Total + cursor.Size - 1) / cursor.Size
	}
	page.HasMore = hasMore(page, cursor, more)
	return page, nil
}

// hasMore decides whether another page follows. An explicit has_more flag
// wins, then the reported page count, then a full page.
func hasMore(page Page, cursor Cursor, explicit *bool) bool {
	switch {
	case explicit != nil:
		return *explicit
	case len(page.Records) == 0:
		return false
	case page.TotalPages > 0:
		return cursor.Page < page.TotalPages
	default:
		return len(page.Records) >= cursor.Size
	}
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(entityType schema.EntityType, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthenticationError{EntityType: entityType, StatusCode: code, Message: snippet(body)}
	case code == http.StatusTooManyRequests:
		return &RateLimitError{EntityType: entityType, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case code >= 500:
		return &TransientNetworkError{
			EntityType: entityType,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        errors.New(snippet(body)),
		}
	default:
		return &ValidationError{EntityType: entityType, StatusCode: code, Reason: snippet(body)}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

// decodePage parses either a bare JSON array or an envelope object holding
// the records under recordsKey plus optional paging metadata. totalKey, when
// set, is the only place a total is read from.
func decodePage(body []byte, recordsKey, totalKey string) (Page, *bool, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Page{}, nil, fmt.Errorf("decode body: %w", err)
	}

	page := Page{Total: -1}
	var more *bool
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		arr, ok := v[recordsKey].([]any)
		if !ok {
			if v[recordsKey] != nil {
				return Page{}, nil, fmt.Errorf("%q is not an array", recordsKey)
			}
		}
		items = arr
		more = readMeta(&page, v, totalKey == "", more)
		for _, key := range []string{"meta", "pagination"} {
			if m, ok := v[key].(map[string]any); ok {
				more = readMeta(&page, m, totalKey == "", more)
			}
		}
		if totalKey != "" {
			if n, ok := asInt(lookupPath(v, totalKey)); ok {
				page.Total = n
			}
		}
	default:
		return Page{}, nil, fmt.Errorf("unexpected JSON body of type %T", raw)
	}

	page.Records = make([]Record, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			// Keep the slot so the mapper rejects it and the phase counts it.
			obj = map[string]any{}
		}
		page.Records = append(page.Records, Record(obj))
	}
	return page, more, nil
}

// readMeta reads paging metadata from one level of the envelope. Only keys
// that unambiguously describe the whole collection are honoured.
func readMeta(page *Page, m map[string]any, totals bool, more *bool) *bool {
	if totals {
		for _, key := range []string{"total", "total_count"} {
			if n, ok := asInt(m[key]); ok {
				page.Total = n
				break
			}
		}
	}
	if n, ok := asInt(m["total_pages"]); ok {
		page.TotalPages = n
	}
	if b, ok := m["has_more"].(bool); ok {
		more = &b
	}
	return more
}

func lookupPath(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
