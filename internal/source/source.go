// Package source fetches entity pages from where records originate: the remote
// REST API, or the seeded synthetic generator used when the API is unusable.
package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// Record is one raw source record as decoded from a page. JSON numbers are
// kept as json.Number so decimal amounts are not rounded through float64.
type Record map[string]any

// Cursor addresses one page. Page is 1-based; Offset is kept in step with it
// so either convention can be sent.
type Cursor struct {
	Page   int
	Size   int
	Offset int
}

// FirstCursor returns the cursor of the first page.
func FirstCursor(size int) Cursor {
	return Cursor{Page: 1, Size: size, Offset: 0}
}

// At returns the cursor of the given 1-based page with the same size.
func (c Cursor) At(page int) Cursor {
	return Cursor{Page: page, Size: c.Size, Offset: (page - 1) * c.Size}
}

// Next returns the cursor of the following page.
func (c Cursor) Next() Cursor {
	return c.At(c.Page + 1)
}

// Page is one fetched page of records.
type Page struct {
	Records []Record
	Cursor  Cursor
	Next    Cursor
	HasMore bool
	// Total is the number of records the source reports for the collection,
	// -1 when unknown.
	Total int
	// TotalPages is the page count the source reports (or that Total implies),
	// 0 when unknown.
	TotalPages int
}

// Source yields pages of raw records for an entity type.
type Source interface {
	// Name identifies the source in logs and reports.
	Name() string
	// Provenance is stamped on every entity mapped from this source.
	Provenance() schema.Provenance
	// FetchPage fetches one page of entityType at cursor.
	FetchPage(ctx context.Context, entityType schema.EntityType, cursor Cursor) (Page, error)
}

// PaginationStyle is the query convention an endpoint uses for paging.
type PaginationStyle string

const (
	// PaginationPage sends ?page=N&per_page=S.
	PaginationPage PaginationStyle = "page"
	// PaginationJSONAPI sends ?page[number]=N&page[size]=S.
	PaginationJSONAPI PaginationStyle = "jsonapi"
	// PaginationOffset sends ?offset=O&limit=S.
	PaginationOffset PaginationStyle = "offset"
)

// ParsePaginationStyle validates a configured pagination style.
func ParsePaginationStyle(s string) (PaginationStyle, error) {
	switch PaginationStyle(s) {
	case PaginationPage, PaginationJSONAPI, PaginationOffset:
		return PaginationStyle(s), nil
	case "":
		return PaginationPage, nil
	default:
		return "", fmt.Errorf("unknown pagination style %q (want page, jsonapi or offset)", s)
	}
}

// Apply writes the cursor into query parameters.
func (s PaginationStyle) Apply(q url.Values, c Cursor) {
	switch s {
	case PaginationJSONAPI:
		q.Set("page[number]", strconv.Itoa(c.Page))
		q.Set("page[size]", strconv.Itoa(c.Size))
	case PaginationOffset:
		q.Set("offset", strconv.Itoa(c.Offset))
		q.Set("limit", strconv.Itoa(c.Size))
	default:
		q.Set("page", strconv.Itoa(c.Page))
		q.Set("per_page", strconv.Itoa(c.Size))
	}
}

// Endpoint configures how one entity type is fetched.
type Endpoint struct {
	Path       string
	Pagination PaginationStyle
	PageSize   int
	// RecordsKey is the envelope key holding the record array. Empty means "data".
	RecordsKey string
	// TotalKey is a dotted path to the collection total, e.g. "meta.count".
	// Empty reads total or total_count from the envelope, meta or pagination.
	TotalKey string
}
