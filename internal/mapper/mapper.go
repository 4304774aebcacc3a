// Package mapper turns raw source records into canonical entities.
//
// Mapping is pure: it reads only the record and the catalog, never the store,
// the network or the clock, so the same record always maps to the same entity.
//
// Defaults applied when a field is absent or null:
//
//	customers.customer_type  residential
//	customers.balance_minor  0
//	jobs.status              scheduled
//	jobs.total_minor         0
//	estimates.status         draft
//	invoices.status          unpaid
//	tickets.status           open
//	tickets.priority         normal
//	files.content_type       application/octet-stream
//	files.size_bytes         0
//
// Other optional fields (contact details, dates) stay NULL.
package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
)

// Mapper maps records according to a catalog.
type Mapper struct {
	catalog *schema.Catalog
}

// New returns a Mapper over catalog.
func New(catalog *schema.Catalog) *Mapper {
	return &Mapper{catalog: catalog}
}

// Map converts one source record of entityType into a canonical entity stamped
// with prov. Every rejection is a *source.ValidationError scoped to the record.
func (m *Mapper) Map(entityType schema.EntityType, rec source.Record, prov schema.Provenance) (schema.Entity, error) {
	def, err := m.catalog.Lookup(entityType)
	if err != nil {
		return schema.Entity{}, err
	}

	invalid := func(id, field, format string, args ...any) error {
		return &source.ValidationError{
			EntityType: entityType,
			ExternalID: id,
			Field:      field,
			Reason:     fmt.Sprintf(format, args...),
		}
	}

	raw, path := lookupAny(rec, def.IDSource)
	id, err := scalarString(raw)
	if err != nil {
		return schema.Entity{}, invalid("", "id", "%v", err)
	}
	if id == "" {
		return schema.Entity{}, invalid("", "id", "missing external id")
	}
	if err := checkNamespace(id, prov); err != nil {
		return schema.Entity{}, invalid(id, path, "%v", err)
	}

	e := schema.Entity{
		Type:       entityType,
		ExternalID: id,
		Fields:     make(map[string]any, len(def.Columns)),
		Provenance: prov,
	}

	for _, col := range def.Columns {
		raw, _ := lookupAny(rec, col.Source)
		val, err := convert(col.Kind, raw)
		if err != nil {
			return schema.Entity{}, invalid(id, col.Name, "%v", err)
		}
		if val == nil {
			if col.Required {
				return schema.Entity{}, invalid(id, col.Name, "required field missing")
			}
			val = col.Default
		}
		e.Fields[col.Name] = val
	}

	for _, rel := range def.Relations {
		raw, _ := lookupAny(rec, rel.Source)
		target, err := scalarString(raw)
		if err != nil {
			return schema.Entity{}, invalid(id, rel.Column, "%v", err)
		}
		if target == "" {
			continue
		}
		if err := checkNamespace(target, prov); err != nil {
			return schema.Entity{}, invalid(id, rel.Column, "%v", err)
		}
		e.Relations = append(e.Relations, schema.RelationReference{
			Column:           rel.Column,
			TargetType:       rel.Target,
			TargetExternalID: target,
		})
	}

	return e, nil
}

func checkNamespace(id string, prov schema.Provenance) error {
	switch {
	case prov == schema.ProvenanceSynthetic && !schema.IsSyntheticID(id):
		return fmt.Errorf("synthetic record references non-synthetic id %q", id)
	case prov != schema.ProvenanceSynthetic && schema.IsSyntheticID(id):
		return fmt.Errorf("id %q is in the reserved synthetic namespace", id)
	}
	return nil
}

// lookupAny returns the first non-null value found at any of paths.
func lookupAny(rec source.Record, paths []string) (any, string) {
	for _, p := range paths {
		if v, ok := lookup(rec, p); ok && v != nil {
			return v, p
		}
	}
	return nil, ""
}

// lookup walks a dotted path through nested objects. A literal key containing
// the dot wins over the nested walk.
func lookup(rec map[string]any, path string) (any, bool) {
	if v, ok := rec[path]; ok {
		return v, true
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return nil, false
	}
	child, ok := rec[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

// convert normalizes raw for a column kind. A nil result means "absent".
func convert(kind schema.ColumnKind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch kind {
	case schema.KindMoney:
		if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return ParseMinorUnits(raw)
	case schema.KindDate:
		return parseDate(raw)
	case schema.KindInteger:
		return parseInteger(raw)
	default:
		s, err := scalarString(raw)
		if err != nil || s == "" {
			return nil, err
		}
		return s, nil
	}
}

// scalarString renders ids and text. Objects and arrays are rejected.
func scalarString(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", raw)
	}
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// parseDate accepts YYYY-MM-DD or a timestamp and keeps the calendar date as
// written, without shifting time zones.
func parseDate(raw any) (any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected a date string, got %T", raw)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Format(time.DateOnly), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly), nil
		}
	}
	return nil, fmt.Errorf("malformed date %q", s)
}

func parseInteger(raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return floatInteger(v.String())
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("expected an integer, got %v", v)
		}
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return floatInteger(s)
	default:
		return nil, fmt.Errorf("expected an integer, got %T", raw)
	}
}

func floatInteger(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("expected an integer, got %q", s)
	}
	return int64(f), nil
}
