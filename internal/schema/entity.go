// Package schema defines canonical entity types and the catalog of synced tables.
package schema

import (
	"fmt"
	"strings"
)

// EntityType names one synced collection (and its table).
type EntityType string

const (
	Customers EntityType = "customers"
	Jobs      EntityType = "jobs"
	Estimates EntityType = "estimates"
	Invoices  EntityType = "invoices"
	Tickets   EntityType = "tickets"
	Files     EntityType = "files"
)

// Provenance marks where a row came from.
type Provenance string

const (
	ProvenanceSource    Provenance = "source"
	ProvenanceSynthetic Provenance = "synthetic"
)

// SyntheticPrefix is the external id namespace reserved for fallback data.
// Real source records carrying this prefix are rejected by the mapper.
const SyntheticPrefix = "SYN-"

// RelationReference points from an entity column to another entity type's external id.
type RelationReference struct {
	Column           string
	TargetType       EntityType
	TargetExternalID string
}

// Entity is the canonical, typed form of one source record.
//
// Fields is keyed by column name. Values are string, int64 (money in minor
// units, integers) or nil. Dates are "2006-01-02" strings.
type Entity struct {
	Type       EntityType
	ExternalID string
	Fields     map[string]any
	Relations  []RelationReference
	Provenance Provenance
}

// Validate checks if the Entity has valid field values.
func (e *Entity) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("entity type is required")
	}
	if e.ExternalID == "" {
		return fmt.Errorf("external_id is required")
	}
	switch e.Provenance {
	case ProvenanceSource:
		if IsSyntheticID(e.ExternalID) {
			return fmt.Errorf("external_id %q is in the reserved synthetic namespace", e.ExternalID)
		}
	case ProvenanceSynthetic:
		if !IsSyntheticID(e.ExternalID) {
			return fmt.Errorf("synthetic external_id %q must start with %s", e.ExternalID, SyntheticPrefix)
		}
	default:
		return fmt.Errorf("invalid provenance %q", e.Provenance)
	}
	for _, rel := range e.Relations {
		if rel.Column == "" || rel.TargetType == "" || rel.TargetExternalID == "" {
			return fmt.Errorf("incomplete relation reference %+v", rel)
		}
	}
	return nil
}

// IsSyntheticID reports whether an external id belongs to the synthetic namespace.
func IsSyntheticID(externalID string) bool {
	return strings.HasPrefix(externalID, SyntheticPrefix)
}
