// Package schema defines the canonical entity model for fieldsync.
//
// # Entity Types
//
// Each synced collection is described by a Definition: its table, the source
// field paths feeding each column, and its relation columns. The default
// catalog covers the field-service collections:
//
//	customers ─┬─> jobs ─┬─> estimates
//	           │         ├─> invoices
//	           │         ├─> tickets
//	           │         └─> files
//	           └─────────┴─> (estimates, invoices, tickets also reference customers)
//
// # Dependency Order
//
// Catalog.Order returns types so that every relation target precedes its
// dependents. The sync orchestrator runs one phase per type in this order,
// which is what lets a dependent phase resolve relations against rows that
// already exist.
//
// # Provenance
//
// Rows written from the remote API carry ProvenanceSource. Rows produced by
// the fallback generator carry ProvenanceSynthetic and an external id under
// SyntheticPrefix, so the two namespaces never collide.
package schema
