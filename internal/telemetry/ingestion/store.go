// Package ingestion pulls security event documents from the event store and
// writes them into the event repository incrementally.
package ingestion

import (
	"context"
	"time"

	"github.com/lvonguyen/threatpulse/internal/telemetry/normalization"
)

// Hit is one document returned by the event store
type Hit struct {
	ID     string                    `json:"id"`
	Index  string                    `json:"index"`
	Source normalization.RawDocument `json:"source"`
}

// Query selects documents carrying any of the marker fields, ascending by
// event time and optionally restricted to documents newer than Since.
type Query struct {
	MarkerFields []string
	Since        *time.Time
	PageSize     int
	KeepAlive    time.Duration
}

// PageIterator walks a server-side pagination handle
type PageIterator interface {
	// Next returns the next page, or io.EOF once the result set is exhausted
	Next(ctx context.Context) ([]Hit, error)
	// Close releases the server-side handle. Safe to call more than once.
	Close(ctx context.Context) error
}

// EventStore is a searchable store of security event documents
type EventStore interface {
	// Name returns the store name
	Name() string
	// Scroll opens a paginated query
	Scroll(ctx context.Context, q Query) (PageIterator, error)
	// HealthCheck verifies connectivity
	HealthCheck(ctx context.Context) error
}

// DefaultMarkerFields are the vendor fields whose presence qualifies a document
func DefaultMarkerFields() []string {
	return []string{
		"palo-xsiam.mitre_tactics_ids_and_names",
		"crowdstrike.event.MitreAttack",
		"suricata.classification",
	}
}
