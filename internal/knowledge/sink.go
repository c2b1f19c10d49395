// Package knowledge persists finalized incident records to the external
// knowledge store. The write is best-effort enrichment: a failed persist is
// logged, never a reason to keep an incident open.
package knowledge

import (
	"context"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// Sink writes a resolved incident to the knowledge store.
type Sink interface {
	Persist(ctx context.Context, in *models.Incident) error
}

// NoopSink discards records. Used when no knowledge store is configured.
type NoopSink struct{}

// Persist does nothing.
func (NoopSink) Persist(context.Context, *models.Incident) error { return nil }
