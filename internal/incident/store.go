// Package incident owns the incident lifecycle: the durable store contract
// and the state machine that is the only writer of incident records.
package incident

import (
	"context"
	"errors"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// ErrNotFound is returned when an incident id resolves to nothing.
var ErrNotFound = errors.New("incident not found")

// Store persists incidents and the open-fingerprint index. Put is called on
// every state transition, so a restart never loses an in-flight incident.
// Implementations must return copies; callers own what they receive.
type Store interface {
	// Put writes the full incident record, replacing any previous revision.
	Put(ctx context.Context, in *models.Incident) error
	// Get returns the incident by id.
	Get(ctx context.Context, id string) (*models.Incident, bool, error)
	// OpenByFingerprint returns the open incident whose most recent alert
	// carries the fingerprint, if any. Closed incidents are not indexed.
	OpenByFingerprint(ctx context.Context, fingerprint string) (*models.Incident, bool, error)
	// ListOpen returns every incident still being coordinated.
	ListOpen(ctx context.Context) ([]*models.Incident, error)
}
