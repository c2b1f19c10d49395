// Package aggregate collects agent responses for an incident's current
// stage and watches stage deadlines. Completion and timeout both release
// the stage; the difference is only whether it is flagged degraded.
package aggregate

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-coordinator/internal/incident"
	"github.com/miradorstack/mirador-coordinator/internal/metrics"
	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// StageStatus is the observable effect of accepting one response.
type StageStatus int

const (
	// StatusPending means the response was recorded and more are expected.
	StatusPending StageStatus = iota
	// StatusComplete means every expected capability has now responded.
	StatusComplete
	// StatusAlreadyClosed means the response was stale or duplicate; it was
	// discarded and must be acked so the bus stops redelivering it.
	StatusAlreadyClosed
)

// Aggregator validates responses against the state machine and reports
// stage completion to the caller.
type Aggregator struct {
	machine *incident.Machine
	logger  *slog.Logger
}

// New constructs an aggregator over the state machine.
func New(machine *incident.Machine, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		machine: machine,
		logger:  utils.Component(logger, "aggregator"),
	}
}

// Accept records an agent response. The returned incident snapshot is nil
// for StatusAlreadyClosed. Accepting the same response any number of times
// yields exactly one recorded effect.
func (a *Aggregator) Accept(ctx context.Context, resp models.AgentResponse) (StageStatus, *models.Incident, error) {
	result, snapshot, err := a.machine.ApplyResponse(ctx, resp)
	if err != nil {
		return StatusPending, nil, err
	}

	capability := string(resp.Capability)
	switch result {
	case incident.ResponseStale:
		metrics.ObserveResponse(capability, "stale")
		a.logger.Debug("stale response discarded",
			slog.String("incident_id", resp.IncidentID),
			slog.String("capability", capability),
		)
		return StatusAlreadyClosed, nil, nil
	case incident.ResponseDuplicate:
		metrics.ObserveResponse(capability, "duplicate")
		return StatusAlreadyClosed, nil, nil
	case incident.ResponseCompleted:
		a.observe(resp)
		return StatusComplete, snapshot, nil
	default:
		a.observe(resp)
		return StatusPending, snapshot, nil
	}
}

func (a *Aggregator) observe(resp models.AgentResponse) {
	outcome := "accepted"
	if !resp.Success {
		outcome = "failed"
	}
	metrics.ObserveResponse(string(resp.Capability), outcome)
}
