// Package dispatch publishes agent tasks for an incident's current stage.
// The state machine records the expected capability set before the first
// publish, so a fast response can never arrive for an unrecorded stage.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-coordinator/internal/bus"
	"github.com/miradorstack/mirador-coordinator/internal/metrics"
	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// Dispatcher publishes one AgentTask per expected capability.
type Dispatcher struct {
	bus    bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a dispatcher over the given bus.
func New(b bus.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:    b,
		logger: utils.Component(logger, "dispatcher"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch publishes a task to each capability in the incident's expected
// set and returns the task IDs. A failed publish is logged and skipped: the
// capability will simply be missing at the stage deadline, which degrades
// the stage rather than failing the incident.
func (d *Dispatcher) Dispatch(ctx context.Context, in *models.Incident) ([]string, error) {
	if len(in.Expected) == 0 {
		return nil, nil
	}

	now := d.now().UTC()
	taskIDs := make([]string, 0, len(in.Expected))
	var errs []error

	for _, capability := range in.Expected {
		task := models.AgentTask{
			TaskID:     uuid.NewString(),
			IncidentID: in.ID,
			Capability: capability,
			Payload:    BuildPayload(capability, in, now),
			IssuedAt:   now,
			Attempt:    1,
		}
		data, err := json.Marshal(task)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode task for %s: %w", capability, err))
			continue
		}
		if err := d.bus.Publish(ctx, capability.Subject(), data); err != nil {
			d.logger.Warn("task publish failed",
				slog.String("incident_id", in.ID),
				slog.String("capability", string(capability)),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		metrics.ObserveTaskPublished(string(capability))
		taskIDs = append(taskIDs, task.TaskID)
	}

	d.logger.Info("stage dispatched",
		slog.String("incident_id", in.ID),
		slog.String("stage", string(in.Stage)),
		slog.Int("tasks", len(taskIDs)),
	)
	return taskIDs, errors.Join(errs...)
}
