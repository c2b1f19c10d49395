// Package coordinator ties the engine together: it consumes alerts and
// agent responses from the bus, drives incidents through the state machine,
// dispatches stage tasks, and persists resolved incidents to the knowledge
// sink. Errors within one incident never affect another.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/miradorstack/mirador-coordinator/internal/aggregate"
	"github.com/miradorstack/mirador-coordinator/internal/bus"
	"github.com/miradorstack/mirador-coordinator/internal/correlate"
	"github.com/miradorstack/mirador-coordinator/internal/dispatch"
	"github.com/miradorstack/mirador-coordinator/internal/incident"
	"github.com/miradorstack/mirador-coordinator/internal/ingest"
	"github.com/miradorstack/mirador-coordinator/internal/knowledge"
	"github.com/miradorstack/mirador-coordinator/internal/metrics"
	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// Config holds coordination policy.
type Config struct {
	// Enabled restricts which capabilities are dispatched to. Stages whose
	// entire capability set is disabled are skipped, not stalled.
	Enabled []models.Capability
	// PersistAttempts bounds knowledge sink retries.
	PersistAttempts int
}

// Coordinator is the service facade over the coordination engine.
type Coordinator struct {
	machine    *incident.Machine
	correlator *correlate.Correlator
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	sink       knowledge.Sink
	enabled    map[models.Capability]bool
	attempts   int
	logger     *slog.Logger
	latencies  *utils.LatencyTracker

	persists sync.WaitGroup
}

// New constructs the coordinator.
func New(
	machine *incident.Machine,
	correlator *correlate.Correlator,
	dispatcher *dispatch.Dispatcher,
	aggregator *aggregate.Aggregator,
	sink knowledge.Sink,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if sink == nil {
		sink = knowledge.NoopSink{}
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 5
	}
	enabled := make(map[models.Capability]bool)
	caps := cfg.Enabled
	if len(caps) == 0 {
		caps = models.AllCapabilities()
	}
	for _, capability := range caps {
		enabled[capability] = true
	}
	return &Coordinator{
		machine:    machine,
		correlator: correlator,
		dispatcher: dispatcher,
		aggregator: aggregator,
		sink:       sink,
		enabled:    enabled,
		attempts:   cfg.PersistAttempts,
		logger:     utils.Component(logger, "coordinator"),
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// HandleAlert processes one raw alert from the alert_stream subject.
// Normalization failures are permanent: the payload will never parse on
// redelivery, so the message is terminated rather than retried.
func (c *Coordinator) HandleAlert(ctx context.Context, data []byte) error {
	alert, err := ingest.Normalize(data)
	if err != nil {
		metrics.ObserveAlert(metrics.OutcomeRejected)
		return bus.Permanent(err)
	}

	incidentID, created, err := c.correlator.Resolve(ctx, alert)
	if err != nil {
		metrics.ObserveAlert(metrics.OutcomeError)
		return err
	}

	c.logger.Debug("alert resolved",
		slog.String("alert", alert.Name()),
		slog.String("incident_id", incidentID),
		slog.Bool("created", created),
	)
	return nil
}

// HandleResponse processes one agent response from orchestrator_response.
// Stale and duplicate responses return nil so the message is acked and
// redelivery stops without touching incident state.
func (c *Coordinator) HandleResponse(ctx context.Context, data []byte) error {
	var resp models.AgentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return bus.Permanent(fmt.Errorf("decode agent response: %w", err))
	}
	if resp.IncidentID == "" || resp.Capability == "" {
		return bus.Permanent(fmt.Errorf("agent response missing incident_id or capability"))
	}

	status, snapshot, err := c.aggregator.Accept(ctx, resp)
	if err != nil {
		return err
	}
	if status == aggregate.StatusComplete {
		c.Advance(ctx, snapshot)
	}
	return nil
}

// Advance closes the incident's current stage and walks it forward:
// dispatching the next stage's tasks, skipping stages with no enabled
// capability, and finalizing the incident when the pipeline ends. The same
// entry point serves stage completion, intake release, and timeout
// force-advance; the state machine's token check absorbs duplicates.
func (c *Coordinator) Advance(ctx context.Context, snapshot *models.Incident) {
	for snapshot != nil && !snapshot.Stage.Terminal() {
		prevStage := snapshot.Stage
		token := snapshot.StageStartedAt
		next, _ := prevStage.Next()

		advanced, err := c.machine.AdvanceStage(ctx, snapshot.ID, token, c.expectedFor(next))
		if err != nil {
			c.logger.Error("stage advance failed",
				slog.String("incident_id", snapshot.ID),
				slog.String("stage", string(prevStage)),
				slog.Any("error", err),
			)
			return
		}
		if advanced == nil {
			// Another worker or a redelivered signal got here first.
			return
		}

		c.observeStage(advanced, prevStage)

		if advanced.Stage.Terminal() {
			c.finalize(advanced)
			return
		}
		if len(advanced.Expected) > 0 {
			if _, err := c.dispatcher.Dispatch(ctx, advanced); err != nil {
				c.logger.Warn("partial dispatch",
					slog.String("incident_id", advanced.ID),
					slog.String("stage", string(advanced.Stage)),
					slog.Any("error", err),
				)
			}
			return
		}
		snapshot = advanced
	}
}

// expectedFor intersects a stage's capability set with the enabled set.
func (c *Coordinator) expectedFor(stage models.Stage) []models.Capability {
	var out []models.Capability
	for _, capability := range models.StageCapabilities(stage) {
		if c.enabled[capability] {
			out = append(out, capability)
		}
	}
	return out
}

func (c *Coordinator) observeStage(in *models.Incident, stage models.Stage) {
	for i := len(in.History) - 1; i >= 0; i-- {
		rec := in.History[i]
		if rec.Stage != stage || rec.CompletedAt.IsZero() {
			continue
		}
		duration := rec.CompletedAt.Sub(rec.StartedAt)
		metrics.ObserveStage(string(stage), duration, rec.Degraded)
		if stage != models.StageIntake {
			c.latencies.Observe(duration)
			if count := c.latencies.Count(); count >= 20 && count%20 == 0 {
				c.logger.Info("stage latency",
					slog.Duration("p95", c.latencies.Percentile(95)),
					slog.Int("samples", count),
				)
			}
		}
		return
	}
}

// finalize logs closure and hands the record to the knowledge sink in the
// background. The persist is best-effort enrichment: the incident is
// already resolved in the coordinator's own store whatever happens here.
func (c *Coordinator) finalize(in *models.Incident) {
	c.logger.Info("incident resolved",
		slog.String("incident_id", in.ID),
		slog.String("status", string(in.Status)),
		slog.Int("alerts", len(in.Alerts)),
		slog.Int("degraded_stages", len(in.DegradedStages())),
	)

	record := in.Clone()
	c.persists.Add(1)
	go func() {
		defer c.persists.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.sink.Persist(ctx, record)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(uint(c.attempts)),
		)
		if err != nil {
			metrics.ObserveKnowledgePersist("error")
			c.logger.Error("knowledge persist failed",
				slog.String("incident_id", record.ID),
				slog.Any("error", err),
			)
			return
		}
		metrics.ObserveKnowledgePersist("success")
	}()
}

// Drain waits for background knowledge writes to finish. Called on shutdown.
func (c *Coordinator) Drain() {
	c.persists.Wait()
}
