package incident

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// ApplyResult classifies what an incoming agent response did to its incident.
type ApplyResult int

const (
	// ResponseAccepted recorded the response; the stage is still waiting.
	ResponseAccepted ApplyResult = iota
	// ResponseCompleted recorded the response and it was the last one expected.
	ResponseCompleted
	// ResponseDuplicate matched a capability already recorded this stage.
	ResponseDuplicate
	// ResponseStale arrived for a closed stage or unknown incident.
	ResponseStale
)

const incidentStripes = 128

// Machine is the single writer of incident state. All mutations for one
// incident are serialized behind a keyed mutex; different incidents proceed
// in parallel. Every transition is persisted before it is acted on.
type Machine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	mu     [incidentStripes]sync.Mutex
}

// NewMachine constructs the state machine over the given store.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		logger: utils.Component(logger, "state-machine"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

func (m *Machine) lock(incidentID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(incidentID))
	mu := &m.mu[h.Sum32()%incidentStripes]
	mu.Lock()
	return mu.Unlock
}

// Create opens a new incident in the intake stage holding one alert. The
// correlation window decides how long intake stays open for alert merging.
func (m *Machine) Create(ctx context.Context, alert models.Alert, window time.Duration) (*models.Incident, error) {
	now := m.now().UTC()
	in := &models.Incident{
		ID:                   uuid.NewString(),
		Fingerprint:          alert.Fingerprint,
		Alerts:               []models.Alert{alert.Clone()},
		Stage:                models.StageIntake,
		StageStartedAt:       now,
		Status:               models.StatusOpen,
		CorrelationWindowEnd: now.Add(window),
		CreatedAt:            now,
		History: []models.StageRecord{
			{Stage: models.StageIntake, StartedAt: now},
		},
	}
	if err := m.store.Put(ctx, in); err != nil {
		return nil, utils.NewAppError("machine.create", "persist new incident", err)
	}
	m.logger.Info("incident created",
		slog.String("incident_id", in.ID),
		slog.String("fingerprint", in.Fingerprint),
		slog.String("alert", alert.Name()),
	)
	return in.Clone(), nil
}

// Append attaches an alert to an open incident. When refresh is set the
// alert re-fired for the same fingerprint: the prior revision's endsAt is
// merged forward. Redelivery of an already-attached alert is a no-op.
func (m *Machine) Append(ctx context.Context, incidentID string, alert models.Alert, refresh bool) (*models.Incident, error) {
	defer m.lock(incidentID)()

	in, ok, err := m.store.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !in.Open() {
		return nil, fmt.Errorf("incident %s is %s", incidentID, in.Status)
	}

	for _, existing := range in.Alerts {
		if existing.ID == alert.ID {
			return in.Clone(), nil
		}
	}

	if refresh {
		for i := len(in.Alerts) - 1; i >= 0; i-- {
			if in.Alerts[i].Fingerprint == alert.Fingerprint {
				in.Alerts[i].EndsAt = utils.MaxTime(in.Alerts[i].EndsAt, alert.EndsAt)
				break
			}
		}
	}
	in.Alerts = append(in.Alerts, alert.Clone())

	if err := m.store.Put(ctx, in); err != nil {
		return nil, utils.NewAppError("machine.append", "persist alert revision", err)
	}
	return in.Clone(), nil
}

// ApplyResponse validates and records an agent response against the
// incident's current stage. At most one response is accepted per
// (incident, capability, stage start); anything late or repeated is
// reported as stale or duplicate so the caller can ack and drop it.
func (m *Machine) ApplyResponse(ctx context.Context, resp models.AgentResponse) (ApplyResult, *models.Incident, error) {
	defer m.lock(resp.IncidentID)()

	in, ok, err := m.store.Get(ctx, resp.IncidentID)
	if err != nil {
		return ResponseStale, nil, err
	}
	if !ok || !in.Open() || !in.Expects(resp.Capability) {
		return ResponseStale, nil, nil
	}
	if _, seen := in.Received[resp.Capability]; seen {
		return ResponseDuplicate, in.Clone(), nil
	}

	if resp.ReceivedAt.IsZero() {
		resp.ReceivedAt = m.now().UTC()
	}
	if in.Received == nil {
		in.Received = make(map[models.Capability]models.AgentResponse)
	}
	in.Received[resp.Capability] = resp

	if resp.Capability == models.CapabilityRootCause && resp.Success && len(resp.Result) > 0 {
		in.RootCause = append([]byte(nil), resp.Result...)
	}

	if err := m.store.Put(ctx, in); err != nil {
		return ResponseStale, nil, utils.NewAppError("machine.apply", "persist response", err)
	}

	if len(in.Received) >= len(in.Expected) {
		return ResponseCompleted, in.Clone(), nil
	}
	return ResponseAccepted, in.Clone(), nil
}

// AdvanceStage closes the current stage and enters the next one with the
// given expected capability set. The token is the stage_started_at value
// the caller observed; a stale token means the incident already advanced
// and the signal is absorbed as a duplicate (nil incident, nil error).
//
// A stage closing short of full coverage, whether by timeout or analyzer
// failure, is marked degraded and the incident continues with whatever
// responses arrived.
func (m *Machine) AdvanceStage(ctx context.Context, incidentID string, token time.Time, expected []models.Capability) (*models.Incident, error) {
	defer m.lock(incidentID)()

	in, ok, err := m.store.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if !in.Open() || !in.StageStartedAt.Equal(token) {
		// Redelivered or raced stage-complete signal. Absorb silently.
		return nil, nil
	}

	now := m.now().UTC()
	missing := missingCapabilities(in)
	degraded := len(missing) > 0 && in.Stage != models.StageIntake

	if n := len(in.History); n > 0 && in.History[n-1].Stage == in.Stage {
		rec := &in.History[n-1]
		rec.CompletedAt = now
		rec.Degraded = degraded
		rec.Missing = missing
	}

	if len(in.Received) > 0 {
		if in.Results == nil {
			in.Results = make(map[models.Capability]models.AgentResponse, len(in.Received))
		}
		for c, r := range in.Received {
			in.Results[c] = r
		}
	}

	next, _ := in.Stage.Next()
	prevStage := in.Stage
	in.Stage = next
	in.StageStartedAt = now
	in.Received = nil

	if next.Terminal() {
		in.Expected = nil
		in.Status = models.StatusResolved
		if len(in.DegradedStages()) > 0 {
			in.Status = models.StatusDegraded
		}
	} else {
		in.Expected = append([]models.Capability(nil), expected...)
		in.History = append(in.History, models.StageRecord{Stage: next, StartedAt: now})
	}

	if err := m.store.Put(ctx, in); err != nil {
		return nil, utils.NewAppError("machine.advance", "persist transition", err)
	}

	m.logger.Info("stage advanced",
		slog.String("incident_id", in.ID),
		slog.String("from", string(prevStage)),
		slog.String("to", string(next)),
		slog.Bool("degraded", degraded),
		slog.Int("missing", len(missing)),
	)
	return in.Clone(), nil
}

// Get returns a snapshot of the incident.
func (m *Machine) Get(ctx context.Context, id string) (*models.Incident, bool, error) {
	return m.store.Get(ctx, id)
}

// missingCapabilities lists expected capabilities with no successful
// response. Never-answered and answered-with-failure both count.
func missingCapabilities(in *models.Incident) []models.Capability {
	var missing []models.Capability
	for _, c := range in.Expected {
		resp, ok := in.Received[c]
		if !ok || !resp.Success {
			missing = append(missing, c)
		}
	}
	return missing
}
