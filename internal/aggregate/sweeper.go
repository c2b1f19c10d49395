package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/incident"
	"github.com/miradorstack/mirador-coordinator/internal/metrics"
	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// Sweeper is the sole timeout mechanism in the engine. On a fixed tick it
// releases intake incidents whose correlation window has closed and
// force-advances stages past their deadline. There is no cooperative
// cancellation of in-flight analyzer work; late responses are simply
// discarded as stale.
type Sweeper struct {
	store      incident.Store
	interval   time.Duration
	timeoutFor func(models.Stage) time.Duration

	// onWindowClosed releases an intake incident into dispatch.
	onWindowClosed func(ctx context.Context, in *models.Incident)
	// onStageTimeout force-advances an expired stage as degraded.
	onStageTimeout func(ctx context.Context, in *models.Incident)

	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper constructs a sweeper. Both callbacks are invoked with a
// snapshot; the state machine's token check makes a raced callback a no-op.
func NewSweeper(
	store incident.Store,
	interval time.Duration,
	timeoutFor func(models.Stage) time.Duration,
	onWindowClosed func(ctx context.Context, in *models.Incident),
	onStageTimeout func(ctx context.Context, in *models.Incident),
	logger *slog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		store:          store,
		interval:       interval,
		timeoutFor:     timeoutFor,
		onWindowClosed: onWindowClosed,
		onStageTimeout: onStageTimeout,
		logger:         utils.Component(logger, "sweeper"),
		now:            time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run ticks until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over all open incidents.
func (s *Sweeper) Sweep(ctx context.Context) {
	open, err := s.store.ListOpen(ctx)
	if err != nil {
		s.logger.Warn("sweep list failed", slog.Any("error", err))
		return
	}
	metrics.SetOpenIncidents(len(open))

	now := s.now().UTC()
	for _, in := range open {
		switch {
		case in.Stage == models.StageIntake:
			if !now.Before(in.CorrelationWindowEnd) {
				s.onWindowClosed(ctx, in)
			}
		default:
			timeout := s.timeoutFor(in.Stage)
			if timeout > 0 && now.Sub(in.StageStartedAt) >= timeout {
				s.logger.Warn("stage deadline expired",
					slog.String("incident_id", in.ID),
					slog.String("stage", string(in.Stage)),
					slog.Int("received", len(in.Received)),
					slog.Int("expected", len(in.Expected)),
				)
				s.onStageTimeout(ctx, in)
			}
		}
	}
}
