// Package correlate maps incoming alerts onto incidents: dedup by
// fingerprint inside the dedup TTL, correlation by label and temporal
// proximity inside the correlation window, or a fresh incident.
package correlate

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/incident"
	"github.com/miradorstack/mirador-coordinator/internal/lock"
	"github.com/miradorstack/mirador-coordinator/internal/metrics"
	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// Config tunes resolution behaviour. The scoring function is policy, not a
// fixed algorithm: weights and keys are expected to be tuned per install.
type Config struct {
	DedupTTL    time.Duration
	Window      time.Duration
	Threshold   float64
	LabelWeight float64
	TimeWeight  float64
	// Keys are the label names considered for overlap scoring.
	Keys []string
}

// DefaultConfig returns the stock resolution policy.
func DefaultConfig() Config {
	return Config{
		DedupTTL:    24 * time.Hour,
		Window:      10 * time.Minute,
		Threshold:   0.7,
		LabelWeight: 0.7,
		TimeWeight:  0.3,
		Keys:        []string{"service", "namespace", "cluster", "job"},
	}
}

// Correlator resolves alerts to incidents. Resolution for one fingerprint
// is serialized through the locker so concurrent deliveries of the same
// condition cannot open two incidents.
type Correlator struct {
	store   incident.Store
	machine *incident.Machine
	locks   lock.Locker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a correlator.
func New(store incident.Store, machine *incident.Machine, locks lock.Locker, cfg Config, logger *slog.Logger) *Correlator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultConfig().DedupTTL
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.LabelWeight+cfg.TimeWeight <= 0 {
		cfg.LabelWeight = DefaultConfig().LabelWeight
		cfg.TimeWeight = DefaultConfig().TimeWeight
	}
	if len(cfg.Keys) == 0 {
		cfg.Keys = DefaultConfig().Keys
	}
	return &Correlator{
		store:   store,
		machine: machine,
		locks:   locks,
		cfg:     cfg,
		logger:  utils.Component(logger, "correlator"),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Correlator) SetClock(now func() time.Time) { c.now = now }

// Resolve returns the incident the alert belongs to, creating one when
// neither dedup nor correlation finds a home. created reports whether a
// new incident was opened.
func (c *Correlator) Resolve(ctx context.Context, alert models.Alert) (string, bool, error) {
	release, err := c.locks.Acquire(ctx, "fingerprint:"+alert.Fingerprint)
	if err != nil {
		return "", false, utils.NewAppError("correlate.resolve", "acquire fingerprint lock", err)
	}
	defer release()

	now := c.now().UTC()

	// Same underlying condition, alert re-fired.
	if existing, ok, err := c.store.OpenByFingerprint(ctx, alert.Fingerprint); err != nil {
		return "", false, err
	} else if ok && now.Sub(lastActivity(existing)) <= c.cfg.DedupTTL {
		if _, err := c.machine.Append(ctx, existing.ID, alert, true); err != nil {
			return "", false, err
		}
		metrics.ObserveAlert(metrics.OutcomeDeduplicated)
		c.logger.Debug("alert deduplicated",
			slog.String("incident_id", existing.ID),
			slog.String("fingerprint", alert.Fingerprint),
		)
		return existing.ID, false, nil
	}

	// Related condition, correlated into a multi-alert incident.
	if match, score := c.bestMatch(ctx, alert, now); match != nil {
		if _, err := c.machine.Append(ctx, match.ID, alert, false); err != nil {
			return "", false, err
		}
		metrics.ObserveAlert(metrics.OutcomeCorrelated)
		c.logger.Info("alert correlated",
			slog.String("incident_id", match.ID),
			slog.String("alert", alert.Name()),
			slog.Float64("score", score),
		)
		return match.ID, false, nil
	}

	in, err := c.machine.Create(ctx, alert, c.cfg.Window)
	if err != nil {
		return "", false, err
	}
	metrics.ObserveAlert(metrics.OutcomeCreated)
	return in.ID, true, nil
}

// bestMatch scans open incidents created within the correlation window and
// returns the highest-scoring one above threshold, ties broken by the most
// recently created incident.
func (c *Correlator) bestMatch(ctx context.Context, alert models.Alert, now time.Time) (*models.Incident, float64) {
	open, err := c.store.ListOpen(ctx)
	if err != nil {
		c.logger.Warn("list open incidents", slog.Any("error", err))
		return nil, 0
	}

	var best *models.Incident
	var bestScore float64
	for _, in := range open {
		age := now.Sub(in.CreatedAt)
		if age < 0 || age > c.cfg.Window {
			continue
		}
		score := c.Score(alert, in, now)
		if score < c.cfg.Threshold {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && in.CreatedAt.After(best.CreatedAt)) {
			best = in
			bestScore = score
		}
	}
	return best, bestScore
}

// Score combines label overlap and temporal proximity into [0,1].
func (c *Correlator) Score(alert models.Alert, in *models.Incident, now time.Time) float64 {
	overlap := labelOverlap(alert.Labels, in.LastAlert().Labels, c.cfg.Keys)

	age := now.Sub(in.CreatedAt)
	proximity := 1 - float64(age)/float64(c.cfg.Window)
	if proximity < 0 {
		proximity = 0
	}

	total := c.cfg.LabelWeight + c.cfg.TimeWeight
	return (c.cfg.LabelWeight*overlap + c.cfg.TimeWeight*proximity) / total
}

// labelOverlap measures agreement on the configured keys: keys where both
// sides carry the same non-empty value, over keys where either side carries
// a value at all.
func labelOverlap(a, b models.LabelSet, keys []string) float64 {
	considered, matched := 0, 0
	for _, k := range keys {
		av, bv := a[k], b[k]
		if av == "" && bv == "" {
			continue
		}
		considered++
		if av == bv {
			matched++
		}
	}
	if considered == 0 {
		return 0
	}
	return float64(matched) / float64(considered)
}

func lastActivity(in *models.Incident) time.Time {
	last := in.LastSeen()
	return utils.MaxTime(last, in.CreatedAt)
}
