package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeCreated labels alerts that opened a new incident.
	OutcomeCreated = "created"
	// OutcomeDeduplicated labels alerts folded into an incident by fingerprint.
	OutcomeDeduplicated = "deduplicated"
	// OutcomeCorrelated labels alerts attached to an incident by score.
	OutcomeCorrelated = "correlated"
	// OutcomeRejected labels alerts dropped by normalization.
	OutcomeRejected = "rejected"
	// OutcomeError labels alerts whose resolution failed transiently.
	OutcomeError = "error"
)

var (
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_coordinator",
			Name:      "alerts_total",
			Help:      "Alerts ingested, partitioned by resolution outcome.",
		},
		[]string{"outcome"},
	)

	incidentsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_coordinator",
			Name:      "incidents_open",
			Help:      "Incidents currently being coordinated.",
		},
	)

	stageTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_coordinator",
			Name:      "stage_transitions_total",
			Help:      "Stage completions, partitioned by stage and degradation.",
		},
		[]string{"stage", "degraded"},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_coordinator",
			Name:      "stage_seconds",
			Help:      "Stage duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_coordinator",
			Name:      "responses_total",
			Help:      "Agent responses received, partitioned by capability and outcome.",
		},
		[]string{"capability", "outcome"},
	)

	tasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_coordinator",
			Name:      "tasks_published_total",
			Help:      "Agent tasks published, partitioned by capability.",
		},
		[]string{"capability"},
	)

	knowledgePersistTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_coordinator",
			Name:      "knowledge_persist_total",
			Help:      "Knowledge sink writes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches coordinator collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsTotal,
		incidentsOpen,
		stageTransitionsTotal,
		stageDurationSeconds,
		responsesTotal,
		tasksPublishedTotal,
		knowledgePersistTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAlert records one alert ingestion outcome.
func ObserveAlert(outcome string) {
	alertsTotal.WithLabelValues(outcome).Inc()
}

// SetOpenIncidents updates the open-incident gauge.
func SetOpenIncidents(n int) {
	incidentsOpen.Set(float64(n))
}

// ObserveStage records a completed stage with its duration.
func ObserveStage(stage string, duration time.Duration, degraded bool) {
	label := "false"
	if degraded {
		label = "true"
	}
	stageTransitionsTotal.WithLabelValues(stage, label).Inc()
	if duration < 0 {
		duration = 0
	}
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveResponse records one agent response outcome.
func ObserveResponse(capability, outcome string) {
	responsesTotal.WithLabelValues(capability, outcome).Inc()
}

// ObserveTaskPublished records one published task.
func ObserveTaskPublished(capability string) {
	tasksPublishedTotal.WithLabelValues(capability).Inc()
}

// ObserveKnowledgePersist records one knowledge sink write outcome.
func ObserveKnowledgePersist(outcome string) {
	knowledgePersistTotal.WithLabelValues(outcome).Inc()
}
