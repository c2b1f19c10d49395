package dispatch

import (
	"encoding/json"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// Payload builders shape the incident snapshot each capability receives.
// An analyzer gets only the slice of state it needs: the metric analyzer
// sees labels and a time window, not the full alert history; the
// postmortem writer sees everything.

type timeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type signalPayload struct {
	IncidentID  string          `json:"incident_id"`
	AlertName   string          `json:"alert_name"`
	Labels      models.LabelSet `json:"labels"`
	Annotations models.LabelSet `json:"annotations,omitempty"`
	Severity    models.Severity `json:"severity"`
	Window      timeWindow      `json:"window"`
}

type analysisPayload struct {
	IncidentID string                              `json:"incident_id"`
	Alerts     []alertSummary                      `json:"alerts"`
	Analysis   map[models.Capability]analysisResult `json:"analysis,omitempty"`
	RootCause  json.RawMessage                     `json:"root_cause,omitempty"`
	Degraded   []models.Stage                      `json:"degraded_stages,omitempty"`
	Window     timeWindow                          `json:"window"`
}

type alertSummary struct {
	Name     string          `json:"name"`
	Labels   models.LabelSet `json:"labels"`
	Severity models.Severity `json:"severity"`
	StartsAt time.Time       `json:"startsAt"`
}

type analysisResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BuildPayload returns the capability-scoped task payload for an incident.
func BuildPayload(capability models.Capability, in *models.Incident, now time.Time) json.RawMessage {
	window := incidentWindow(in, now)

	switch capability {
	case models.CapabilityMetric, models.CapabilityDeployment, models.CapabilityTracing:
		last := in.LastAlert()
		data, _ := json.Marshal(signalPayload{
			IncidentID: in.ID,
			AlertName:  last.Name(),
			Labels:     last.Labels,
			Severity:   in.Severity(),
			Window:     window,
		})
		return data
	case models.CapabilityLog:
		last := in.LastAlert()
		data, _ := json.Marshal(signalPayload{
			IncidentID:  in.ID,
			AlertName:   last.Name(),
			Labels:      last.Labels,
			Annotations: last.Annotations,
			Severity:    in.Severity(),
			Window:      window,
		})
		return data
	default:
		// Downstream stages reason over the accumulated analysis.
		payload := analysisPayload{
			IncidentID: in.ID,
			RootCause:  in.RootCause,
			Degraded:   in.DegradedStages(),
			Window:     window,
		}
		for _, a := range in.Alerts {
			payload.Alerts = append(payload.Alerts, alertSummary{
				Name:     a.Name(),
				Labels:   a.Labels,
				Severity: a.Severity,
				StartsAt: a.StartsAt,
			})
		}
		if len(in.Results) > 0 {
			payload.Analysis = make(map[models.Capability]analysisResult, len(in.Results))
			for c, r := range in.Results {
				payload.Analysis[c] = analysisResult{Success: r.Success, Result: r.Result, Error: r.Error}
			}
		}
		data, _ := json.Marshal(payload)
		return data
	}
}

// incidentWindow spans from the earliest alert start (with a small lookback
// so analyzers can see leading indicators) to now.
func incidentWindow(in *models.Incident, now time.Time) timeWindow {
	start := now
	for _, a := range in.Alerts {
		if a.StartsAt.Before(start) {
			start = a.StartsAt
		}
	}
	return timeWindow{Start: start.Add(-5 * time.Minute), End: now}
}
