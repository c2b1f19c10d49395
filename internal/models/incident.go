package models

import (
	"encoding/json"
	"time"
)

// Stage enumerates the pipeline phases an incident moves through.
type Stage string

const (
	StageIntake           Stage = "intake"
	StageParallelAnalysis Stage = "parallel_analysis"
	StageRootCause        Stage = "root_cause_analysis"
	StageRemediation      Stage = "remediation_planning"
	StageNotifying        Stage = "notifying"
	StageDocumenting      Stage = "documenting"
	StageResolved         Stage = "resolved"
)

// Next returns the stage that follows s in the pipeline. The second return
// is false for the terminal stage and for unknown values.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageIntake:
		return StageParallelAnalysis, true
	case StageParallelAnalysis:
		return StageRootCause, true
	case StageRootCause:
		return StageRemediation, true
	case StageRemediation:
		return StageNotifying, true
	case StageNotifying:
		return StageDocumenting, true
	case StageDocumenting:
		return StageResolved, true
	default:
		return StageResolved, false
	}
}

// Terminal reports whether s is the end of the pipeline.
func (s Stage) Terminal() bool { return s == StageResolved }

// Capability names an external analysis or action service.
type Capability string

const (
	CapabilityMetric       Capability = "metric"
	CapabilityLog          Capability = "log"
	CapabilityDeployment   Capability = "deployment"
	CapabilityTracing      Capability = "tracing"
	CapabilityRootCause    Capability = "root_cause"
	CapabilityRunbook      Capability = "runbook"
	CapabilityNotification Capability = "notification"
	CapabilityPostmortem   Capability = "postmortem"
)

// Subject returns the bus subject analyzer services for this capability
// listen on. The naming is a wire contract shared with the agents.
func (c Capability) Subject() string { return string(c) + "_agent" }

// AllCapabilities lists every capability the coordinator can dispatch to.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityMetric, CapabilityLog, CapabilityDeployment, CapabilityTracing,
		CapabilityRootCause, CapabilityRunbook, CapabilityNotification, CapabilityPostmortem,
	}
}

// StageCapabilities returns the capability set a stage fans out to.
// ParallelAnalysis dispatches all analyzers concurrently; the later stages
// are single-capability and sequential.
func StageCapabilities(s Stage) []Capability {
	switch s {
	case StageParallelAnalysis:
		return []Capability{CapabilityMetric, CapabilityLog, CapabilityDeployment, CapabilityTracing}
	case StageRootCause:
		return []Capability{CapabilityRootCause}
	case StageRemediation:
		return []Capability{CapabilityRunbook}
	case StageNotifying:
		return []Capability{CapabilityNotification}
	case StageDocumenting:
		return []Capability{CapabilityPostmortem}
	default:
		return nil
	}
}

// Status captures the coordination lifecycle of an incident.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusDegraded Status = "degraded"
)

// StageRecord is one entry in an incident's stage history.
type StageRecord struct {
	Stage       Stage        `json:"stage"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	Degraded    bool         `json:"degraded,omitempty"`
	Missing     []Capability `json:"missing,omitempty"`
}

// Incident is the coordination unit of work: one or more correlated alerts
// tracked through the analysis pipeline. Incidents are owned and mutated
// exclusively by the state machine; everything else reads snapshots.
type Incident struct {
	ID                   string                       `json:"incident_id"`
	Fingerprint          string                       `json:"fingerprint"`
	Alerts               []Alert                      `json:"alerts"`
	Stage                Stage                        `json:"stage"`
	StageStartedAt       time.Time                    `json:"stage_started_at"`
	Expected             []Capability                 `json:"expected_responses,omitempty"`
	Received             map[Capability]AgentResponse `json:"received_responses,omitempty"`
	Results              map[Capability]AgentResponse `json:"results,omitempty"`
	RootCause            json.RawMessage              `json:"root_cause,omitempty"`
	Status               Status                       `json:"status"`
	CorrelationWindowEnd time.Time                    `json:"correlation_window_end"`
	CreatedAt            time.Time                    `json:"created_at"`
	History              []StageRecord                `json:"stage_history,omitempty"`
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (in *Incident) Clone() *Incident {
	cp := *in
	cp.Alerts = make([]Alert, len(in.Alerts))
	for i, a := range in.Alerts {
		cp.Alerts[i] = a.Clone()
	}
	cp.Expected = append([]Capability(nil), in.Expected...)
	if in.Received != nil {
		cp.Received = make(map[Capability]AgentResponse, len(in.Received))
		for k, v := range in.Received {
			cp.Received[k] = v
		}
	}
	if in.Results != nil {
		cp.Results = make(map[Capability]AgentResponse, len(in.Results))
		for k, v := range in.Results {
			cp.Results[k] = v
		}
	}
	cp.RootCause = append(json.RawMessage(nil), in.RootCause...)
	cp.History = make([]StageRecord, len(in.History))
	for i, rec := range in.History {
		cp.History[i] = rec
		cp.History[i].Missing = append([]Capability(nil), rec.Missing...)
	}
	return &cp
}

// Open reports whether the incident is still being coordinated.
func (in *Incident) Open() bool { return in.Status == StatusOpen }

// Expects reports whether the current stage is waiting on the capability.
func (in *Incident) Expects(c Capability) bool {
	for _, e := range in.Expected {
		if e == c {
			return true
		}
	}
	return false
}

// LastAlert returns the most recently attached alert.
func (in *Incident) LastAlert() Alert {
	if len(in.Alerts) == 0 {
		return Alert{}
	}
	return in.Alerts[len(in.Alerts)-1]
}

// LastSeen is the latest observation time across the incident's alerts,
// used by dedup TTL checks.
func (in *Incident) LastSeen() time.Time {
	var last time.Time
	for _, a := range in.Alerts {
		if a.EndsAt.After(last) {
			last = a.EndsAt
		}
		if a.StartsAt.After(last) {
			last = a.StartsAt
		}
	}
	return last
}

// Severity is the highest severity across attached alerts.
func (in *Incident) Severity() Severity {
	top := SeverityUnknown
	for _, a := range in.Alerts {
		if a.Severity.AtLeast(top) {
			top = a.Severity
		}
	}
	return top
}

// DegradedStages lists stages that completed without full capability coverage.
func (in *Incident) DegradedStages() []Stage {
	var out []Stage
	for _, rec := range in.History {
		if rec.Degraded {
			out = append(out, rec.Stage)
		}
	}
	return out
}
