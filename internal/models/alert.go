package models

import "time"

// LabelSet maps label names to values. Labels define alert identity;
// annotations carry free-form detail that does not.
type LabelSet map[string]string

// Clone returns an independent copy of the label set.
func (ls LabelSet) Clone() LabelSet {
	if ls == nil {
		return nil
	}
	out := make(LabelSet, len(ls))
	for k, v := range ls {
		out[k] = v
	}
	return out
}

// Severity captures alert impact levels.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity maps a raw label value onto the severity enum, defaulting
// to SeverityUnknown for anything unrecognised.
func ParseSeverity(value string) Severity {
	switch Severity(value) {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return Severity(value)
	default:
		return SeverityUnknown
	}
}

// rank orders severities so that a re-fired alert can only raise, never
// lower, the severity recorded on its incident.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Alert is a single normalized observation from a monitoring source.
// An alert is immutable once attached to an incident; a re-fire of the
// same underlying condition is appended as a new revision.
type Alert struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Labels      LabelSet  `json:"labels"`
	Annotations LabelSet  `json:"annotations,omitempty"`
	StartsAt    time.Time `json:"startsAt"`
	EndsAt      time.Time `json:"endsAt,omitempty"`
	Severity    Severity  `json:"severity"`
}

// Name returns the alertname label, the minimal identity every alert carries.
func (a Alert) Name() string {
	return a.Labels["alertname"]
}

// Service returns the service label, falling back to job.
func (a Alert) Service() string {
	if svc := a.Labels["service"]; svc != "" {
		return svc
	}
	return a.Labels["job"]
}

// Instance returns the instance label or "unknown" when absent.
func (a Alert) Instance() string {
	if inst := a.Labels["instance"]; inst != "" {
		return inst
	}
	return "unknown"
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	cp := a
	cp.Labels = a.Labels.Clone()
	cp.Annotations = a.Annotations.Clone()
	return cp
}
