// Package ingest validates and canonicalizes raw alerts from the
// alert_stream subject into the internal Alert record.
package ingest

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// Reason classifies why normalization rejected an alert.
type Reason string

const (
	ReasonMissingField        Reason = "missing_field"
	ReasonUnparsableTimestamp Reason = "unparsable_timestamp"
	ReasonInvalidPayload      Reason = "invalid_payload"
)

// NormalizationError is a permanent rejection: the same payload will never
// succeed on redelivery, so callers terminate the message instead of
// requesting another attempt.
type NormalizationError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalize alert: %s (%s)", e.Reason, e.Field)
	}
	return fmt.Sprintf("normalize alert: %s", e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// rawAlert is the inbound wire shape on alert_stream.
type rawAlert struct {
	AlertID     string            `json:"alert_id"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    string            `json:"startsAt"`
	EndsAt      string            `json:"endsAt,omitempty"`
}

// Normalize parses and validates a raw alert payload. It is a pure
// function: no side effects, deterministic output for identical input
// apart from generated IDs for alerts arriving without one.
func Normalize(raw []byte) (models.Alert, error) {
	var in rawAlert
	if err := json.Unmarshal(raw, &in); err != nil {
		return models.Alert{}, &NormalizationError{Reason: ReasonInvalidPayload, Err: err}
	}

	if in.Labels["alertname"] == "" {
		return models.Alert{}, &NormalizationError{Reason: ReasonMissingField, Field: "labels.alertname"}
	}

	startsAt, err := utils.ParseRFC3339(in.StartsAt)
	if err != nil {
		return models.Alert{}, &NormalizationError{Reason: ReasonUnparsableTimestamp, Field: "startsAt", Err: err}
	}
	endsAt, err := utils.ParseRFC3339Optional(in.EndsAt)
	if err != nil {
		return models.Alert{}, &NormalizationError{Reason: ReasonUnparsableTimestamp, Field: "endsAt", Err: err}
	}

	id := in.AlertID
	if id == "" {
		id = uuid.NewString()
	}

	alert := models.Alert{
		ID:          id,
		Labels:      models.LabelSet(in.Labels).Clone(),
		Annotations: models.LabelSet(in.Annotations).Clone(),
		StartsAt:    startsAt,
		EndsAt:      endsAt,
		Severity:    models.ParseSeverity(in.Labels["severity"]),
	}
	alert.Fingerprint = Fingerprint(alert)
	return alert, nil
}

// Fingerprint derives the dedup key from alert name, service, and instance.
// It reads named labels rather than iterating the map, so the result is
// stable regardless of label arrival order.
func Fingerprint(a models.Alert) string {
	h := fnv.New64a()
	for _, part := range []string{a.Name(), a.Service(), a.Instance()} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0xff})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
