package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

func TestNormalizeValidAlert(t *testing.T) {
	raw := []byte(`{
		"alert_id": "a-1",
		"labels": {"alertname": "HighErrorRate", "service": "checkout", "instance": "checkout-1:8080", "severity": "critical"},
		"annotations": {"summary": "5xx rate above 5%"},
		"startsAt": "2026-03-01T10:00:00Z",
		"endsAt": "2026-03-01T10:05:00Z"
	}`)

	alert, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.ID != "a-1" {
		t.Fatalf("expected alert id a-1, got %s", alert.ID)
	}
	if alert.Name() != "HighErrorRate" {
		t.Fatalf("expected alertname label, got %s", alert.Name())
	}
	if alert.Severity != models.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", alert.Severity)
	}
	if alert.Fingerprint == "" {
		t.Fatalf("expected fingerprint to be computed")
	}
	wantStart := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !alert.StartsAt.Equal(wantStart) {
		t.Fatalf("expected startsAt %v, got %v", wantStart, alert.StartsAt)
	}
}

func TestNormalizeGeneratesID(t *testing.T) {
	raw := []byte(`{"labels": {"alertname": "DiskFull"}, "startsAt": "2026-03-01T10:00:00Z"}`)
	alert, err := Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert.ID == "" {
		t.Fatalf("expected a generated alert id")
	}
}

func TestNormalizeRejections(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		reason Reason
	}{
		{
			name:   "not json",
			raw:    `{{{`,
			reason: ReasonInvalidPayload,
		},
		{
			name:   "missing alertname",
			raw:    `{"labels": {"service": "checkout"}, "startsAt": "2026-03-01T10:00:00Z"}`,
			reason: ReasonMissingField,
		},
		{
			name:   "missing startsAt",
			raw:    `{"labels": {"alertname": "DiskFull"}}`,
			reason: ReasonUnparsableTimestamp,
		},
		{
			name:   "garbage startsAt",
			raw:    `{"labels": {"alertname": "DiskFull"}, "startsAt": "three days ago"}`,
			reason: ReasonUnparsableTimestamp,
		},
		{
			name:   "garbage endsAt",
			raw:    `{"labels": {"alertname": "DiskFull"}, "startsAt": "2026-03-01T10:00:00Z", "endsAt": "soon"}`,
			reason: ReasonUnparsableTimestamp,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected rejection")
			}
			var normErr *NormalizationError
			if !errors.As(err, &normErr) {
				t.Fatalf("expected NormalizationError, got %T", err)
			}
			if normErr.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, normErr.Reason)
			}
		})
	}
}

func TestFingerprintStableAcrossLabelOrder(t *testing.T) {
	first, err := Normalize([]byte(`{
		"labels": {"alertname": "HighErrorRate", "service": "checkout", "instance": "i-1", "extra": "x"},
		"startsAt": "2026-03-01T10:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Normalize([]byte(`{
		"labels": {"extra": "y", "instance": "i-1", "service": "checkout", "alertname": "HighErrorRate"},
		"startsAt": "2026-03-01T11:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("expected identical fingerprints, got %s vs %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestFingerprintDistinguishesIdentity(t *testing.T) {
	base := models.Alert{Labels: models.LabelSet{"alertname": "HighErrorRate", "service": "checkout", "instance": "i-1"}}
	other := models.Alert{Labels: models.LabelSet{"alertname": "HighErrorRate", "service": "payments", "instance": "i-1"}}
	if Fingerprint(base) == Fingerprint(other) {
		t.Fatalf("expected different fingerprints for different services")
	}
}

func TestFingerprintFallbackLabels(t *testing.T) {
	// service falls back to job, instance to "unknown".
	viaService := models.Alert{Labels: models.LabelSet{"alertname": "A", "service": "checkout"}}
	viaJob := models.Alert{Labels: models.LabelSet{"alertname": "A", "job": "checkout"}}
	if Fingerprint(viaService) != Fingerprint(viaJob) {
		t.Fatalf("expected job label to serve as service fallback")
	}
}
