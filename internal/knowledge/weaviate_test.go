package knowledge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

func resolvedIncident() *models.Incident {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Incident{
		ID:          "11111111-2222-3333-4444-555555555555",
		Fingerprint: "fp-1",
		Stage:       models.StageResolved,
		Status:      models.StatusDegraded,
		RootCause:   json.RawMessage(`{"summary":"pool exhausted"}`),
		CreatedAt:   created,
		Alerts: []models.Alert{
			{
				ID:       "a-1",
				Labels:   models.LabelSet{"alertname": "HighErrorRate", "service": "checkout"},
				StartsAt: created,
				Severity: models.SeverityCritical,
			},
		},
		History: []models.StageRecord{
			{Stage: models.StageIntake, StartedAt: created},
			{Stage: models.StageParallelAnalysis, StartedAt: created.Add(time.Minute), Degraded: true, Missing: []models.Capability{models.CapabilityTracing}},
		},
	}
}

func TestPersistNoEndpoint(t *testing.T) {
	sink := NewWeaviateSink("", "", time.Second)
	if err := sink.Persist(context.Background(), resolvedIncident()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestPersistPutsObject(t *testing.T) {
	in := resolvedIncident()
	var gotPath, gotAuth string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("expected PUT, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWeaviateSink(srv.URL, "secret", time.Second)
	if err := sink.Persist(context.Background(), in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/v1/objects/IncidentRecord/"+in.ID {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	props, ok := gotBody["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("object missing properties: %+v", gotBody)
	}
	if props["incidentId"] != in.ID || props["status"] != "degraded" {
		t.Fatalf("unexpected scalar properties: %+v", props)
	}
	if props["severity"] != "critical" {
		t.Fatalf("expected critical severity, got %v", props["severity"])
	}
}

func TestPersistFallsBackToCreate(t *testing.T) {
	var posted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			if r.URL.Path != "/v1/objects" {
				t.Fatalf("unexpected create path: %s", r.URL.Path)
			}
			posted = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	}))
	defer srv.Close()

	sink := NewWeaviateSink(srv.URL, "", time.Second)
	if err := sink.Persist(context.Background(), resolvedIncident()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !posted {
		t.Fatalf("expected POST fallback after 404")
	}
}

func TestPersistReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "class not found", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sink := NewWeaviateSink(srv.URL, "", time.Second)
	if err := sink.Persist(context.Background(), resolvedIncident()); err == nil {
		t.Fatalf("expected error from failed persist")
	}
}

func TestIncidentRoundTrip(t *testing.T) {
	in := resolvedIncident()
	props, err := buildIncidentProperties(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"properties": props})
	}))
	defer srv.Close()

	sink := NewWeaviateSink(srv.URL, "", time.Second)
	got, err := sink.GetIncident(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.ID != in.ID || got.Status != in.Status {
		t.Fatalf("identity lost in round trip: %+v", got)
	}
	if string(got.RootCause) != string(in.RootCause) {
		t.Fatalf("root cause lost: %s", got.RootCause)
	}
	if len(got.History) != 2 || !got.History[1].Degraded {
		t.Fatalf("stage history lost: %+v", got.History)
	}
	if len(got.Alerts) != 1 || got.Alerts[0].Labels["service"] != "checkout" {
		t.Fatalf("alerts lost: %+v", got.Alerts)
	}
}
