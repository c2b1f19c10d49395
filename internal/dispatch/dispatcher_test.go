package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/bus"
	"github.com/miradorstack/mirador-coordinator/internal/models"
)

func analysisIncident() *models.Incident {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Incident{
		ID:          "inc-1",
		Fingerprint: "fp-1",
		Stage:       models.StageParallelAnalysis,
		Status:      models.StatusOpen,
		Expected:    models.StageCapabilities(models.StageParallelAnalysis),
		Alerts: []models.Alert{
			{
				ID:          "a-1",
				Fingerprint: "fp-1",
				Labels:      models.LabelSet{"alertname": "HighErrorRate", "service": "checkout"},
				Annotations: models.LabelSet{"summary": "5xx spike"},
				StartsAt:    started,
				Severity:    models.SeverityCritical,
			},
		},
		CreatedAt: started,
	}
}

func fetchOne(t *testing.T, b *bus.MemBus, subject string) models.AgentTask {
	t.Helper()
	sub, err := b.PullSubscribe(subject, "test")
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	msgs, err := sub.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch %s: %v", subject, err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 task on %s, got %d", subject, len(msgs))
	}
	var task models.AgentTask
	if err := json.Unmarshal(msgs[0].Data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func TestDispatchPublishesOneTaskPerCapability(t *testing.T) {
	memBus := bus.NewMemBus(5)
	dispatcher := New(memBus, nil)
	in := analysisIncident()

	taskIDs, err := dispatcher.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(taskIDs) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(taskIDs))
	}

	for _, capability := range in.Expected {
		task := fetchOne(t, memBus, capability.Subject())
		if task.IncidentID != "inc-1" {
			t.Fatalf("task on %s carries incident %s", capability.Subject(), task.IncidentID)
		}
		if task.Capability != capability {
			t.Fatalf("expected capability %s, got %s", capability, task.Capability)
		}
		if task.TaskID == "" {
			t.Fatalf("task missing id")
		}
		if task.Attempt != 1 {
			t.Fatalf("expected first attempt, got %d", task.Attempt)
		}
	}
}

func TestDispatchEmptyExpected(t *testing.T) {
	memBus := bus.NewMemBus(5)
	dispatcher := New(memBus, nil)
	in := analysisIncident()
	in.Expected = nil

	taskIDs, err := dispatcher.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(taskIDs) != 0 {
		t.Fatalf("expected no tasks, got %d", len(taskIDs))
	}
}

func TestSignalPayloadScoping(t *testing.T) {
	in := analysisIncident()
	now := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)

	var metric signalPayload
	if err := json.Unmarshal(BuildPayload(models.CapabilityMetric, in, now), &metric); err != nil {
		t.Fatalf("decode metric payload: %v", err)
	}
	if metric.IncidentID != "inc-1" || metric.AlertName != "HighErrorRate" {
		t.Fatalf("unexpected metric payload: %+v", metric)
	}
	if metric.Annotations != nil {
		t.Fatalf("metric analyzer must not receive annotations")
	}
	if !metric.Window.End.Equal(now) {
		t.Fatalf("expected window end %v, got %v", now, metric.Window.End)
	}
	wantStart := in.Alerts[0].StartsAt.Add(-5 * time.Minute)
	if !metric.Window.Start.Equal(wantStart) {
		t.Fatalf("expected lookback window start %v, got %v", wantStart, metric.Window.Start)
	}

	var logPayload signalPayload
	if err := json.Unmarshal(BuildPayload(models.CapabilityLog, in, now), &logPayload); err != nil {
		t.Fatalf("decode log payload: %v", err)
	}
	if logPayload.Annotations["summary"] != "5xx spike" {
		t.Fatalf("log analyzer should receive annotations, got %+v", logPayload.Annotations)
	}
}

func TestAnalysisPayloadCarriesAccumulatedResults(t *testing.T) {
	in := analysisIncident()
	in.Stage = models.StageRemediation
	in.RootCause = json.RawMessage(`{"summary":"bad deploy"}`)
	in.Results = map[models.Capability]models.AgentResponse{
		models.CapabilityMetric: {Capability: models.CapabilityMetric, Success: true, Result: json.RawMessage(`{"anomaly":true}`)},
		models.CapabilityLog:    {Capability: models.CapabilityLog, Success: false, Error: "backend timeout"},
	}
	in.History = []models.StageRecord{
		{Stage: models.StageParallelAnalysis, Degraded: true, Missing: []models.Capability{models.CapabilityTracing}},
	}

	var payload analysisPayload
	if err := json.Unmarshal(BuildPayload(models.CapabilityRunbook, in, time.Now()), &payload); err != nil {
		t.Fatalf("decode analysis payload: %v", err)
	}
	if string(payload.RootCause) != `{"summary":"bad deploy"}` {
		t.Fatalf("root cause missing from payload: %s", payload.RootCause)
	}
	if len(payload.Alerts) != 1 || payload.Alerts[0].Name != "HighErrorRate" {
		t.Fatalf("alert summaries missing: %+v", payload.Alerts)
	}
	if !payload.Analysis[models.CapabilityMetric].Success {
		t.Fatalf("metric result missing from analysis map")
	}
	if payload.Analysis[models.CapabilityLog].Error != "backend timeout" {
		t.Fatalf("failed analyzer error not carried: %+v", payload.Analysis[models.CapabilityLog])
	}
	if len(payload.Degraded) != 1 || payload.Degraded[0] != models.StageParallelAnalysis {
		t.Fatalf("degraded stages missing: %v", payload.Degraded)
	}
}

func TestDispatchContinuesPastPublishFailure(t *testing.T) {
	memBus := bus.NewMemBus(5)
	memBus.Close()
	dispatcher := New(memBus, nil)
	in := analysisIncident()

	taskIDs, err := dispatcher.Dispatch(context.Background(), in)
	if err == nil {
		t.Fatalf("expected publish errors from a closed bus")
	}
	if len(taskIDs) != 0 {
		t.Fatalf("expected no successful tasks, got %d", len(taskIDs))
	}
}
