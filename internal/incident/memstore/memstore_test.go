package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

func sample(id, fingerprint string, created time.Time) *models.Incident {
	return &models.Incident{
		ID:          id,
		Fingerprint: fingerprint,
		Stage:       models.StageIntake,
		Status:      models.StatusOpen,
		CreatedAt:   created,
		Alerts: []models.Alert{
			{ID: id + "-a", Fingerprint: fingerprint, Labels: models.LabelSet{"alertname": "A"}},
		},
	}
}

func TestPutGetReturnsCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	in := sample("inc-1", "fp-1", time.Now())

	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := store.Get(ctx, "inc-1")
	if err != nil || !ok {
		t.Fatalf("expected incident, got ok=%v err=%v", ok, err)
	}

	// Mutating the returned snapshot must not leak into the store.
	got.Alerts[0].Labels["alertname"] = "mutated"
	again, _, _ := store.Get(ctx, "inc-1")
	if again.Alerts[0].Labels["alertname"] != "A" {
		t.Fatalf("store state leaked through a snapshot")
	}
}

func TestGetMissing(t *testing.T) {
	store := New()
	_, ok, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestOpenByFingerprintTracksStatus(t *testing.T) {
	store := New()
	ctx := context.Background()
	in := sample("inc-1", "fp-1", time.Now())

	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok, err := store.OpenByFingerprint(ctx, "fp-1")
	if err != nil || !ok {
		t.Fatalf("expected open incident, got ok=%v err=%v", ok, err)
	}
	if got.ID != "inc-1" {
		t.Fatalf("expected inc-1, got %s", got.ID)
	}

	in.Status = models.StatusResolved
	if err := store.Put(ctx, in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := store.OpenByFingerprint(ctx, "fp-1"); ok {
		t.Fatalf("resolved incident still indexed as open")
	}
}

func TestListOpenOldestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	newer := sample("inc-new", "fp-new", now)
	older := sample("inc-old", "fp-old", now.Add(-time.Hour))
	closed := sample("inc-closed", "fp-closed", now.Add(-2*time.Hour))
	closed.Status = models.StatusResolved

	for _, in := range []*models.Incident{newer, older, closed} {
		if err := store.Put(ctx, in); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	open, err := store.ListOpen(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open incidents, got %d", len(open))
	}
	if open[0].ID != "inc-old" || open[1].ID != "inc-new" {
		t.Fatalf("expected oldest first, got %s then %s", open[0].ID, open[1].ID)
	}
}
