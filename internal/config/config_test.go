package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.MetricsAddress != ":2112" {
		t.Fatalf("unexpected metrics address: %s", cfg.Server.MetricsAddress)
	}
	if cfg.Correlation.DedupTTL != 24*time.Hour {
		t.Fatalf("unexpected dedup TTL: %v", cfg.Correlation.DedupTTL)
	}
	if cfg.Correlation.Window != 10*time.Minute {
		t.Fatalf("unexpected correlation window: %v", cfg.Correlation.Window)
	}
	if cfg.Correlation.Threshold != 0.7 {
		t.Fatalf("unexpected threshold: %f", cfg.Correlation.Threshold)
	}
	if cfg.Stages.Timeout != 300*time.Second {
		t.Fatalf("unexpected stage timeout: %v", cfg.Stages.Timeout)
	}
	if cfg.Bus.MaxDeliver != 5 {
		t.Fatalf("unexpected redelivery budget: %d", cfg.Bus.MaxDeliver)
	}
	if cfg.Bus.URL != "" {
		t.Fatalf("expected dev bus by default, got %s", cfg.Bus.URL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  metricsAddress: ":9999"
logging:
  level: debug
  json: true
bus:
  url: nats://broker:4222
  maxDeliver: 7
correlation:
  threshold: 0.5
  keys: ["service", "cluster"]
capabilities: ["metric", "log", "root_cause"]
store:
  databaseURL: postgres://coordinator@db/incidents
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.MetricsAddress != ":9999" {
		t.Fatalf("file value not applied: %s", cfg.Server.MetricsAddress)
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
		t.Fatalf("logging config not applied: %+v", cfg.Logging)
	}
	if cfg.Bus.URL != "nats://broker:4222" || cfg.Bus.MaxDeliver != 7 {
		t.Fatalf("bus config not applied: %+v", cfg.Bus)
	}
	if cfg.Correlation.Threshold != 0.5 {
		t.Fatalf("threshold not applied: %f", cfg.Correlation.Threshold)
	}
	if len(cfg.Correlation.Keys) != 2 {
		t.Fatalf("keys not applied: %v", cfg.Correlation.Keys)
	}
	if cfg.Store.DatabaseURL == "" {
		t.Fatalf("store config not applied")
	}
	// Unset fields keep their defaults.
	if cfg.Stages.SweepInterval != 10*time.Second {
		t.Fatalf("default sweep interval lost: %v", cfg.Stages.SweepInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRADOR_COORD_NATS_URL", "nats://env:4222")
	t.Setenv("MIRADOR_COORD_CORRELATION_WINDOW", "2m")
	t.Setenv("MIRADOR_COORD_STAGE_TIMEOUT", "45s")
	t.Setenv("MIRADOR_COORD_MAX_DELIVER", "9")
	t.Setenv("MIRADOR_COORD_CAPABILITIES", "metric,log")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.URL != "nats://env:4222" {
		t.Fatalf("env url not applied: %s", cfg.Bus.URL)
	}
	if cfg.Correlation.Window != 2*time.Minute {
		t.Fatalf("env window not applied: %v", cfg.Correlation.Window)
	}
	if cfg.Stages.Timeout != 45*time.Second {
		t.Fatalf("env stage timeout not applied: %v", cfg.Stages.Timeout)
	}
	if cfg.Bus.MaxDeliver != 9 {
		t.Fatalf("env max deliver not applied: %d", cfg.Bus.MaxDeliver)
	}

	enabled := cfg.EnabledCapabilities()
	if len(enabled) != 2 || enabled[0] != models.CapabilityMetric || enabled[1] != models.CapabilityLog {
		t.Fatalf("env capabilities not applied: %v", enabled)
	}
}

func TestEnabledCapabilities(t *testing.T) {
	var cfg Config
	if got := cfg.EnabledCapabilities(); len(got) != len(models.AllCapabilities()) {
		t.Fatalf("expected full capability set by default, got %v", got)
	}

	cfg.Capabilities = []string{"metric", " log ", "bogus"}
	got := cfg.EnabledCapabilities()
	if len(got) != 2 {
		t.Fatalf("expected unknown names dropped, got %v", got)
	}
}

func TestTimeoutForOverrides(t *testing.T) {
	stages := StagesConfig{
		Timeout:   300 * time.Second,
		Overrides: map[string]time.Duration{"documenting": 30 * time.Second},
	}
	if got := stages.TimeoutFor(models.StageDocumenting); got != 30*time.Second {
		t.Fatalf("override not honoured: %v", got)
	}
	if got := stages.TimeoutFor(models.StageRootCause); got != 300*time.Second {
		t.Fatalf("default timeout not honoured: %v", got)
	}
}
