package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// Config captures the settings required to boot the coordination engine.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Logging      LoggingConfig     `yaml:"logging"`
	Bus          BusConfig         `yaml:"bus"`
	Correlation  CorrelationConfig `yaml:"correlation"`
	Stages       StagesConfig      `yaml:"stages"`
	Capabilities []string          `yaml:"capabilities"`
	Store        StoreConfig       `yaml:"store"`
	Lock         LockConfig        `yaml:"lock"`
	Knowledge    KnowledgeConfig   `yaml:"knowledge"`
}

// ServerConfig controls the ops listener and shutdown behaviour.
type ServerConfig struct {
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// BusConfig configures the JetStream connection and consumer policy. An
// empty URL selects the in-process bus (dev mode).
type BusConfig struct {
	URL          string        `yaml:"url"`
	AckWait      time.Duration `yaml:"ackWait"`
	MaxDeliver   int           `yaml:"maxDeliver"`
	FetchBatch   int           `yaml:"fetchBatch"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	Workers      int           `yaml:"workers"`
}

// CorrelationConfig tunes dedup and correlation policy.
type CorrelationConfig struct {
	DedupTTL    time.Duration `yaml:"dedupTTL"`
	Window      time.Duration `yaml:"window"`
	Threshold   float64       `yaml:"threshold"`
	LabelWeight float64       `yaml:"labelWeight"`
	TimeWeight  float64       `yaml:"timeWeight"`
	Keys        []string      `yaml:"keys"`
}

// StagesConfig holds per-stage deadlines and the sweep cadence.
type StagesConfig struct {
	Timeout       time.Duration            `yaml:"timeout"`
	SweepInterval time.Duration            `yaml:"sweepInterval"`
	Overrides     map[string]time.Duration `yaml:"overrides"`
}

// TimeoutFor returns the deadline for a stage, honouring overrides.
func (s StagesConfig) TimeoutFor(stage models.Stage) time.Duration {
	if d, ok := s.Overrides[string(stage)]; ok {
		return d
	}
	return s.Timeout
}

// StoreConfig selects incident persistence. An empty database URL selects
// the in-memory store (dev mode).
type StoreConfig struct {
	DatabaseURL string `yaml:"databaseURL"`
}

// LockConfig configures the distributed fingerprint lock. An empty address
// selects the process-local locker.
type LockConfig struct {
	RedisAddr     string        `yaml:"redisAddr"`
	RedisUsername string        `yaml:"redisUsername"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	LeaseTTL      time.Duration `yaml:"leaseTTL"`
}

// KnowledgeConfig configures the knowledge store sink.
type KnowledgeConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"apiKey"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// EnabledCapabilities parses the configured capability names, defaulting
// to the full set. Unknown names are dropped with the returned list.
func (c *Config) EnabledCapabilities() []models.Capability {
	if len(c.Capabilities) == 0 {
		return models.AllCapabilities()
	}
	known := make(map[models.Capability]bool, len(models.AllCapabilities()))
	for _, capability := range models.AllCapabilities() {
		known[capability] = true
	}
	var out []models.Capability
	for _, name := range c.Capabilities {
		capability := models.Capability(strings.TrimSpace(name))
		if known[capability] {
			out = append(out, capability)
		}
	}
	return out
}

// Load initialises Config from a YAML file and environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_COORD_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Bus: BusConfig{
			AckWait:      60 * time.Second,
			MaxDeliver:   5,
			FetchBatch:   16,
			FetchTimeout: 5 * time.Second,
			Workers:      4,
		},
		Correlation: CorrelationConfig{
			DedupTTL:    24 * time.Hour,
			Window:      10 * time.Minute,
			Threshold:   0.7,
			LabelWeight: 0.7,
			TimeWeight:  0.3,
			Keys:        []string{"service", "namespace", "cluster", "job"},
		},
		Stages: StagesConfig{
			Timeout:       300 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Lock:      LockConfig{LeaseTTL: 30 * time.Second},
		Knowledge: KnowledgeConfig{Timeout: 5 * time.Second, MaxAttempts: 5},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_COORD_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_COORD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_COORD_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_COORD_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("MIRADOR_COORD_ACK_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bus.AckWait = d
		}
	}
	if v := os.Getenv("MIRADOR_COORD_MAX_DELIVER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.MaxDeliver = n
		}
	}
	if v := os.Getenv("MIRADOR_COORD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Workers = n
		}
	}
	if v := os.Getenv("MIRADOR_COORD_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.DedupTTL = d
		}
	}
	if v := os.Getenv("MIRADOR_COORD_CORRELATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Window = d
		}
	}
	if v := os.Getenv("MIRADOR_COORD_CORRELATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Correlation.Threshold = f
		}
	}
	if v := os.Getenv("MIRADOR_COORD_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stages.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_COORD_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stages.SweepInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_COORD_CAPABILITIES"); v != "" {
		cfg.Capabilities = strings.Split(v, ",")
	}
	if v := os.Getenv("MIRADOR_COORD_DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("MIRADOR_COORD_REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("MIRADOR_COORD_REDIS_PASSWORD"); v != "" {
		cfg.Lock.RedisPassword = v
	}
	if v := os.Getenv("MIRADOR_COORD_WEAVIATE_URL"); v != "" {
		cfg.Knowledge.Endpoint = v
	}
	if v := os.Getenv("MIRADOR_COORD_WEAVIATE_API_KEY"); v != "" {
		cfg.Knowledge.APIKey = v
	}
}
