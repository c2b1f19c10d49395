package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-coordinator/internal/aggregate"
	"github.com/miradorstack/mirador-coordinator/internal/bus"
	"github.com/miradorstack/mirador-coordinator/internal/config"
	"github.com/miradorstack/mirador-coordinator/internal/coordinator"
	"github.com/miradorstack/mirador-coordinator/internal/correlate"
	"github.com/miradorstack/mirador-coordinator/internal/dispatch"
	"github.com/miradorstack/mirador-coordinator/internal/incident"
	"github.com/miradorstack/mirador-coordinator/internal/incident/memstore"
	"github.com/miradorstack/mirador-coordinator/internal/incident/pgstore"
	"github.com/miradorstack/mirador-coordinator/internal/knowledge"
	"github.com/miradorstack/mirador-coordinator/internal/lock"
	"github.com/miradorstack/mirador-coordinator/internal/metrics"
	"github.com/miradorstack/mirador-coordinator/internal/models"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-coordinator",
		slog.String("metrics_address", cfg.Server.MetricsAddress),
		slog.Bool("dev_bus", cfg.Bus.URL == ""),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Incident store: Postgres for durability, memory for dev.
	var store incident.Store
	if cfg.Store.DatabaseURL != "" {
		pool, err := pgstore.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		store, err = pgstore.New(ctx, pool)
		if err != nil {
			logger.Error("incident store init failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("using postgres incident store")
	} else {
		store = memstore.New()
		logger.Warn("using in-memory incident store; incidents will not survive restart")
	}

	// Fingerprint lock: Redis lease across replicas, local mutex otherwise.
	var locker lock.Locker
	if cfg.Lock.RedisAddr != "" {
		redisLocker, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			Addr:     cfg.Lock.RedisAddr,
			Username: cfg.Lock.RedisUsername,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			LeaseTTL: cfg.Lock.LeaseTTL,
		})
		if err != nil {
			logger.Error("redis locker unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		defer redisLocker.Close()
		locker = redisLocker
		logger.Info("using redis fingerprint lock", slog.String("addr", cfg.Lock.RedisAddr))
	} else {
		locker = lock.NewLocalLocker()
	}

	// Bus: JetStream when configured, in-process for dev.
	var transport bus.Bus
	if cfg.Bus.URL != "" {
		natsBus, err := bus.Connect(bus.Config{
			URL:          cfg.Bus.URL,
			AckWait:      cfg.Bus.AckWait,
			MaxDeliver:   cfg.Bus.MaxDeliver,
			FetchTimeout: cfg.Bus.FetchTimeout,
		}, logger)
		if err != nil {
			logger.Error("nats unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		transport = natsBus
	} else {
		transport = bus.NewMemBus(cfg.Bus.MaxDeliver)
		logger.Warn("using in-process bus; for development only")
	}
	defer transport.Close()

	if err := transport.EnsureStreams(ctx); err != nil {
		logger.Error("stream provisioning failed", slog.Any("error", err))
		os.Exit(1)
	}

	var sink knowledge.Sink = knowledge.NoopSink{}
	if cfg.Knowledge.Endpoint != "" {
		sink = knowledge.NewWeaviateSink(cfg.Knowledge.Endpoint, cfg.Knowledge.APIKey, cfg.Knowledge.Timeout)
		logger.Info("knowledge sink enabled", slog.String("endpoint", cfg.Knowledge.Endpoint))
	}

	machine := incident.NewMachine(store, logger)
	correlator := correlate.New(store, machine, locker, correlate.Config{
		DedupTTL:    cfg.Correlation.DedupTTL,
		Window:      cfg.Correlation.Window,
		Threshold:   cfg.Correlation.Threshold,
		LabelWeight: cfg.Correlation.LabelWeight,
		TimeWeight:  cfg.Correlation.TimeWeight,
		Keys:        cfg.Correlation.Keys,
	}, logger)
	dispatcher := dispatch.New(transport, logger)
	aggregator := aggregate.New(machine, logger)

	coord := coordinator.New(machine, correlator, dispatcher, aggregator, sink, coordinator.Config{
		Enabled:         cfg.EnabledCapabilities(),
		PersistAttempts: cfg.Knowledge.MaxAttempts,
	}, logger)

	sweeper := aggregate.NewSweeper(
		store,
		cfg.Stages.SweepInterval,
		func(stage models.Stage) time.Duration { return cfg.Stages.TimeoutFor(stage) },
		func(ctx context.Context, in *models.Incident) { coord.Advance(ctx, in) },
		func(ctx context.Context, in *models.Incident) { coord.Advance(ctx, in) },
		logger,
	)
	go sweeper.Run(ctx)

	consumerErrs := make(chan error, 2)
	go func() {
		consumerErrs <- coordinator.RunConsumer(ctx, transport, coordinator.ConsumerConfig{
			Subject:    bus.SubjectAlerts,
			Durable:    "coordinator-alerts",
			Workers:    cfg.Bus.Workers,
			FetchBatch: cfg.Bus.FetchBatch,
			MaxDeliver: cfg.Bus.MaxDeliver,
		}, coord.HandleAlert, logger)
	}()
	go func() {
		consumerErrs <- coordinator.RunConsumer(ctx, transport, coordinator.ConsumerConfig{
			Subject:    bus.SubjectResponses,
			Durable:    "coordinator-responses",
			Workers:    cfg.Bus.Workers,
			FetchBatch: cfg.Bus.FetchBatch,
			MaxDeliver: cfg.Bus.MaxDeliver,
		}, coord.HandleResponse, logger)
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-consumerErrs:
		if err != nil {
			logger.Error("consumer exited", slog.Any("error", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}

	// Let background knowledge writes land before closing the transport.
	coord.Drain()

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-coordinator stopped")
}
