package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-coordinator/internal/models"
)

// Config holds connection and consumer policy for the JetStream bus.
type Config struct {
	URL          string
	AckWait      time.Duration
	MaxDeliver   int
	FetchTimeout time.Duration
}

// NATSBus implements Bus on NATS JetStream. Delivery is at-least-once; the
// engine's idempotence guarantees absorb redelivery.
type NATSBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// Connect dials the NATS server and binds a JetStream context.
func Connect(cfg Config, logger *slog.Logger) (*NATSBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 60 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", conn.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &NATSBus{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStreams provisions the streams backing the coordinator's subjects.
// Existing streams are left untouched.
func (b *NATSBus) EnsureStreams(_ context.Context) error {
	taskSubjects := make([]string, 0, len(models.AllCapabilities()))
	for _, c := range models.AllCapabilities() {
		taskSubjects = append(taskSubjects, c.Subject())
	}

	defs := []nats.StreamConfig{
		{Name: "ALERTS", Subjects: []string{SubjectAlerts}, MaxAge: 24 * time.Hour},
		{Name: "AGENT_TASKS", Subjects: taskSubjects, MaxAge: 24 * time.Hour},
		{Name: "RESPONSES", Subjects: []string{SubjectResponses}, MaxAge: 24 * time.Hour},
	}

	for _, def := range defs {
		_, err := b.js.StreamInfo(def.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", def.Name, err)
		}
		if _, err := b.js.AddStream(&def); err != nil {
			return fmt.Errorf("add stream %s: %w", def.Name, err)
		}
		b.logger.Info("created stream", slog.String("stream", def.Name))
	}
	return nil
}

// Publish sends data to the subject with JetStream persistence.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PullSubscribe creates (or re-binds) a durable pull consumer with explicit
// ack policy and the configured redelivery budget.
func (b *NATSBus) PullSubscribe(subject, durable string) (Subscription, error) {
	sub, err := b.js.PullSubscribe(subject, durable,
		nats.AckExplicit(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(b.cfg.MaxDeliver),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub, timeout: b.cfg.FetchTimeout}, nil
}

// Close drains the connection so in-flight acks reach the server.
func (b *NATSBus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("nats drain", slog.Any("error", err))
	}
	b.nc.Close()
}

type natsSubscription struct {
	sub     *nats.Subscription
	timeout time.Duration
}

func (s *natsSubscription) Fetch(ctx context.Context, batch int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = 1
	}

	msgs, err := s.sub.Fetch(batch, nats.MaxWait(s.timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		attempt := 1
		if meta, metaErr := m.Metadata(); metaErr == nil {
			attempt = int(meta.NumDelivered)
		}
		msg := m
		out = append(out, &Message{
			Subject: msg.Subject,
			Data:    msg.Data,
			Attempt: attempt,
			ack:     func() error { return msg.Ack() },
			nak:     func() error { return msg.Nak() },
			term:    func() error { return msg.Term() },
		})
	}
	return out, nil
}

func (s *natsSubscription) Drain() error {
	return s.sub.Drain()
}
