package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-coordinator/internal/bus"
	"github.com/miradorstack/mirador-coordinator/internal/utils"
)

// ConsumerConfig drives one durable pull consumer.
type ConsumerConfig struct {
	Subject    string
	Durable    string
	Workers    int
	FetchBatch int
	MaxDeliver int
}

// RunConsumer pulls messages from a durable consumer and feeds them to the
// handler until the context ends. It blocks; callers run it in a goroutine.
//
// Ack policy mirrors the error taxonomy: nil acks, permanent errors
// terminate the message, anything else naks for redelivery. A message that
// keeps failing until its redelivery budget runs out is logged and left to
// the bus to drop; whatever it carried is treated as failed for its stage.
func RunConsumer(ctx context.Context, b bus.Bus, cfg ConsumerConfig, handle func(ctx context.Context, data []byte) error, logger *slog.Logger) error {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 16
	}
	logger = utils.Component(logger, "consumer").With(slog.String("subject", cfg.Subject))

	sub, err := b.PullSubscribe(cfg.Subject, cfg.Durable)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Drain() }()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				msgs, err := sub.Fetch(ctx, cfg.FetchBatch)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("fetch failed", slog.Any("error", err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
					continue
				}
				for _, msg := range msgs {
					process(ctx, msg, cfg.MaxDeliver, handle, logger)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func process(ctx context.Context, msg *bus.Message, maxDeliver int, handle func(ctx context.Context, data []byte) error, logger *slog.Logger) {
	err := handle(ctx, msg.Data)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Warn("ack failed", slog.Any("error", ackErr))
		}
	case bus.IsPermanent(err):
		logger.Warn("message rejected permanently",
			slog.Int("attempt", msg.Attempt),
			slog.Any("error", err),
		)
		if termErr := msg.Term(); termErr != nil {
			logger.Warn("term failed", slog.Any("error", termErr))
		}
	default:
		if maxDeliver > 0 && msg.Attempt >= maxDeliver {
			logger.Error("redelivery budget exhausted",
				slog.Int("attempt", msg.Attempt),
				slog.Any("error", err),
			)
		} else {
			logger.Warn("message will be redelivered",
				slog.Int("attempt", msg.Attempt),
				slog.Any("error", err),
			)
		}
		if nakErr := msg.Nak(); nakErr != nil {
			logger.Warn("nak failed", slog.Any("error", nakErr))
		}
	}
}
