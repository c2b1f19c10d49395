package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemBus is an in-process Bus used for dev mode and tests. It mimics the
// JetStream semantics the engine relies on: explicit ack, redelivery on
// nak up to a bounded budget, and termination of poison messages.
type MemBus struct {
	mu         sync.Mutex
	queues     map[string][]*memEntry
	maxDeliver int
	closed     bool
}

type memEntry struct {
	data    []byte
	attempt int
}

// NewMemBus creates an in-process bus with the given redelivery budget.
func NewMemBus(maxDeliver int) *MemBus {
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	return &MemBus{
		queues:     make(map[string][]*memEntry),
		maxDeliver: maxDeliver,
	}
}

// Publish enqueues data on the subject.
func (b *MemBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	cp := append([]byte(nil), data...)
	b.queues[subject] = append(b.queues[subject], &memEntry{data: cp, attempt: 1})
	return nil
}

// EnsureStreams is a no-op for the in-process bus.
func (b *MemBus) EnsureStreams(context.Context) error { return nil }

// PullSubscribe returns a consumer for the subject. Subscriptions sharing a
// subject compete for messages, like members of one queue group.
func (b *MemBus) PullSubscribe(subject, _ string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus closed")
	}
	return &memSubscription{bus: b, subject: subject}, nil
}

// Close rejects further publishes. Pending messages are dropped.
func (b *MemBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Pending reports the number of undelivered messages on a subject. Test hook.
func (b *MemBus) Pending(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[subject])
}

func (b *MemBus) take(subject string, batch int) []*memEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[subject]
	if len(q) == 0 {
		return nil
	}
	if batch > len(q) {
		batch = len(q)
	}
	taken := q[:batch]
	b.queues[subject] = q[batch:]
	return taken
}

func (b *MemBus) redeliver(subject string, e *memEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || e.attempt >= b.maxDeliver {
		return
	}
	e.attempt++
	b.queues[subject] = append(b.queues[subject], e)
}

type memSubscription struct {
	bus     *MemBus
	subject string
}

func (s *memSubscription) Fetch(ctx context.Context, batch int) ([]*Message, error) {
	if batch <= 0 {
		batch = 1
	}
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries := s.bus.take(s.subject, batch)
		if len(entries) > 0 {
			out := make([]*Message, 0, len(entries))
			for _, e := range entries {
				entry := e
				out = append(out, &Message{
					Subject: s.subject,
					Data:    entry.data,
					Attempt: entry.attempt,
					ack:     func() error { return nil },
					nak: func() error {
						s.bus.redeliver(s.subject, entry)
						return nil
					},
					term: func() error { return nil },
				})
			}
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *memSubscription) Drain() error { return nil }
