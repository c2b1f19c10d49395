// Package bus provides the narrow messaging contract the coordinator runs
// on: publish, durable pull subscriptions with explicit ack, and stream
// provisioning. The JetStream client and the in-process bus implement the
// same interface so the engine never branches on transport.
package bus

import (
	"context"
	"errors"
)

// Wire subjects shared with the analyzer agents. These names are an
// external contract and must not change.
const (
	SubjectAlerts    = "alert_stream"
	SubjectResponses = "orchestrator_response"
)

// Message is a single delivery pulled from the bus. Attempt starts at 1 and
// increments on each redelivery.
type Message struct {
	Subject string
	Data    []byte
	Attempt int

	ack  func() error
	nak  func() error
	term func() error
}

// Ack marks the message processed; the bus will not redeliver it.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nak asks the bus to redeliver the message after its backoff.
func (m *Message) Nak() error {
	if m.nak == nil {
		return nil
	}
	return m.nak()
}

// Term discards the message permanently; redelivery would never succeed.
func (m *Message) Term() error {
	if m.term == nil {
		return nil
	}
	return m.term()
}

// Subscription is a durable pull consumer bound to one subject.
type Subscription interface {
	// Fetch blocks up to the bus's fetch timeout and returns at most batch
	// messages. An empty slice with nil error means the wait elapsed idle.
	Fetch(ctx context.Context, batch int) ([]*Message, error)
	// Drain stops delivery and releases consumer resources.
	Drain() error
}

// Bus is the transport capability the coordination engine depends on.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PullSubscribe(subject, durable string) (Subscription, error)
	EnsureStreams(ctx context.Context) error
	Close()
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not retryable: the worker loop terminates the
// message instead of requesting redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked
// permanent via Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
