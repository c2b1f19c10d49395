// Package lock serializes fingerprint resolution so two workers cannot
// create separate incidents for the same fingerprint concurrently. The
// local locker covers a single process; the Redis locker extends the same
// guarantee across coordinator replicas.
package lock

import (
	"context"
	"hash/fnv"
	"sync"
)

// Locker grants exclusive ownership of a key for the duration between
// Acquire returning and the release function being called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

const stripes = 64

// LocalLocker is a striped in-process mutex set. Two distinct keys may
// share a stripe; that only costs contention, never correctness.
type LocalLocker struct {
	mu [stripes]sync.Mutex
}

// NewLocalLocker returns a process-local Locker.
func NewLocalLocker() *LocalLocker { return &LocalLocker{} }

// Acquire blocks until the key's stripe is free.
func (l *LocalLocker) Acquire(_ context.Context, key string) (func(), error) {
	m := &l.mu[stripeFor(key)]
	m.Lock()
	return m.Unlock, nil
}

func stripeFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % stripes
}
