// Package gate provides bounded-concurrency admission gates. A gate is a
// counting semaphore with FIFO waiters: callers queue in arrival order and
// are granted slots as holders release them, so no caller can be starved by
// later arrivals. Two independent gates bound the two scarce resources of
// the playback pipeline (object store connections, transcode subprocesses);
// they are configured separately and never cross-released.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/telvox/recording-cache/telemetry"
)

// Gate is a named FIFO admission gate with a fixed capacity.
type Gate struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

// New creates a gate with the given name and capacity.
// A capacity below 1 is treated as 1.
func New(name string, capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Acquire blocks until a slot is free, then returns a token for it.
// Waiters are served in arrival order. The only failure mode is the caller's
// context expiring or being cancelled while queued.
func (g *Gate) Acquire(ctx context.Context) (*Token, error) {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring %s gate slot: %w", g.name, err)
	}
	g.inUse.Add(1)
	telemetry.RecordGateWait(ctx, g.name, time.Since(start))
	return &Token{gate: g}, nil
}

// Name returns the gate's name.
func (g *Gate) Name() string {
	return g.name
}

// Capacity returns the configured slot count.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}

// InUse returns the number of outstanding unreleased tokens.
// Never exceeds Capacity.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Token is a scoped lease on one gate slot. Release is idempotent, so it is
// safe to both defer it and call it early on the fast path.
type Token struct {
	gate *Gate
	once sync.Once
}

// Release returns the slot to the gate, waking the longest-waiting acquirer
// if any. Calling Release more than once has no further effect.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.gate.inUse.Add(-1)
		t.gate.sem.Release(1)
	})
}
