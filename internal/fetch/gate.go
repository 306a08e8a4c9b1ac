package fetch

import (
	"context"
	"sync"
	"time"
)

// globalGate spaces requests across every host when a global rate limit is
// configured. Each Acquire books the next slot under the lock before sleeping,
// so concurrent fetchers serialize onto one shared cadence.
type globalGate struct {
	mu     sync.Mutex
	nextAt time.Time
}

// Acquire blocks until the caller's booked slot arrives or ctx is done. The
// clock and sleep hooks come from the pipeline so tests stay deterministic.
func (g *globalGate) Acquire(ctx context.Context, minInterval time.Duration, now func() time.Time, sleep func(context.Context, time.Duration) error) error {
	g.mu.Lock()
	t := now()
	wait := g.nextAt.Sub(t)
	if wait < 0 {
		wait = 0
	}
	g.nextAt = t.Add(wait + minInterval)
	g.mu.Unlock()

	if wait > 0 {
		return sleep(ctx, wait)
	}
	return nil
}
