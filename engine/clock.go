package engine

import (
	"context"
	"time"

	"github.com/chanijjani/lingua-franca/types"
)

// RuntimeClock is the engine-side clock a federate reads. Physical time
// is the wall clock. Logical time is a plain field: every mutation and
// every read that feeds a timed delivery happens under the federate's
// clock lock, which is the synchronization for it.
type RuntimeClock struct {
	logical types.Instant
}

func (c *RuntimeClock) LogicalTime() types.Instant { return c.logical }

func (c *RuntimeClock) PhysicalTime() types.Instant { return time.Now().UnixNano() }

// SetLogical moves the logical clock. Callers hold the clock lock.
func (c *RuntimeClock) SetLogical(t types.Instant) { c.logical = t }

// WaitUntil blocks until physical time reaches t or ctx is cancelled.
func (c *RuntimeClock) WaitUntil(ctx context.Context, t types.Instant) error {
	d := time.Duration(t - c.PhysicalTime())
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
