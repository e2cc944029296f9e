package notify

import (
	"context"
	"time"
)

// CheckFunc re-reads state and reports whether the awaited condition holds.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Wait blocks until check reports done, check fails, or ctx ends. The check
// runs once up front, then on every event and on every poll tick, so the
// push and poll triggers share one transition path. A nil events channel or
// a non-positive interval disables that trigger.
func Wait(ctx context.Context, events <-chan Change, interval time.Duration, check CheckFunc) error {
	if done, err := check(ctx); err != nil || done {
		return err
	}

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				// Push channel gone; keep polling if we can.
				events = nil
				if tick == nil {
					return ErrStreamClosed
				}
				continue
			}
		case <-tick:
		}
		if done, err := check(ctx); err != nil || done {
			return err
		}
	}
}
