package worker

import (
	"time"

	"github.com/okian/ritual/internal/domain/dedupe"
	"github.com/okian/ritual/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// PoolOption applies a configuration option to the Pool.
type PoolOption func(*Pool)

// WithDeduper sets the in-flight tracker used by Schedule.
func WithDeduper(d dedupe.Deduper) PoolOption {
	return func(p *Pool) {
		if d != nil {
			p.inFlight = d
		}
	}
}

// WithMaxAttempts caps how many times one cycle is tried per schedule.
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the initial and maximum retry delay.
func WithRetryBackoff(initial, maxDelay time.Duration) PoolOption {
	return func(p *Pool) {
		if initial > 0 {
			p.retryInitial = initial
		}
		if maxDelay >= initial {
			p.retryMax = maxDelay
		}
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l logger.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}
