// Package worker runs background generation for cycles whose inputs are
// complete. Submitters never wait on it: outcomes land on the cycle record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/ritual/internal/adapters/mq/queue"
	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/dedupe"
	"github.com/okian/ritual/internal/generation"
	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultMaxAttempts    = 3
	defaultRetryInitial   = 2 * time.Second
	defaultRetryMax       = 30 * time.Second
	metricsUpdateInterval = 5 * time.Second
	poolShutdownTimeout   = 30 * time.Second
)

// Invoker runs generation for a cycle.
type Invoker interface {
	Invoke(ctx context.Context, cycleID string) (generation.Result, error)
}

// Queue defines how the pool moves tasks.
type Queue interface {
	Enqueue(ctx context.Context, t queue.Task) bool
	Dequeue(ctx context.Context) <-chan queue.Task
}

// Worker processes generation tasks.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown gracefully stops the worker.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker pulls tasks from the queue and hands outcomes to its pool.
type InMemoryWorker struct {
	queue   Queue
	invoker Invoker
	prepare func(ctx context.Context, t queue.Task) context.Context
	settle  func(ctx context.Context, t queue.Task, res generation.Result, err error)
	name    string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, invoker Invoker, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		invoker:  invoker,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	tasks := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case t, ok := <-tasks:
			if !ok {
				return
			}
			w.process(ctx, t)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, t queue.Task) {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if w.prepare != nil {
		ctx = w.prepare(ctx, t)
	}
	res, err := w.invoker.Invoke(ctx, t.CycleID)
	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "invoke_error")
		w.logger.Error(ctx, "generation invoke failed",
			logger.String("cycle_id", t.CycleID),
			logger.Int("attempt", t.Attempt),
			logger.Error(err),
		)
	}
	if w.settle != nil {
		w.settle(ctx, t, res, err)
	}
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	InFlight  int64 `json:"in_flight"`
}

// Pool manages workers plus scheduling, in-flight dedupe and retries.
type Pool struct {
	workers  []*InMemoryWorker
	queue    Queue
	invoker  Invoker
	inFlight dedupe.Deduper

	maxAttempts  int
	retryInitial time.Duration
	retryMax     time.Duration

	active    atomic.Int64
	processed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64

	retries  sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once

	logger logger.Logger
}

// NewPool creates a new worker pool.
func NewPool(workerCount int, q Queue, invoker Invoker, opts ...PoolOption) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}

	p := &Pool{
		workers:      make([]*InMemoryWorker, workerCount),
		queue:        q,
		invoker:      invoker,
		maxAttempts:  defaultMaxAttempts,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
		shutdown:     make(chan struct{}),
		logger:       logger.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inFlight == nil {
		p.inFlight = dedupe.NewInMemoryDeduper()
	}
	p.logger = p.logger.Named("worker-pool")

	for i := 0; i < workerCount; i++ {
		w := NewInMemoryWorker(q, p.instrumented(), WithName("worker-"+strconv.Itoa(i)), WithLogger(p.logger))
		w.prepare = p.attemptContext
		w.settle = p.settle
		p.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)
	metrics.UpdateWorkerIdleCount(workerCount)

	return p
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.startMetricsUpdater(ctx)
}

// Schedule queues generation for a cycle unless one is already queued or running.
func (p *Pool) Schedule(ctx context.Context, cycleID string) error {
	select {
	case <-p.shutdown:
		return queue.ErrStopped
	default:
	}
	if p.inFlight.SeenAndRecord(ctx, cycleID) {
		return ErrAlreadyScheduled
	}
	if !p.queue.Enqueue(ctx, queue.Task{CycleID: cycleID, Attempt: 1}) {
		p.inFlight.Unrecord(ctx, cycleID)
		return queue.ErrFull
	}
	return nil
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   len(p.workers),
		Active:    p.active.Load(),
		Processed: p.processed.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
		InFlight:  p.inFlight.Size(),
	}
}

func (p *Pool) instrumented() Invoker {
	return invokerFunc(func(ctx context.Context, cycleID string) (generation.Result, error) {
		active := p.active.Add(1)
		metrics.UpdateWorkerActiveCount(int(active))
		metrics.UpdateWorkerIdleCount(len(p.workers) - int(active))
		defer func() {
			active := p.active.Add(-1)
			metrics.UpdateWorkerActiveCount(int(active))
			metrics.UpdateWorkerIdleCount(len(p.workers) - int(active))
		}()
		return p.invoker.Invoke(ctx, cycleID)
	})
}

// attemptContext tells the invoker when a retryable failure of t will be
// retried, so the cycle keeps reporting generation in progress.
func (p *Pool) attemptContext(ctx context.Context, t queue.Task) context.Context {
	if t.Attempt >= p.maxAttempts {
		return ctx
	}
	return generation.WithRetryAfter(ctx, p.retryDelay(t.Attempt))
}

// settle decides whether a finished task is done or goes back on the queue.
func (p *Pool) settle(ctx context.Context, t queue.Task, res generation.Result, err error) {
	p.processed.Add(1)

	retry := false
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		retry = true
	case res.Status == generation.StatusFailed:
		retry = res.Code.Retryable()
	}

	if !retry || t.Attempt >= p.maxAttempts {
		p.inFlight.Unrecord(ctx, t.CycleID)
		if retry || res.Status == generation.StatusFailed {
			p.failed.Add(1)
			p.logger.Warn(ctx, "generation gave up",
				logger.String("cycle_id", t.CycleID),
				logger.Int("attempt", t.Attempt),
				logger.String("code", string(res.Code)),
			)
		}
		return
	}

	select {
	case <-p.shutdown:
		p.inFlight.Unrecord(ctx, t.CycleID)
		return
	default:
	}

	delay, ok := generation.RetryAfter(ctx)
	if !ok {
		delay = p.retryDelay(t.Attempt)
	}
	p.retried.Add(1)
	metrics.RecordWorkerRetry()
	p.logger.Info(ctx, "retrying generation",
		logger.String("cycle_id", t.CycleID),
		logger.Int("attempt", t.Attempt+1),
		logger.Duration("delay", delay),
	)

	next := queue.Task{CycleID: t.CycleID, Attempt: t.Attempt + 1}
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.shutdown:
		case <-ctx.Done():
		case <-timer.C:
			if p.queue.Enqueue(ctx, next) {
				return
			}
		}
		p.inFlight.Unrecord(context.Background(), next.CycleID)
	}()
}

// retryDelay is the exponential backoff delay before the attempt after attempt.
func (p *Pool) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInitial
	b.MaxInterval = p.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			active := int(p.active.Load())
			metrics.UpdateWorkerActiveCount(active)
			metrics.UpdateWorkerIdleCount(len(p.workers) - active)
		}
	}
}

// Shutdown closes the queue, drops pending retries and waits for workers
// to finish their current task.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}
	p.stopOnce.Do(func() { close(p.shutdown) })

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	p.retries.Wait()
	return nil
}

type invokerFunc func(ctx context.Context, cycleID string) (generation.Result, error)

func (f invokerFunc) Invoke(ctx context.Context, cycleID string) (generation.Result, error) {
	return f(ctx, cycleID)
}
