// Package service coordinates the weekly cycle: partner submissions,
// background generation, reconciliation and history. It implements the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	eventqueue "github.com/okian/ritual/internal/adapters/mq/queue"
	workerpool "github.com/okian/ritual/internal/adapters/mq/worker"
	"github.com/okian/ritual/internal/adapters/notify"
	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/dedupe"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/reconcile"
	"github.com/okian/ritual/internal/generation"
	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"
)

// Service implements the API dependencies for the weekly ritual cycle.
type Service struct {
	mu sync.RWMutex

	// Core components
	store    repository.Store
	broker   *notify.Broker
	provider generation.Provider
	invoker  *generation.Invoker
	engine   *reconcile.Engine
	queue    *eventqueue.InMemoryQueue
	pool     *workerpool.Pool

	// Configuration
	workerCount     int
	queueSize       int
	dedupeSize      int
	maxAttempts     int
	retryInitial    time.Duration
	retryMax        time.Duration
	generationWait  time.Duration
	generationLimit time.Duration
	claimStaleAfter time.Duration
	ratePerMinute   int
	pickerRule      reconcile.PickerRule
	location        *time.Location
	now             func() time.Time

	// State
	started bool

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the preference store. The store's change hook should
// publish to the broker passed with WithBroker.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithBroker sets the change notification broker.
func WithBroker(b *notify.Broker) Option {
	return func(s *Service) {
		if b != nil {
			s.broker = b
		}
	}
}

// WithProvider sets the generation provider.
func WithProvider(p generation.Provider) Option {
	return func(s *Service) {
		if p != nil {
			s.provider = p
		}
	}
}

// WithWorkerCount sets the number of background generation workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the generation queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets how many in-flight cycles are tracked.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithMaxAttempts caps background generation attempts per cycle.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the background retry delay range.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return func(s *Service) {
		s.retryInitial = initial
		s.retryMax = maxDelay
	}
}

// WithGenerationWait sets how long InvokeGeneration waits before answering
// that generation is still running.
func WithGenerationWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.generationWait = d
		}
	}
}

// WithGenerationTimeout bounds one provider call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.generationLimit = d
		}
	}
}

// WithClaimStaleAfter sets when an abandoned generation claim may be taken over.
func WithClaimStaleAfter(d time.Duration) Option {
	return func(s *Service) { s.claimStaleAfter = d }
}

// WithRateLimit caps provider calls per minute.
func WithRateLimit(perMinute int) Option {
	return func(s *Service) { s.ratePerMinute = perMinute }
}

// WithPickerRule sets the weekly picker rotation rule.
func WithPickerRule(rule reconcile.PickerRule) Option {
	return func(s *Service) {
		if rule != "" {
			s.pickerRule = rule
		}
	}
}

// WithLocation sets the zone week boundaries are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service. Without WithStore an in-memory store wired to
// the broker is used; without WithProvider the simulated provider is used.
func New(opts ...Option) *Service {
	s := &Service{
		workerCount:     runtime.NumCPU(),
		queueSize:       1024,
		dedupeSize:      4096,
		maxAttempts:     3,
		retryInitial:    2 * time.Second,
		retryMax:        30 * time.Second,
		generationWait:  60 * time.Second,
		generationLimit: 45 * time.Second,
		claimStaleAfter: 90 * time.Second,
		ratePerMinute:   30,
		pickerRule:      reconcile.RuleEpochWeek,
		location:        time.UTC,
		now:             time.Now,
		logger:          logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.broker == nil {
		s.broker = notify.NewBroker(notify.WithLogger(s.logger))
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore(
			repository.WithChangeHook(s.broker.OnChange),
			repository.WithClock(s.now),
		)
	}
	if s.provider == nil {
		s.provider = generation.NewSimulatedProvider()
	}

	s.engine = reconcile.NewEngine(reconcile.WithPickerRule(s.pickerRule))
	s.invoker = generation.NewInvoker(s.store, s.provider,
		generation.WithTimeout(s.generationLimit),
		generation.WithClaimStaleAfter(s.claimStaleAfter),
		generation.WithRateLimit(s.ratePerMinute),
		generation.WithInvokerClock(s.now),
		generation.WithInvokerLogger(s.logger.Named("generation")),
	)
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize), eventqueue.WithClock(s.now))
	s.pool = workerpool.NewPool(s.workerCount, s.queue, s.invoker,
		workerpool.WithDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))),
		workerpool.WithMaxAttempts(s.maxAttempts),
		workerpool.WithRetryBackoff(s.retryInitial, s.retryMax),
		workerpool.WithPoolLogger(s.logger),
	)
	return s
}

// Start starts the background generation workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.pool.Start(ctx)
	s.started = true
	s.logger.Info(ctx, "ritual service started",
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.String("provider", s.provider.Name()),
		logger.String("pickerRule", string(s.pickerRule)),
	)
	return nil
}

// Stop drains the workers and releases the store, broker and provider.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping ritual service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
	}
	s.broker.Close()
	if closer, ok := s.provider.(generation.Closer); ok {
		_ = closer.Close()
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "store close", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "ritual service stopped")
}

// Broker returns the change notification broker.
func (s *Service) Broker() *notify.Broker { return s.broker }

// Engine returns the reconciliation engine.
func (s *Service) Engine() *reconcile.Engine { return s.engine }

// Picker returns the partner who picks in the week starting at weekStart.
func (s *Service) Picker(weekStart time.Time) model.PartnerSlot { return s.engine.Picker(weekStart) }

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"provider":    s.provider.Name(),
		"pickerRule":  string(s.pickerRule),
	}

	if s.started {
		queueLen := s.queue.Len(ctx)
		subscribers := s.broker.Subscribers()
		stats["queueLength"] = queueLen
		stats["subscribers"] = subscribers
		stats["workers"] = s.pool.Stats()

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateSubscriberCount(subscribers)
		metrics.UpdateWorkerCount(s.workerCount)
	}

	return stats
}
