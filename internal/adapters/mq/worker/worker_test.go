package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/ritual/internal/adapters/mq/queue"
	worker "github.com/okian/ritual/internal/adapters/mq/worker"
	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/generation"
	"github.com/smartystreets/goconvey/convey"
)

// mockInvoker returns scripted results per cycle, then ready.
type mockInvoker struct {
	mu      sync.Mutex
	calls   map[string]int
	script  map[string][]generation.Result
	errs    map[string]error
	block   chan struct{}
	entered chan string
	// retries records, per call, whether a retry was announced for it.
	retries map[string][]bool
}

func newMockInvoker() *mockInvoker {
	return &mockInvoker{
		calls:   make(map[string]int),
		script:  make(map[string][]generation.Result),
		errs:    make(map[string]error),
		entered: make(chan string, 100),
		retries: make(map[string][]bool),
	}
}

func (m *mockInvoker) Invoke(ctx context.Context, cycleID string) (generation.Result, error) {
	m.entered <- cycleID
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[cycleID]++
	_, announced := generation.RetryAfter(ctx)
	m.retries[cycleID] = append(m.retries[cycleID], announced)
	if err, ok := m.errs[cycleID]; ok {
		return generation.Result{}, err
	}
	if steps := m.script[cycleID]; len(steps) > 0 {
		m.script[cycleID] = steps[1:]
		return steps[0], nil
	}
	return generation.Result{Status: generation.StatusReady}, nil
}

func (m *mockInvoker) announced(cycleID string) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool{}, m.retries[cycleID]...)
}

func (m *mockInvoker) count(cycleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[cycleID]
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker reading from a queue", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		inv := newMockInvoker()
		w := worker.NewInMemoryWorker(q, inv, worker.WithName("test-worker"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a task arrives", func() {
			convey.So(q.Enqueue(ctx, queue.Task{CycleID: "c1", Attempt: 1}), convey.ShouldBeTrue)

			convey.Convey("Then the invoker runs for that cycle", func() {
				convey.So(waitFor(func() bool { return inv.count("c1") == 1 }), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When shut down", func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()
			convey.So(w.Shutdown(sctx), convey.ShouldBeNil)

			convey.Convey("Then a second shutdown is harmless", func() {
				convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
			})
		})
	})
}

func TestPoolSchedule(t *testing.T) {
	convey.Convey("Given a running pool", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		inv := newMockInvoker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		convey.Convey("When the same cycle is scheduled while in flight", func() {
			inv.block = make(chan struct{})
			pool := worker.NewPool(2, q, inv)
			pool.Start(ctx)

			convey.So(pool.Schedule(ctx, "c1"), convey.ShouldBeNil)
			<-inv.entered
			err := pool.Schedule(ctx, "c1")

			convey.Convey("Then the duplicate is dropped", func() {
				convey.So(errors.Is(err, worker.ErrAlreadyScheduled), convey.ShouldBeTrue)
				close(inv.block)
				convey.So(waitFor(func() bool { return pool.Stats().InFlight == 0 }), convey.ShouldBeTrue)
				convey.So(inv.count("c1"), convey.ShouldEqual, 1)

				convey.Convey("And it can be scheduled again once settled", func() {
					convey.So(pool.Schedule(ctx, "c1"), convey.ShouldBeNil)
					convey.So(waitFor(func() bool { return inv.count("c1") == 2 }), convey.ShouldBeTrue)
				})
			})
		})

		convey.Convey("When a retryable failure keeps happening", func() {
			failed := generation.Result{Status: generation.StatusFailed, Code: generation.CodeUnavailable}
			inv.script["c2"] = []generation.Result{failed, failed, failed, failed}
			pool := worker.NewPool(1, q, inv,
				worker.WithMaxAttempts(3),
				worker.WithRetryBackoff(time.Millisecond, 2*time.Millisecond),
			)
			pool.Start(ctx)
			convey.So(pool.Schedule(ctx, "c2"), convey.ShouldBeNil)

			convey.Convey("Then it is retried up to the attempt cap", func() {
				convey.So(waitFor(func() bool { return pool.Stats().Failed == 1 }), convey.ShouldBeTrue)
				convey.So(inv.count("c2"), convey.ShouldEqual, 3)
				convey.So(pool.Stats().Retried, convey.ShouldEqual, int64(2))
				convey.So(pool.Stats().InFlight, convey.ShouldEqual, int64(0))
			})

			convey.Convey("Then every attempt but the last announces its retry", func() {
				convey.So(waitFor(func() bool { return pool.Stats().Failed == 1 }), convey.ShouldBeTrue)
				convey.So(inv.announced("c2"), convey.ShouldResemble, []bool{true, true, false})
			})
		})

		convey.Convey("When a transient failure clears", func() {
			inv.script["c3"] = []generation.Result{{Status: generation.StatusFailed, Code: generation.CodeTimeout}}
			pool := worker.NewPool(1, q, inv, worker.WithRetryBackoff(time.Millisecond, time.Millisecond))
			pool.Start(ctx)
			convey.So(pool.Schedule(ctx, "c3"), convey.ShouldBeNil)

			convey.Convey("Then the retry succeeds", func() {
				convey.So(waitFor(func() bool { return inv.count("c3") == 2 && pool.Stats().InFlight == 0 }), convey.ShouldBeTrue)
				convey.So(pool.Stats().Failed, convey.ShouldEqual, int64(0))
			})
		})

		convey.Convey("When the failure is a rate limit", func() {
			inv.script["c4"] = []generation.Result{{Status: generation.StatusFailed, Code: generation.CodeRateLimited}}
			pool := worker.NewPool(1, q, inv, worker.WithRetryBackoff(time.Millisecond, time.Millisecond))
			pool.Start(ctx)
			convey.So(pool.Schedule(ctx, "c4"), convey.ShouldBeNil)

			convey.Convey("Then it is not retried", func() {
				convey.So(waitFor(func() bool { return pool.Stats().Failed == 1 }), convey.ShouldBeTrue)
				convey.So(inv.count("c4"), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When the cycle is gone", func() {
			inv.errs["c5"] = repository.ErrNotFound
			pool := worker.NewPool(1, q, inv, worker.WithRetryBackoff(time.Millisecond, time.Millisecond))
			pool.Start(ctx)
			convey.So(pool.Schedule(ctx, "c5"), convey.ShouldBeNil)

			convey.Convey("Then it is dropped without retries", func() {
				convey.So(waitFor(func() bool { return pool.Stats().Processed == 1 && pool.Stats().InFlight == 0 }), convey.ShouldBeTrue)
				convey.So(inv.count("c5"), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When the pool is shut down", func() {
			pool := worker.NewPool(2, q, inv)
			pool.Start(ctx)
			convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)

			convey.Convey("Then scheduling is refused", func() {
				convey.So(errors.Is(pool.Schedule(ctx, "c6"), queue.ErrStopped), convey.ShouldBeTrue)
			})
		})
	})
}

func TestPoolScheduleFull(t *testing.T) {
	convey.Convey("Given a pool whose queue is full and not drained", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(1))
		pool := worker.NewPool(1, q, newMockInvoker())
		ctx := context.Background()
		convey.So(pool.Schedule(ctx, "a"), convey.ShouldBeNil)

		convey.Convey("Then the next cycle is rejected and not left in flight", func() {
			convey.So(errors.Is(pool.Schedule(ctx, "b"), queue.ErrFull), convey.ShouldBeTrue)
			convey.So(pool.Stats().InFlight, convey.ShouldEqual, int64(1))
		})
	})
}
