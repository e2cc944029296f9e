// Package notify pushes cycle change notifications to live subscribers.
// Delivery is at-least-once per subscriber while subscribed and coalescing:
// a slow subscriber only ever sees the newest pending change.
package notify

import (
	"context"
	"sync"

	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"
)

// Change announces that a cycle reached a new version. Consumers re-read
// the cycle; the change carries no state of its own.
type Change struct {
	CycleID string `json:"cycle_id"`
	Version int64  `json:"version"`
}

// Broker fans out changes per cycle.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	count  int
	log    logger.Logger
	closed bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in one cycle.
func (b *Broker) Subscribe(cycleID string) *Subscription {
	s := &Subscription{
		cycleID: cycleID,
		ch:      make(chan Change, 1),
		broker:  b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.done = true
		close(s.ch)
		return s
	}
	set := b.subs[cycleID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[cycleID] = set
	}
	set[s] = struct{}{}
	b.count++
	metrics.UpdateSubscriberCount(b.count)
	return s
}

// SubscribeFunc calls onUpdate for each change until the subscription is
// cancelled or ctx ends. onUpdate runs on a single goroutine.
func (b *Broker) SubscribeFunc(ctx context.Context, cycleID string, onUpdate func(Change)) *Subscription {
	s := b.Subscribe(cycleID)
	go func() {
		for {
			select {
			case <-ctx.Done():
				s.Unsubscribe()
				return
			case c, ok := <-s.ch:
				if !ok {
					return
				}
				onUpdate(c)
			}
		}
	}()
	return s
}

// Publish delivers a change to every subscriber of its cycle without blocking.
func (b *Broker) Publish(ctx context.Context, c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[c.CycleID] {
		s.offer(c)
	}
	metrics.RecordNotificationPublished()
	b.log.Debug(ctx, "cycle change published",
		logger.String("cycle_id", c.CycleID),
		logger.Int64("version", c.Version),
		logger.Int("subscribers", len(b.subs[c.CycleID])))
}

// OnChange adapts the broker to a store change hook.
func (b *Broker) OnChange(ctx context.Context, cycleID string, version int64) {
	b.Publish(ctx, Change{CycleID: cycleID, Version: version})
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Close ends every subscription; later subscriptions are closed immediately.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, set := range b.subs {
		for s := range set {
			s.closeLocked()
		}
		delete(b.subs, id)
	}
	b.count = 0
	metrics.UpdateSubscriberCount(0)
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.cycleID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.cycleID)
	}
	s.closeLocked()
	b.count--
	metrics.UpdateSubscriberCount(b.count)
}

// Subscription is one consumer's registration for a cycle.
type Subscription struct {
	cycleID string
	ch      chan Change
	broker  *Broker

	mu   sync.Mutex
	done bool
}

// Events yields changes; the channel closes on Unsubscribe.
func (s *Subscription) Events() <-chan Change {
	if s == nil {
		return nil
	}
	return s.ch
}

// Unsubscribe stops delivery. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.broker == nil {
		return
	}
	s.broker.remove(s)
}

// offer replaces any undelivered change with c. Called under broker read lock.
func (s *Subscription) offer(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- c:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- c:
	default:
	}
}

// closeLocked must be called with the broker write lock held.
func (s *Subscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}
