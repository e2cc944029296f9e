// Package dedupe tracks keys that already have work in flight, so the
// generation runner never queues two tasks for the same cycle.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper records in-flight keys for at-most-once scheduling.
type Deduper interface {
	// SeenAndRecord atomically checks whether id is tracked and records it if not.
	// Returns true if id was already tracked.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord releases id once its work finished or was abandoned.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

type entry struct {
	id         string
	recordedAt time.Time
}

// inMemoryDeduper keeps entries in insertion order. When full, the oldest
// entry is evicted; entries older than ttl are treated as released.
type inMemoryDeduper struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a deduper. Defaults: 1024 entries, no TTL.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 1024,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.index = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if el, ok := d.index[id]; ok {
		if !d.expired(el.Value.(*entry), now) {
			return true
		}
		d.remove(el)
	}

	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		d.remove(d.order.Front())
	}
	d.index[id] = d.order.PushBack(&entry{id: id, recordedAt: now})
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.index[id]; ok {
		d.remove(el)
	}
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}

func (d *inMemoryDeduper) expired(e *entry, now time.Time) bool {
	return d.ttl > 0 && now.Sub(e.recordedAt) >= d.ttl
}

// remove must be called with d.mu held.
func (d *inMemoryDeduper) remove(el *list.Element) {
	if el == nil {
		return
	}
	delete(d.index, el.Value.(*entry).id)
	d.order.Remove(el)
	d.size.Add(-1)
}
