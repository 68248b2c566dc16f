// Package queue implements the partitioned admission queue: one FIFO per
// (service, model family) partition and a single dispatcher that assigns
// credentials to queued requests as keys become eligible.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// tickInterval bounds how long a dispatchable request can sit queued when no
// wake signal fires (e.g. a rate-limit lockout expiring).
const tickInterval = 100 * time.Millisecond

// Partition identifies one FIFO. Billing and rate-limit boundaries coincide
// with (service, family), so head-of-line blocking on one family never
// affects another.
type Partition struct {
	Service proxy.Service
	Family  proxy.ModelFamily
}

// KeySource is the key-pool surface the dispatcher consumes.
type KeySource interface {
	Get(model string, service proxy.Service) (proxy.Key, error)
	AvailableForFamily(service proxy.Service, family proxy.ModelFamily) int
	LockoutPeriod(service proxy.Service, family proxy.ModelFamily) (time.Duration, bool)
}

// Result is what the dispatcher delivers to a queued waiter.
type Result struct {
	Key proxy.Key
	Err error
}

// Item is one queued request plus its delivery channel.
type Item struct {
	Req *proxy.Request
	// ctx is the client's request context; a cancelled item is dropped by
	// the dispatcher when it reaches the partition head.
	ctx context.Context
	// ready is buffered so the dispatcher never blocks on delivery.
	ready chan Result
	// enqueuedAt is this item's queue-entry time, used for wait
	// estimation. Distinct from Req.EnqueuedAt which is the first
	// enqueue and governs FIFO order.
	enqueuedAt time.Time
}

// Ready returns the channel on which the dispatch result is delivered.
func (it *Item) Ready() <-chan Result { return it.ready }

type partition struct {
	items []*Item
	waits waitRing
}

// Queue is the process-wide admission queue.
type Queue struct {
	keys KeySource

	mu    sync.Mutex
	parts map[Partition]*partition
	order []Partition // stable round-robin visit order
	next  int

	wake chan struct{}

	// onDispatch is an optional hook for metrics.
	onDispatch func(Partition, time.Duration)
}

// New creates an empty queue over the given key source.
func New(keys KeySource) *Queue {
	return &Queue{
		keys:  keys,
		parts: make(map[Partition]*partition),
		wake:  make(chan struct{}, 1),
	}
}

// SetOnDispatch registers a hook called with the partition and queue wait of
// every dispatched request.
func (q *Queue) SetOnDispatch(fn func(Partition, time.Duration)) { q.onDispatch = fn }

// Wake nudges the dispatcher. Safe to call from any goroutine; signals
// coalesce. Wired to key-pool state changes and response completion.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends the request to the tail of its partition's FIFO and
// returns the item whose Ready channel delivers the dispatch result.
// The first enqueue stamps Req.EnqueuedAt; re-enqueues keep it, so FIFO
// order within a partition is by first enqueue.
func (q *Queue) Enqueue(ctx context.Context, req *proxy.Request) *Item {
	now := time.Now()
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}
	it := &Item{
		Req:        req,
		ctx:        ctx,
		ready:      make(chan Result, 1),
		enqueuedAt: now,
	}

	part := Partition{Service: req.Service, Family: req.Family}
	q.mu.Lock()
	p, ok := q.parts[part]
	if !ok {
		p = &partition{}
		q.parts[part] = p
		q.order = append(q.order, part)
	}
	p.items = append(p.items, it)
	q.mu.Unlock()

	slog.LogAttrs(ctx, slog.LevelDebug, "request queued",
		slog.String("service", string(req.Service)),
		slog.String("family", string(req.Family)),
		slog.Int("retry", req.RetryCount),
	)

	q.Wake()
	return it
}

// Run drives the dispatcher until ctx is cancelled. Dispatch attempts happen
// on every enqueue, every Wake (key-state change, response complete), and on
// a periodic tick.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain(ctx.Err())
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatchPass()
	}
}

// dispatchPass visits each non-empty partition in round-robin order and pops
// dispatchable heads.
func (q *Queue) dispatchPass() {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	for i := 0; i < n; i++ {
		part := q.order[(q.next+i)%n]
		q.servePartition(part, q.parts[part])
	}
	if n > 0 {
		q.next = (q.next + 1) % n
	}
}

// servePartition pops the partition head while a key is available and the
// head is live. Called with q.mu held.
func (q *Queue) servePartition(part Partition, p *partition) {
	for len(p.items) > 0 {
		head := p.items[0]

		// Client went away while queued: drop without dispatching.
		if head.ctx.Err() != nil {
			p.items = popHead(p.items)
			continue
		}

		// No key will ever own this family: refuse dispatch.
		if _, owned := q.keys.LockoutPeriod(part.Service, part.Family); !owned {
			p.items = popHead(p.items)
			head.ready <- Result{Err: proxy.ErrNoKeyForFamily}
			continue
		}

		if q.keys.AvailableForFamily(part.Service, part.Family) == 0 {
			return
		}

		key, err := q.keys.Get(head.Req.Model, part.Service)
		if err != nil {
			// Eligibility changed between the count and the Get; leave
			// the head queued for the next pass.
			return
		}

		p.items = popHead(p.items)
		wait := time.Since(head.enqueuedAt)
		p.waits.record(wait)
		if q.onDispatch != nil {
			q.onDispatch(part, wait)
		}
		head.ready <- Result{Key: key}
	}
}

// drain fails every queued item when the dispatcher stops.
func (q *Queue) drain(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.parts {
		for _, it := range p.items {
			it.ready <- Result{Err: err}
		}
		p.items = nil
	}
}

// Depth returns the number of pending requests in a partition.
func (q *Queue) Depth(service proxy.Service, family proxy.ModelFamily) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.parts[Partition{Service: service, Family: family}]
	if !ok {
		return 0
	}
	return len(p.items)
}

// Depths returns the pending count for every partition that has ever held a
// request.
func (q *Queue) Depths() map[Partition]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Partition]int, len(q.parts))
	for part, p := range q.parts {
		out[part] = len(p.items)
	}
	return out
}

// EstimatedWait returns a smoothed average of recent end-to-end queue waits
// in the partition. Reported on the info endpoint; never used for admission.
func (q *Queue) EstimatedWait(service proxy.Service, family proxy.ModelFamily) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.parts[Partition{Service: service, Family: family}]
	if !ok {
		return 0
	}
	return p.waits.average()
}

// popHead drops the first element without leaking the backing array slot.
func popHead(items []*Item) []*Item {
	copy(items, items[1:])
	items[len(items)-1] = nil
	return items[:len(items)-1]
}

// waitRing is a fixed ring of recent queue waits.
type waitRing struct {
	slots [10]time.Duration
	n     int // total recorded, capped reads at len(slots)
	head  int
}

func (r *waitRing) record(d time.Duration) {
	r.slots[r.head] = d
	r.head = (r.head + 1) % len(r.slots)
	if r.n < len(r.slots) {
		r.n++
	}
}

func (r *waitRing) average() time.Duration {
	if r.n == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < r.n; i++ {
		sum += r.slots[i]
	}
	return sum / time.Duration(r.n)
}
