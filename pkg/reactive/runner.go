// Package reactive implements the Reactive Query Runner: given a
// Change Stream, a query thunk, and per-table/per-event predicate handlers,
// it re-runs the query at most once per "burst" of relevant changes while
// guaranteeing at most one query in flight and that no invalidation is
// silently dropped.
package reactive

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lxsystems/pgreactive/pkg/change"
	"github.com/lxsystems/pgreactive/pkg/metrics"
)

// QueryFunc is the user-supplied thunk re-run on every coalesced
// invalidation.
type QueryFunc[R any] func(ctx context.Context) (R, error)

// Handler decides whether a change is an invalidation. lastResult is the
// most recently delivered query result (the zero value of R before the
// first one lands).
type Handler[R any] func(ctx context.Context, payload map[string]any, lastResult R) (bool, error)

// TableHandlers groups the optional per-event-kind handlers for one table.
// A nil field means "ignore" for that event kind.
type TableHandlers[R any] struct {
	Insert Handler[R]
	Update Handler[R]
	Delete Handler[R]
}

// Handlers maps table name (as it appears on Event.Table) to its handlers.
// A table absent from the map is entirely ignored.
type Handlers[R any] map[string]TableHandlers[R]

// Observer receives the runner's emitted results and terminal error, mirroring
// change.Observer's shape without OnComplete: upstream completion detaches
// the runner without notifying the observer.
type Observer[R any] struct {
	OnNext  func(R)
	OnError func(error)
}

// Runner is the live, subscribed Reactive Query Runner. Construct one with
// New; the initial query() call is kicked off as part of construction.
type Runner[R any] struct {
	query    QueryFunc[R]
	handlers Handlers[R]
	observer Observer[R]
	logger   *zap.Logger
	id       string

	ctx    context.Context
	cancel context.CancelFunc

	sub   *change.Subscription
	queue *eventQueue

	// mu serializes the running/queued/lastResult state machine: no
	// two transitions may interleave.
	mu           sync.Mutex
	running      bool
	queued       bool
	lastResult   R
	unsubscribed bool
}

// New subscribes to changes, kicks off the initial query() call, and begins
// processing invalidations on a dedicated goroutine so that a slow handler
// never blocks the underlying Change Stream's delivery to other
// subscribers.
func New[R any](ctx context.Context, changes *change.Stream, query QueryFunc[R], handlers Handlers[R], observer Observer[R], logger *zap.Logger) *Runner[R] {
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(ctx)

	id := uuid.NewString()
	r := &Runner[R]{
		query:    query,
		handlers: handlers,
		observer: observer,
		logger:   logger.With(zap.String("runner", id)),
		id:       id,
		ctx:      runCtx,
		cancel:   cancel,
		queue:    newEventQueue(),
	}

	// Mark the initial run as in flight before subscribing: a change the
	// live stream delivers mid-construction must coalesce into queued
	// rather than race a second concurrent runQuery.
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	r.sub = changes.Subscribe(&change.Observer{
		OnNext:     r.enqueue,
		OnComplete: r.onUpstreamDone,
		OnError:    r.onUpstreamError,
	})

	go r.worker()
	go r.runQuery()

	return r
}

// Unsubscribe detaches from the Change Stream. Any in-flight query
// is allowed to finish but its result is discarded; no new query starts;
// no further handler invocations occur. Idempotent.
func (r *Runner[R]) Unsubscribe() {
	r.mu.Lock()
	if r.unsubscribed {
		r.mu.Unlock()
		return
	}
	r.unsubscribed = true
	r.mu.Unlock()

	r.sub.Unsubscribe()
	r.cancel()
}

func (r *Runner[R]) isUnsubscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribed
}

// enqueue is called synchronously by the Change Stream's fan-out and
// must never block or do meaningful work: it only hands the event to this
// runner's private queue, which a dedicated goroutine drains in order.
func (r *Runner[R]) enqueue(evt change.Event) {
	if r.isUnsubscribed() {
		return
	}
	r.queue.push(evt)
}

func (r *Runner[R]) onUpstreamDone() {
	r.Unsubscribe()
}

func (r *Runner[R]) onUpstreamError(err error) {
	r.fail(err)
}

// worker drains the per-runner event queue one change at a time, in
// delivery order, awaiting each handler before moving to the next.
func (r *Runner[R]) worker() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.queue.notify:
		}

		for {
			if r.isUnsubscribed() {
				return
			}
			evt, ok := r.queue.pop()
			if !ok {
				break
			}
			r.processChange(evt)
		}
	}
}

func (r *Runner[R]) processChange(evt change.Event) {
	handler := r.handlerFor(evt)
	if handler == nil {
		return
	}

	r.mu.Lock()
	last := r.lastResult
	r.mu.Unlock()

	accept, err := handler(r.ctx, evt.Payload(), last)
	if err != nil {
		r.fail(err)
		return
	}
	if !accept {
		return
	}

	metrics.RunnerInvalidations.WithLabelValues(r.id).Inc()
	r.invalidate()
}

func (r *Runner[R]) handlerFor(evt change.Event) Handler[R] {
	th, ok := r.handlers[evt.Table]
	if !ok {
		return nil
	}
	switch evt.Kind {
	case change.Insert:
		return th.Insert
	case change.Update:
		return th.Update
	case change.Delete:
		return th.Delete
	default:
		return nil
	}
}

// invalidate applies the coalescing state machine transition for one
// accepted invalidation.
func (r *Runner[R]) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsubscribed {
		return
	}

	switch {
	case !r.running:
		r.running = true
		go r.runQuery()
	case r.running && !r.queued:
		r.queued = true
	default:
		// running && queued: already covered, drop.
	}
}

// runQuery executes query() once and applies its result, restarting
// immediately if a follow-up was queued while it ran.
func (r *Runner[R]) runQuery() {
	timer := prometheus.NewTimer(metrics.RunnerQueryDuration.WithLabelValues(r.id))
	result, err := r.query(r.ctx)
	timer.ObserveDuration()
	metrics.RunnerQueries.WithLabelValues(r.id).Inc()

	r.mu.Lock()
	if r.unsubscribed {
		r.mu.Unlock()
		return
	}

	if err != nil {
		r.running = false
		r.mu.Unlock()
		r.fail(err)
		return
	}

	r.lastResult = result
	runAgain := false
	if r.queued {
		r.queued = false
		runAgain = true
	} else {
		r.running = false
	}
	observer := r.observer
	r.mu.Unlock()

	if observer.OnNext != nil {
		observer.OnNext(result)
	}

	if runAgain {
		r.runQuery()
	}
}

func (r *Runner[R]) fail(err error) {
	r.mu.Lock()
	if r.unsubscribed {
		r.mu.Unlock()
		return
	}
	r.unsubscribed = true
	r.mu.Unlock()

	r.logger.Error("reactive query runner terminated", zap.Error(err))
	r.sub.Unsubscribe()
	r.cancel()
	if r.observer.OnError != nil {
		r.observer.OnError(err)
	}
}

// eventQueue is an unbounded FIFO so that Stream.Next (called
// synchronously by the poller) never blocks on a slow runner.
type eventQueue struct {
	mu     sync.Mutex
	items  []change.Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(e change.Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (change.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return change.Event{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}
