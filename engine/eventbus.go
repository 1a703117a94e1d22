package engine

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"

	"yieldkit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

const (
	defaultShards    = 4
	defaultQueueSize = 512
)

// BusOption tunes async dispatch.
type BusOption func(*EventBus)

// WithShards sets the number of async workers. Events of one user always
// land on the same worker, so they are delivered in publish order.
func WithShards(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.shardCount = n
		}
	}
}

// WithQueueSize sets the buffer of each shard.
func WithQueueSize(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

type handler struct {
	id  uint64
	typ core.EventType // empty for SubscribeAll
	fn  func(context.Context, core.Event)
}

// EventBus fans domain events out to subscribers, either inline or through
// per-user ordered worker shards.
type EventBus struct {
	mode       DispatchMode
	shardCount int
	queueSize  int

	mu       sync.RWMutex
	handlers []handler // ordered by id
	nextID   uint64
	onDrop   func(core.Event)

	// sendMu orders sends against Close: Publish holds it for reading while
	// it sends, Close takes it for writing to flip stopped.
	sendMu    sync.RWMutex
	stopped   bool
	shards    []chan core.Event
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func NewEventBus(mode DispatchMode, opts ...BusOption) *EventBus {
	e := &EventBus{
		mode:       mode,
		shardCount: defaultShards,
		queueSize:  defaultQueueSize,
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if mode == DispatchAsync {
		e.shards = make([]chan core.Event, e.shardCount)
		for i := range e.shards {
			e.shards[i] = make(chan core.Event, e.queueSize)
			e.wg.Add(1)
			go e.work(e.shards[i])
		}
	}
	return e
}

// OnDrop registers a callback for events the bus could not queue.
func (e *EventBus) OnDrop(fn func(core.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDrop = fn
}

func (e *EventBus) work(queue chan core.Event) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-queue:
			e.dispatch(context.Background(), ev)
		case <-e.closed:
			for {
				select {
				case ev := <-queue:
					e.dispatch(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting async events and returns once queued ones are
// delivered. Safe to call more than once.
func (e *EventBus) Close() {
	e.closeOnce.Do(func() {
		e.sendMu.Lock()
		e.stopped = true
		close(e.closed)
		e.sendMu.Unlock()
	})
	e.wg.Wait()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, fn func(context.Context, core.Event)) func() {
	return e.add(typ, fn)
}

// SubscribeAll registers a handler for every event type.
func (e *EventBus) SubscribeAll(fn func(context.Context, core.Event)) func() {
	return e.add("", fn)
}

func (e *EventBus) add(typ core.EventType, fn func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handler{id: id, typ: typ, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.handlers = slices.DeleteFunc(e.handlers, func(h handler) bool { return h.id == id })
	}
}

// Publish delivers ev. In async mode it never blocks: when the user's shard
// is full or the bus is closed the event goes to the OnDrop callback.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode != DispatchAsync {
		e.dispatch(ctx, ev)
		return
	}
	if !e.enqueue(ev) {
		e.drop(ev)
	}
}

func (e *EventBus) enqueue(ev core.Event) bool {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.stopped {
		return false
	}
	select {
	case e.shards[e.shardFor(ev.UserID)] <- ev:
		return true
	default:
		return false
	}
}

func (e *EventBus) shardFor(user core.UserID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *EventBus) drop(ev core.Event) {
	e.mu.RLock()
	fn := e.onDrop
	e.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	matched := make([]func(context.Context, core.Event), 0, len(e.handlers))
	for _, h := range e.handlers {
		if h.typ == "" || h.typ == ev.Type {
			matched = append(matched, h.fn)
		}
	}
	e.mu.RUnlock()
	for _, fn := range matched {
		fn(ctx, ev)
	}
}
