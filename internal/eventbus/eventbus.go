// Package eventbus is the typed pub/sub backbone of the runtime (spec §4.7).
// It replaces the teacher's single-process "just call the next method"
// wiring in cmd/bot/main.go with an explicit publish/subscribe surface so
// Executor, PositionMonitor, and the status API can all observe the same
// lifecycle events without direct coupling.
package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type tags the variant carried by an Event.
type Type string

// Event types from spec §4.7.
const (
	CandleClosed      Type = "CandleClosed"
	SignalGenerated   Type = "SignalGenerated"
	SignalActivated   Type = "SignalActivated"
	SignalCompleted   Type = "SignalCompleted"
	SignalStopped     Type = "SignalStopped"
	PositionOpened    Type = "PositionOpened"
	PositionUpdated   Type = "PositionUpdated"
	PositionClosed    Type = "PositionClosed"
	OrderPlaced       Type = "OrderPlaced"
	OrderFilled       Type = "OrderFilled"
	OrderRejected     Type = "OrderRejected"
)

// Event is a tagged variant with a complete payload — subscribers must never
// need to query the Store to act on one (spec §4.7).
type Event struct {
	Type      Type
	Payload   interface{}
	PublishedAt time.Time
}

// Handler processes one event. It receives a context bound to the
// per-handler timeout; a handler that does not respect ctx cancellation can
// still run past its timeout slot but will not block other subscriptions.
type Handler func(ctx context.Context, ev Event)

// Filter optionally narrows a subscription to a subset of events of its type.
type Filter func(ev Event) bool

const defaultChannelDepth = 256

// DefaultHandlerTimeout is the per-handler execution budget (spec §5).
const DefaultHandlerTimeout = 30 * time.Second

// OverflowPolicy controls what happens when a subscription's channel is full.
type OverflowPolicy int

const (
	// OverflowDropNewest drops the incoming event and logs a warning — the
	// default, since a slow subscriber should not be allowed to block
	// publishers (spec §5).
	OverflowDropNewest OverflowPolicy = iota
)

type subscription struct {
	id       string
	evType   Type
	filter   Filter
	handler  Handler
	ch       chan Event
	cancel   context.CancelFunc
	overflow OverflowPolicy
}

// Subscription is a cancellable handle returned by Subscribe.
type Subscription struct {
	sub *subscription
	bus *Bus
}

// Cancel stops delivery to this subscription and releases its goroutine.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s.sub)
}

// Bus is the process-wide typed event dispatcher. Safe for concurrent use;
// each subscription owns a bounded FIFO channel and a dedicated dispatch
// goroutine, giving per-subscription intra-type ordering without a shared
// lock on the handler path (spec §5).
type Bus struct {
	logger *log.Logger

	mu   sync.RWMutex
	subs map[Type][]*subscription

	handlerTimeout time.Duration
}

// New constructs an empty Bus.
func New(logger *log.Logger) *Bus {
	return &Bus{
		logger:         logger,
		subs:           make(map[Type][]*subscription),
		handlerTimeout: DefaultHandlerTimeout,
	}
}

// Subscribe registers handler for evType, optionally narrowed by filter.
// Each subscription gets its own bounded channel and dispatch goroutine that
// runs until Cancel is called or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, evType Type, handler Handler, filter Filter) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		id:      uuid.NewString(),
		evType:  evType,
		filter:  filter,
		handler: handler,
		ch:      make(chan Event, defaultChannelDepth),
		cancel:  cancel,
	}

	b.mu.Lock()
	b.subs[evType] = append(b.subs[evType], sub)
	b.mu.Unlock()

	go b.dispatchLoop(subCtx, sub)

	return &Subscription{sub: sub, bus: b}
}

func (b *Bus) dispatchLoop(ctx context.Context, sub *subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.ch:
			b.runHandler(ctx, sub, ev)
		}
	}
}

func (b *Bus) runHandler(parent context.Context, sub *subscription, ev Event) {
	hctx, cancel := context.WithTimeout(parent, b.handlerTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				b.logger.Printf("eventbus: handler panic for subscription %s type %s: %v", sub.id, sub.evType, r)
			}
		}()
		sub.handler(hctx, ev)
	}()

	select {
	case <-done:
	case <-hctx.Done():
		b.logger.Printf("eventbus: handler timeout for subscription %s type %s", sub.id, sub.evType)
	}
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[target.evType]
	for i, s := range list {
		if s == target {
			b.subs[target.evType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	target.cancel()
}

// Publish enqueues ev to every matching subscription, non-blockingly. A full
// subscription channel drops the event under OverflowDropNewest and logs a
// warning — spec §5 explicitly allows this rather than blocking the
// publisher (Runners/Executor/PositionMonitor must never stall on a slow
// subscriber).
func (b *Bus) Publish(ev Event) {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now()
	}
	b.mu.RLock()
	targets := append([]*subscription(nil), b.subs[ev.Type]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Printf("eventbus: subscription %s type %s channel full, dropping event", sub.id, sub.evType)
		}
	}
}
