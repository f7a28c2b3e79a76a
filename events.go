package webrpc

import (
	"context"
	"sync"
)

// Event is a lightweight pub/sub primitive. Subscribers are invoked
// synchronously, in subscription order, on the goroutine that calls Emit.
// The zero value is ready to use.
type Event[T any] struct {
	mu   sync.Mutex
	subs []*eventSub[T]
}

type eventSub[T any] struct {
	fn     func(T)
	cancel func()
}

// Subscription cancels an event subscription. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe registers fn to be called for every subsequent Emit.
func (e *Event[T]) Subscribe(fn func(T)) *Subscription {
	sub := &eventSub[T]{fn: fn}
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
	return &Subscription{cancel: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s == sub {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}}
}

// Emit delivers v to every current subscriber.
func (e *Event[T]) Emit(v T) {
	e.mu.Lock()
	subs := make([]*eventSub[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// SubscriberCount reports the number of active subscriptions.
func (e *Event[T]) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Gate is a reopenable latch. Waiters block while the gate is shut and are
// all released when it opens. Unlike a bare channel, a Gate can be observed
// by late waiters: Wait returns immediately while the gate is open.
type Gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

// NewGate returns a gate in the given initial state.
func NewGate(open bool) *Gate {
	g := &Gate{ch: make(chan struct{}), open: open}
	if open {
		close(g.ch)
	}
	return g
}

// Open releases all current and future waiters. Idempotent.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Shut arms the gate so subsequent Wait calls block. Idempotent.
func (g *Gate) Shut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.ch
		open := g.open
		g.mu.Unlock()
		if open {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// IsOpen reports the current state without blocking.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// EventSource is a named observable event on a remotable object. Peers
// subscribe to it over the wire; local code publishes with Emit.
type EventSource struct {
	name string
	ev   Event[any]
}

// Name returns the event name as declared on its object.
func (es *EventSource) Name() string { return es.name }

// Emit publishes v to all local and remote subscribers.
func (es *EventSource) Emit(v any) { es.ev.Emit(v) }

// Subscribe attaches a local observer.
func (es *EventSource) Subscribe(fn func(any)) *Subscription { return es.ev.Subscribe(fn) }

// SubscriberCount reports the number of active subscriptions, local and
// remote alike.
func (es *EventSource) SubscriberCount() int { return es.ev.SubscriberCount() }
