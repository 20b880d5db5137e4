package bus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler is a synchronous event callback registered with On.
type Handler func(Event)

// Bus is an in-process publish/subscribe event bus. Channel subscribers match
// by namespace prefix and never block the publisher; handler subscribers match
// an exact kind and run synchronously, in registration order.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscription
	handlers map[string]map[int]*handlerSub
	next     int
	logger   *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

type handlerSub struct {
	id     int
	fn     Handler
	active atomic.Bool
}

// New creates a new event bus. A nil logger discards handler panics silently.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:     make(map[int]*subscription),
		handlers: make(map[string]map[int]*handlerSub),
		logger:   logger,
	}
}

// Publish delivers evt to every handler registered for evt.Kind, then to all
// channel subscribers whose namespace is a prefix of evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	hs := make([]*handlerSub, 0, len(b.handlers[evt.Kind]))
	for _, h := range b.handlers[evt.Kind] {
		hs = append(hs, h)
	}
	for _, sub := range b.subs {
		if evt.Matches(sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
	b.mu.RUnlock()

	sort.Slice(hs, func(i, j int) bool { return hs[i].id < hs[j].id })
	for _, h := range hs {
		// A handler removed by an earlier handler in this loop must not fire.
		if !h.active.Load() {
			continue
		}
		b.invoke(h, evt)
	}
}

func (b *Bus) invoke(h *handlerSub, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	h.fn(evt)
}

// On registers fn for events of exactly the given kind. The returned function
// removes the registration; it is safe to call more than once.
func (b *Bus) On(kind string, fn Handler) func() {
	h := &handlerSub{fn: fn}
	h.active.Store(true)

	b.mu.Lock()
	h.id = b.next
	b.next++
	set, ok := b.handlers[kind]
	if !ok {
		set = make(map[int]*handlerSub)
		b.handlers[kind] = set
	}
	set[h.id] = h
	b.mu.Unlock()

	return func() {
		h.active.Store(false)
		b.mu.Lock()
		if set, ok := b.handlers[kind]; ok {
			delete(set, h.id)
			if len(set) == 0 {
				delete(b.handlers, kind)
			}
		}
		b.mu.Unlock()
	}
}

// HandlerCount returns the number of handlers registered for kind.
func (b *Bus) HandlerCount(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
