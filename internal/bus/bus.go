package bus

import (
	"log/slog"
	"sync"
)

// subscriberQueueDepth bounds each subscriber's pending events. When a slow
// subscriber falls behind, the oldest queued event is dropped so broadcast
// never blocks the publisher.
const subscriberQueueDepth = 256

// MessageBus is an in-process event bus with one bounded queue and one
// delivery goroutine per subscriber. Broadcast is non-blocking.
type MessageBus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	id      string
	handler EventHandler
	queue   chan Event
	done    chan struct{}
}

// New creates an empty bus.
func New() *MessageBus {
	return &MessageBus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a handler under the given id, replacing any previous
// subscription with the same id. Events are delivered in order on a
// dedicated goroutine.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	sub := &subscriber{
		id:      id,
		handler: handler,
		queue:   make(chan Event, subscriberQueueDepth),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if prev, ok := b.subs[id]; ok {
		close(prev.done)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()
}

// Unsubscribe removes the handler and stops its delivery goroutine.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Broadcast delivers the event to every subscriber queue. A full queue
// drops its oldest entry first; notifications are best-effort.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.queue <- event:
		default:
			select {
			case dropped := <-sub.queue:
				slog.Debug("bus: dropped oldest event for slow subscriber",
					"subscriber", sub.id, "event", dropped.Name)
			default:
			}
			select {
			case sub.queue <- event:
			default:
			}
		}
	}
}

// Close stops all delivery goroutines.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}
