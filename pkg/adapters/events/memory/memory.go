package memory

import (
	"context"
	"sync"

	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

const subscriberBuffer = 256

// Bus implements ports.EventBus in process memory for tests and
// single-node runs. Every subscriber owns a buffered channel drained by
// one goroutine, so each subscriber observes a topic's events in publish
// order, matching what the Redis Streams bus guarantees.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscriber
	closed bool
}

type subscriber struct {
	ch   chan domain.Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewBus creates an empty in-memory event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Publish hands the event to every live subscriber of the topic, in
// subscription order. Blocks only when a subscriber's buffer is full.
func (b *Bus) Publish(ctx context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	targets := make([]*subscriber, len(b.subs[topic]))
	copy(targets, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for the topic. Delivery runs on a dedicated
// goroutine until Unsubscribe, Close, or cancellation of ctx. Handler
// errors are dropped; the in-memory bus has no redelivery.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	sub := &subscriber{
		ch:   make(chan domain.Event, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.ErrBusClosed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case event := <-sub.ch:
				_ = handler(ctx, event)
			case <-sub.done:
				return
			case <-ctx.Done():
				sub.stop()
				return
			}
		}
	}()

	return nil
}

// Unsubscribe stops every subscriber of the topic. Buffered undelivered
// events are discarded.
func (b *Bus) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	subs := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

// Close stops all subscribers and rejects further subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.stop()
		}
	}
	return nil
}
