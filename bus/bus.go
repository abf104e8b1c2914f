// Package bus is the in-process publish/subscribe hub shared by the
// connection, the loaders and whatever renders their results.
//
// Every event is a Go type implementing Event; its Topic is fixed per type,
// so subscribers registered through the generic On and Once helpers get a
// payload of the right shape without string matching.
//
// Thread Safety:
//
//	Bus is safe for concurrent use. Dispatch is synchronous on the
//	emitting goroutine, in subscription order.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Topic names a stream of events
type Topic string

// Event is anything that can be published on the bus
type Event interface {
	Topic() Topic
}

// Handler receives events for one topic
type Handler func(Event)

// SubscriptionID identifies a subscription for Off
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	topic   Topic
	handler Handler
	once    bool
	fired   atomic.Bool
	removed atomic.Bool
}

// Bus dispatches events to subscribers
type Bus struct {
	mu     sync.RWMutex
	topics map[Topic][]*subscription
	byID   map[SubscriptionID]*subscription
	logger *slog.Logger
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates an empty bus
func New(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[Topic][]*subscription),
		byID:   make(map[SubscriptionID]*subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On subscribes handler to every event on topic
func (b *Bus) On(topic Topic, handler Handler) SubscriptionID {
	return b.subscribe(topic, handler, false)
}

// Once subscribes handler to the next event on topic only
func (b *Bus) Once(topic Topic, handler Handler) SubscriptionID {
	return b.subscribe(topic, handler, true)
}

func (b *Bus) subscribe(topic Topic, handler Handler, once bool) SubscriptionID {
	sub := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		topic:   topic,
		handler: handler,
		once:    once,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Off removes a subscription. It reports whether the subscription existed.
// A handler removed during a dispatch does not see later events of that dispatch.
func (b *Bus) Off(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	sub.removed.Store(true)
	delete(b.byID, id)

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	} else {
		b.topics[sub.topic] = subs
	}
	return true
}

// Emit delivers event to the current subscribers of its topic
func (b *Bus) Emit(event Event) {
	topic := event.Topic()

	b.mu.RLock()
	subs := append([]*subscription(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Off(sub.id)
		}
		b.invoke(sub, event)
	}
}

// Subscribers returns the number of live subscriptions on topic
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				slog.String("topic", string(sub.topic)),
				slog.String("subscription", string(sub.id)),
				slog.Any("panic", r),
			)
		}
	}()
	sub.handler(event)
}

// TopicOf returns the topic of an event type. E must be a value type whose
// Topic method does not depend on its fields.
func TopicOf[E Event]() Topic {
	var zero E
	return zero.Topic()
}

// On subscribes a typed handler to the topic of E
func On[E Event](b *Bus, handler func(E)) SubscriptionID {
	return b.On(TopicOf[E](), typed(handler))
}

// Once subscribes a typed handler to the next event of type E
func Once[E Event](b *Bus, handler func(E)) SubscriptionID {
	return b.Once(TopicOf[E](), typed(handler))
}

func typed[E Event](handler func(E)) Handler {
	return func(event Event) {
		if e, ok := event.(E); ok {
			handler(e)
		}
	}
}
