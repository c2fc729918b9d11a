// Package event provides the local pub/sub registry that decouples
// transport-level event names from application listeners.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/docuchat-ai/docuchat/internal/logging"
)

// FirehoseTopic is the watermill topic every published event is mirrored to
// when a firehose subscriber is attached.
const FirehoseTopic = "events"

// Event is one named notification flowing through the bus. Data is the typed
// payload decoded at the transport boundary; handlers assert the concrete
// type for the event name they subscribed to.
type Event struct {
	Name string
	Data any
}

// Handler receives events. A handler that panics is isolated: the panic is
// recovered and logged, and delivery to the remaining handlers continues.
type Handler func(Event)

type subscriberEntry struct {
	id uint64
	fn Handler
}

// Bus is a local publish/subscribe registry. Delivery is synchronous and in
// registration order for a given event name; the registry itself is safe to
// mutate while a publish is in progress. Buses are constructed values, not
// process-wide state: every connection owns its own.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriberEntry
	global      []subscriberEntry
	nextID      uint64
	closed      bool

	// Watermill mirror for middleware or cross-process routing. Events are
	// forwarded only once a firehose subscriber exists.
	pubsub   *gochannel.GoChannel
	firehose atomic.Bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]subscriberEntry),
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 100,
		}, watermill.NopLogger{}),
	}
}

// Subscribe registers a handler for an event name and returns its
// unsubscribe function. Calling the returned function more than once, or
// after Close, is a no-op.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subscribers[name] = append(b.subscribers[name], subscriberEntry{id: id, fn: fn})

	return func() { b.unsubscribe(name, id) }
}

// SubscribeAll registers a handler for every event regardless of name.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[name]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every registered handler synchronously, in
// registration order. Handlers registered or removed during delivery take
// effect on the next publish. No event name is privileged.
func (b *Bus) Publish(name string, data any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Handler, 0, len(b.subscribers[name])+len(b.global))
	for _, entry := range b.subscribers[name] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	evt := Event{Name: name, Data: data}
	for _, fn := range subs {
		invoke(fn, evt)
	}

	if b.firehose.Load() {
		b.mirror(evt)
	}
}

// invoke runs one handler, recovering panics so one failing subscriber
// cannot starve its siblings.
func invoke(fn Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("event", evt.Name).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn(evt)
}

// Firehose returns a watermill subscription carrying a JSON-encoded copy of
// every subsequent event, for middleware or bridging to distributed
// backends. The event name travels in message metadata.
func (b *Bus) Firehose(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, FirehoseTopic)
	if err != nil {
		return nil, err
	}
	b.firehose.Store(true)
	return ch, nil
}

func (b *Bus) mirror(evt Event) {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		logging.Debug().Str("event", evt.Name).Err(err).Msg("firehose mirror skipped")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", evt.Name)
	if err := b.pubsub.Publish(FirehoseTopic, msg); err != nil {
		logging.Debug().Str("event", evt.Name).Err(err).Msg("firehose publish failed")
	}
}

// Close drops every registration and shuts down the watermill channel.
// Publishing on a closed bus is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
