package event

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe("query:answer_stream", func(Event) {
			order = append(order, i)
		})
	}

	bus.Publish("query:answer_stream", nil)

	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("delivery %d went to subscriber %d, want registration order", i, got)
		}
	}
}

func TestBus_PanickingHandlerDoesNotBlockSiblings(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var delivered []string
	bus.Subscribe("document:update", func(Event) {
		delivered = append(delivered, "first")
	})
	bus.Subscribe("document:update", func(Event) {
		panic("handler bug")
	})
	bus.Subscribe("document:update", func(Event) {
		delivered = append(delivered, "third")
	})

	bus.Publish("document:update", nil)

	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "third" {
		t.Fatalf("expected siblings to still run, got %v", delivered)
	}
}

func TestBus_UnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsub := bus.Subscribe("tree:progress", func(Event) { count++ })

	unsub()
	unsub() // second call is a no-op

	bus.Publish("tree:progress", nil)
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	lateCalls := 0
	bus.Subscribe("query:started", func(Event) {
		// Registering mid-publish must not deadlock and must not deliver
		// the current event to the new handler.
		bus.Subscribe("query:started", func(Event) { lateCalls++ })
	})

	bus.Publish("query:started", nil)
	if lateCalls != 0 {
		t.Fatalf("handler registered during publish saw the in-flight event")
	}

	bus.Publish("query:started", nil)
	if lateCalls != 1 {
		t.Fatalf("expected late handler to see the next publish, got %d", lateCalls)
	}
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var unsub func()
	first := 0
	unsub = bus.Subscribe("query:error", func(Event) {
		first++
		unsub()
	})
	second := 0
	bus.Subscribe("query:error", func(Event) { second++ })

	bus.Publish("query:error", nil)
	bus.Publish("query:error", nil)

	if first != 1 {
		t.Errorf("self-unsubscribing handler ran %d times, want 1", first)
	}
	if second != 2 {
		t.Errorf("sibling ran %d times, want 2", second)
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var names []string
	bus.SubscribeAll(func(evt Event) { names = append(names, evt.Name) })

	bus.Publish("query:started", nil)
	bus.Publish("document:update", nil)

	if len(names) != 2 || names[0] != "query:started" || names[1] != "document:update" {
		t.Fatalf("unexpected global deliveries: %v", names)
	}
}

func TestBus_ClosedBusDropsEverything(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe("connection-status", func(Event) { count++ })

	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bus.Publish("connection-status", nil)
	if count != 0 {
		t.Fatalf("publish after close delivered %d events", count)
	}

	if unsub := bus.Subscribe("connection-status", func(Event) {}); unsub == nil {
		t.Fatal("subscribe after close must return a usable no-op unsubscribe")
	}
}

func TestBus_Firehose(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Firehose(ctx)
	if err != nil {
		t.Fatalf("firehose: %v", err)
	}

	bus.Publish("query:progress", map[string]string{"stage": "retrieval"})

	select {
	case msg := <-ch:
		if got := msg.Metadata.Get("event"); got != "query:progress" {
			t.Errorf("firehose event metadata = %q", got)
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for firehose message")
	}
}
