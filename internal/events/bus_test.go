package events

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(newTestLogger())
	var received Event

	bus.Subscribe("device-state-changed.lamp1", func(e Event) {
		received = e
	})

	sent := bus.Publish("device-state-changed.lamp1", "test")

	if received.Topic != "device-state-changed.lamp1" {
		t.Errorf("topic = %q", received.Topic)
	}
	if received.Payload != "test" {
		t.Errorf("payload = %v, want %q", received.Payload, "test")
	}
	if received.ID == "" || received.ID != sent.ID {
		t.Errorf("event id = %q, sent %q", received.ID, sent.ID)
	}
}

func TestBusExactDoesNotReceiveOtherTopics(t *testing.T) {
	bus := NewBus(newTestLogger())
	called := false

	bus.Subscribe("device-state-changed.lamp1", func(e Event) {
		called = true
	})

	bus.Publish("device-state-changed.lamp2", nil)
	bus.Publish("device-state-changed.lamp10", nil)

	if called {
		t.Error("handler called for wrong topic")
	}
}

func TestBusPrefixSubscription(t *testing.T) {
	bus := NewBus(newTestLogger())
	var count atomic.Int32

	bus.Subscribe("device-state-changed.*", func(e Event) {
		count.Add(1)
	})

	bus.Publish("device-state-changed.lamp1", nil)
	bus.Publish("device-state-changed.lamp2", nil)
	bus.Publish("device-registered.lamp1", nil)
	bus.Publish("device-state-changed", nil)

	if count.Load() != 2 {
		t.Errorf("prefix handler called %d times, want 2", count.Load())
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(newTestLogger())
	var count atomic.Int32

	bus.SubscribeAll(func(e Event) {
		count.Add(1)
	})

	bus.Publish(Topic(KindDeviceRegistered, "a"), nil)
	bus.Publish(Topic(KindRoomDeleted, "b"), nil)
	bus.Publish(Topic(KindDeviceStateChanged, "c"), nil)

	if count.Load() != 3 {
		t.Errorf("all handler called %d times, want 3", count.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(newTestLogger())
	var count atomic.Int32

	unsubExact := bus.Subscribe("room-deleted.kitchen", func(e Event) { count.Add(1) })
	unsubPrefix := bus.Subscribe("room-deleted.*", func(e Event) { count.Add(1) })
	unsubAll := bus.SubscribeAll(func(e Event) { count.Add(1) })

	bus.Publish("room-deleted.kitchen", nil)
	if count.Load() != 3 {
		t.Fatalf("expected 3 calls before unsub, got %d", count.Load())
	}

	unsubExact()
	unsubPrefix()
	unsubAll()
	bus.Publish("room-deleted.kitchen", nil)
	if count.Load() != 3 {
		t.Errorf("expected 3 calls after unsub, got %d", count.Load())
	}
}

func TestBusNoSubscribers(t *testing.T) {
	bus := NewBus(newTestLogger())
	e := bus.Publish("device-state-changed.nobody", map[string]any{"x": 1})
	if e.Time.IsZero() {
		t.Error("event time not set")
	}
}

func TestBusPanicRecovery(t *testing.T) {
	bus := NewBus(newTestLogger())
	var called atomic.Int32

	bus.Subscribe("t.x", func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	bus.Subscribe("t.x", func(e Event) {
		called.Add(1)
	})

	bus.Publish("t.x", nil)

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus(newTestLogger())
	var count atomic.Int32

	bus.SubscribeAll(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("device-state-changed.x", nil)
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestSplitTopic(t *testing.T) {
	kind, id, ok := SplitTopic("device-state-changed.lamp.1")
	if !ok || kind != "device-state-changed" || id != "lamp.1" {
		t.Errorf("SplitTopic = %q, %q, %v", kind, id, ok)
	}
	if _, _, ok := SplitTopic("nodot"); ok {
		t.Error("expected ok=false for topic without dot")
	}
}
