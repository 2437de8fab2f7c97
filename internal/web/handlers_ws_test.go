package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"home-registry/internal/events"
	"home-registry/internal/registry"

	"nhooyr.io/websocket"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewWSHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func testEvent(topic string) events.Event {
	return events.Event{ID: "e-" + topic, Topic: topic, Time: time.Now().UTC()}
}

func subscriberCount(hub *WSHub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subs)
}

func hasSubscriber(hub *WSHub, sub *wsSubscriber) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, ok := hub.subs[sub]
	return ok
}

// settle gives the hub goroutine time to process queued work.
func settle() { time.Sleep(20 * time.Millisecond) }

func TestWSHubJoinLeave(t *testing.T) {
	hub := newTestHub(t)

	sub := newSubscriber(nil, nil)
	hub.join <- sub
	settle()
	if n := subscriberCount(hub); n != 1 {
		t.Fatalf("after join: %d subscribers, want 1", n)
	}

	hub.leave <- sub
	settle()
	if n := subscriberCount(hub); n != 0 {
		t.Errorf("after leave: %d subscribers, want 0", n)
	}
	if _, ok := <-sub.out; ok {
		t.Error("queue should be closed after leave")
	}
}

func TestWSHubLeaveUnknownSubscriber(t *testing.T) {
	hub := newTestHub(t)

	stranger := newSubscriber(nil, nil)
	hub.leave <- stranger
	settle()

	select {
	case stranger.out <- []byte("x"):
	default:
		t.Error("queue of a subscriber that never joined should stay open")
	}
}

func TestWSHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := newTestHub(t)

	all := newSubscriber(nil, nil)
	states := newSubscriber(nil, []string{"device-state-changed.*"})
	lampOrRooms := newSubscriber(nil, []string{"device-state-changed.lamp1", "room-registered.*"})
	for _, s := range []*wsSubscriber{all, states, lampOrRooms} {
		hub.join <- s
	}
	settle()

	hub.Broadcast(testEvent("device-registered.lamp1"))
	hub.Broadcast(testEvent("device-state-changed.lamp2"))
	hub.Broadcast(testEvent("device-state-changed.lamp1"))
	hub.Broadcast(testEvent("room-registered.den"))
	settle()

	for name, tc := range map[string]struct {
		sub  *wsSubscriber
		want int
	}{
		"all":           {all, 4},
		"states":        {states, 2},
		"lamp or rooms": {lampOrRooms, 2},
	} {
		if n := len(tc.sub.out); n != tc.want {
			t.Errorf("%s got %d events, want %d", name, n, tc.want)
		}
	}

	var ev events.Event
	if err := json.Unmarshal(<-states.out, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Topic != "device-state-changed.lamp2" {
		t.Errorf("first state event = %q", ev.Topic)
	}
}

func TestWSHubDropsFullSubscriber(t *testing.T) {
	hub := newTestHub(t)

	slow := &wsSubscriber{out: make(chan []byte, 1)}
	fast := newSubscriber(nil, nil)
	hub.join <- slow
	hub.join <- fast
	settle()

	hub.Broadcast(testEvent("room-registered.a"))
	hub.Broadcast(testEvent("room-registered.b"))
	settle()

	if hasSubscriber(hub, slow) {
		t.Error("slow subscriber should have been dropped")
	}
	if !hasSubscriber(hub, fast) {
		t.Error("fast subscriber should remain")
	}
	if n := len(fast.out); n != 2 {
		t.Errorf("fast subscriber got %d events, want 2", n)
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewWSHub(logger) // not running: nothing drains the queue

	for i := 0; i < cap(hub.queue); i++ {
		hub.Broadcast(testEvent("room-registered.x"))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(testEvent("room-registered.overflow"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked on a full queue")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := newTestHub(t)

	sub := newSubscriber(nil, nil)
	hub.join <- sub
	settle()

	hub.Stop()
	hub.Stop()
	settle()

	if _, ok := <-sub.out; ok {
		t.Error("queue should be closed after Stop")
	}
}

func TestSubscriberPatterns(t *testing.T) {
	sub := newSubscriber(nil, []string{"room-registered.*"})

	got := sub.subscribe([]string{"device-state-changed.lamp1", "room-registered.*", ""})
	want := []string{"room-registered.*", "device-state-changed.lamp1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("subscribe = %v, want %v", got, want)
	}
	if !sub.matches("device-state-changed.lamp1") || sub.matches("device-state-changed.lamp2") {
		t.Error("matches disagrees with the pattern set")
	}

	got = sub.unsubscribe([]string{"room-registered.*"})
	if !reflect.DeepEqual(got, []string{"device-state-changed.lamp1"}) {
		t.Errorf("unsubscribe = %v", got)
	}
	if sub.matches("room-registered.den") {
		t.Error("unsubscribed pattern still matches")
	}
}

func TestSubscriberUnsubscribeAllMatchesNothing(t *testing.T) {
	sub := newSubscriber(nil, []string{"room-registered.*"})
	if got := sub.unsubscribe([]string{"room-registered.*"}); len(got) != 0 {
		t.Fatalf("unsubscribe = %v, want empty", got)
	}
	for _, topic := range []string{"room-registered.den", "device-state-changed.lamp1"} {
		if sub.matches(topic) {
			t.Errorf("empty pattern set matched %q", topic)
		}
	}

	everything := newSubscriber(nil, nil)
	if !everything.matches("device-deleted.lamp1") {
		t.Error("subscriber without patterns should receive every event")
	}
	everything.subscribe([]string{"room-registered.*"})
	if everything.matches("device-deleted.lamp1") {
		t.Error("subscribe should narrow a subscriber that received everything")
	}
	everything.unsubscribe([]string{"room-registered.*"})
	if everything.matches("room-registered.den") {
		t.Error("unsubscribing the last pattern should match nothing")
	}
}

func TestSubscriberTopicsIsSnapshot(t *testing.T) {
	sub := newSubscriber(nil, []string{"room-registered.*"})
	snap := sub.topics()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			sub.subscribe([]string{"device-state-changed.lamp1"})
			sub.unsubscribe([]string{"device-state-changed.lamp1"})
		}
	}()
	for i := 0; i < 100; i++ {
		_ = sub.topics()
	}
	<-done

	if !reflect.DeepEqual(snap, []string{"room-registered.*"}) {
		t.Errorf("snapshot changed to %v", snap)
	}
}

func TestWSHubJoinWhileSubscribing(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	hub := NewWSHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	sub := newSubscriber(nil, []string{"room-registered.*"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			sub.subscribe([]string{"device-deleted.*"})
			sub.unsubscribe([]string{"device-deleted.*"})
		}
	}()
	hub.join <- sub
	<-done
	settle()

	if !hasSubscriber(hub, sub) {
		t.Error("subscriber should have joined")
	}
}

func TestWSUnsubscribeEverythingStopsEvents(t *testing.T) {
	env := setupTestServer(t)
	conn, ctx := dialWS(t, env, "?topic=room-registered.*")

	cmd := `{"action": "unsubscribe", "topics": ["room-registered.*"]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(cmd)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ack wsAck
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Error != "" || len(ack.Topics) != 0 {
		t.Fatalf("ack = %+v", ack)
	}

	if _, err := env.reg.RegisterRoom(registry.Room{Identifier: "den", Name: "Den"}); err != nil {
		t.Fatal(err)
	}
	rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, msg, err := conn.Read(rctx); err == nil {
		t.Errorf("unexpected message after unsubscribing everything: %s", msg)
	}
}

func TestSplitPatterns(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"room-registered.*", []string{"room-registered.*"}},
		{" a.* , ,b.x ", []string{"a.*", "b.x"}},
	}
	for _, tt := range tests {
		if got := splitPatterns(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitPatterns(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func dialWS(t *testing.T, env *testEnv, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(env.srv)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for subscriberCount(env.srv.wsHub) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn, ctx
}

type wsEvent struct {
	Topic   string            `json:"topic"`
	Payload registry.RoomView `json:"payload"`
}

func TestWSStreamsRegistryEvents(t *testing.T) {
	env := setupTestServer(t)
	conn, ctx := dialWS(t, env, "?topic=room-registered.*")

	env.bus.Publish(events.Topic(events.KindDeviceDeleted, "ignored"), nil)
	if _, err := env.reg.RegisterRoom(registry.Room{Identifier: "den", Name: "Den"}); err != nil {
		t.Fatal(err)
	}

	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev wsEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Topic != "room-registered.den" || ev.Payload.Name != "Den" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWSSubscribeCommand(t *testing.T) {
	env := setupTestServer(t)
	conn, ctx := dialWS(t, env, "?topic=device-deleted.*")

	cmd := `{"action": "subscribe", "topics": ["room-registered.attic"]}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(cmd)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ack wsAck
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatal(err)
	}
	want := []string{"device-deleted.*", "room-registered.attic"}
	if ack.Type != "subscription" || ack.Error != "" || !reflect.DeepEqual(ack.Topics, want) {
		t.Fatalf("ack = %+v", ack)
	}

	if _, err := env.reg.RegisterRoom(registry.Room{Identifier: "cellar", Name: "Cellar"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.reg.RegisterRoom(registry.Room{Identifier: "attic", Name: "Attic"}); err != nil {
		t.Fatal(err)
	}

	_, msg, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev wsEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Topic != "room-registered.attic" {
		t.Errorf("topic = %q, want room-registered.attic", ev.Topic)
	}
}

func TestWSRejectsUnknownCommand(t *testing.T) {
	env := setupTestServer(t)
	conn, ctx := dialWS(t, env, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"action": "shout"}`)); err != nil {
		t.Fatal(err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ack wsAck
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Error != "unknown action" || len(ack.Topics) != 0 {
		t.Errorf("ack = %+v", ack)
	}
}
