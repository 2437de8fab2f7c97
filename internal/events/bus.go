package events

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic kinds. A full topic is "<kind>.<identifier>".
const (
	// KindDeviceStateChanged carries the controller's rendered live state:
	// the decorated device as returned by GET device/{id} with "state" and
	// "properties" added.
	KindDeviceStateChanged = "device-state-changed"
	KindDeviceRegistered   = "device-registered"
	KindDeviceDeleted      = "device-deleted"
	KindRoomRegistered     = "room-registered"
	KindRoomDeleted        = "room-deleted"
)

// Topic joins a topic kind and an entity identifier.
func Topic(kind, identifier string) string {
	return kind + "." + identifier
}

// SplitTopic is the inverse of Topic. ok is false when topic has no dot.
func SplitTopic(topic string) (kind, identifier string, ok bool) {
	return strings.Cut(topic, ".")
}

// Match reports whether topic is selected by a subscription pattern: an exact
// topic, a "kind.*" prefix pattern, or "*" for everything.
func Match(pattern, topic string) bool {
	if p, ok := strings.CutSuffix(pattern, "*"); ok && (p == "" || strings.HasSuffix(p, ".")) {
		return strings.HasPrefix(topic, p)
	}
	return pattern == topic
}

// Event is a single notification on the bus.
type Event struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus is a fire-and-forget publish channel keyed by topic string.
//
// Subscriptions match a topic exactly, or by prefix when the pattern ends in
// ".*" ("device-state-changed.*" matches "device-state-changed.lamp1").
type Bus struct {
	mu          sync.RWMutex
	exact       map[string]map[uint64]Handler
	prefixes    map[string]map[uint64]Handler
	allHandlers map[uint64]Handler
	nextID      uint64
	logger      *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		exact:       make(map[string]map[uint64]Handler),
		prefixes:    make(map[string]map[uint64]Handler),
		allHandlers: make(map[uint64]Handler),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for a topic pattern.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	set := b.exact
	key := pattern
	if p, ok := strings.CutSuffix(pattern, "*"); ok && (p == "" || strings.HasSuffix(p, ".")) {
		set = b.prefixes
		key = p
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if set[key] == nil {
		set[key] = make(map[uint64]Handler)
	}
	set[key][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(set[key], id)
		if len(set[key]) == 0 {
			delete(set, key)
		}
	}
}

// SubscribeAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Publish delivers payload to every matching subscriber and returns the
// event that was sent. Handlers are called synchronously; a panicking
// handler is recovered and does not affect the publisher or other handlers.
func (b *Bus) Publish(topic string, payload any) Event {
	event := Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: payload,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.exact[topic])+len(b.allHandlers))
	for _, h := range b.exact[topic] {
		handlers = append(handlers, h)
	}
	for prefix, set := range b.prefixes {
		if !strings.HasPrefix(topic, prefix) {
			continue
		}
		for _, h := range set {
			handlers = append(handlers, h)
		}
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic", "topic", topic, "panic", r)
				}
			}()
			h(event)
		}()
	}
	return event
}
