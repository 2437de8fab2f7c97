// Package natsbridge mirrors bus notifications onto NATS subjects and
// serves state commands over NATS request/reply.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
)

// Config holds NATS bridge configuration.
type Config struct {
	URL string
	// SubjectPrefix is prepended to every subject, e.g. "home".
	SubjectPrefix string
}

// StateUpdater applies commands received over NATS.
type StateUpdater interface {
	UpdateState(ctx context.Context, identifier string, u state.Update) (*state.DeviceState, error)
}

// conn is the subset of *nats.Conn the bridge uses.
type conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Bridge publishes every bus event to "<prefix>.<topic>" and answers
// requests on "<prefix>.device.<id>.set".
type Bridge struct {
	conn   conn
	bus    *events.Bus
	states StateUpdater
	prefix string
	logger *slog.Logger
	unsub  func()
	sub    *nats.Subscription
}

// NewBridge connects to the NATS server.
func NewBridge(bus *events.Bus, states StateUpdater, cfg Config, logger *slog.Logger) (*Bridge, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("home-registry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("NATS connected", "url", cfg.URL)
	return newBridge(nc, bus, states, cfg.SubjectPrefix, logger), nil
}

func newBridge(c conn, bus *events.Bus, states StateUpdater, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		conn:   c,
		bus:    bus,
		states: states,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
	}
}

// Start subscribes to the bus and to command subjects.
func (b *Bridge) Start() error {
	sub, err := b.conn.Subscribe(b.subject("device.*.set"), b.handleRequest)
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	b.unsub = b.bus.SubscribeAll(b.handleEvent)
	b.logger.Info("NATS bridge started", "prefix", b.prefix)
	return nil
}

// Stop unsubscribes from the bus and drains the connection.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain", "err", err)
	}
	b.logger.Info("NATS bridge stopped")
}

func (b *Bridge) subject(s string) string {
	if b.prefix == "" {
		return s
	}
	return b.prefix + "." + s
}

func (b *Bridge) handleEvent(event events.Event) {
	kind, id, ok := events.SplitTopic(event.Topic)
	if !ok {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("encode event", "topic", event.Topic, "err", err)
		return
	}
	subj := b.subject(kind + "." + subjectToken(id))
	if err := b.conn.Publish(subj, data); err != nil {
		b.logger.Warn("NATS publish", "subject", subj, "err", err)
	}
}

type reply struct {
	Message string             `json:"message"`
	Data    *state.DeviceState `json:"data,omitempty"`
}

func (b *Bridge) handleRequest(msg *nats.Msg) {
	id, ok := b.deviceFromSubject(msg.Subject)
	if !ok {
		return
	}
	resp := b.apply(id, msg.Data)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(resp)
	if err := b.conn.Publish(msg.Reply, data); err != nil {
		b.logger.Warn("NATS reply", "subject", msg.Reply, "err", err)
	}
}

func (b *Bridge) apply(id string, payload []byte) reply {
	u, err := state.ParseUpdate(payload)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var ds *state.DeviceState
		if ds, err = b.states.UpdateState(ctx, id, u); err == nil {
			return reply{Message: "Device state updated", Data: ds}
		}
	}
	b.logger.Warn("command failed", "id", id, "err", err)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return reply{Message: "Device not found"}
	default:
		return reply{Message: err.Error()}
	}
}

func (b *Bridge) deviceFromSubject(subj string) (string, bool) {
	rest, ok := strings.CutPrefix(subj, b.subject("device."))
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".set")
	if !ok || id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// subjectToken makes an identifier usable as a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
