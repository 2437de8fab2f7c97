package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"home-registry/internal/events"

	"nhooyr.io/websocket"
)

const (
	wsQueueSize   = 256
	wsClientQueue = 64
	wsWriteWait   = 10 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadLimit   = 4096
)

// WSHub fans bus events out to WebSocket subscribers. Each subscriber
// holds a set of topic patterns. A subscriber that connects without any
// receives every event until its first subscribe command.
type WSHub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*wsSubscriber]struct{}

	join  chan *wsSubscriber
	leave chan *wsSubscriber
	queue chan events.Event

	done      chan struct{}
	closeOnce sync.Once
}

type wsSubscriber struct {
	conn *websocket.Conn
	out  chan []byte

	mu       sync.Mutex
	all      bool
	patterns []string
}

func newSubscriber(conn *websocket.Conn, patterns []string) *wsSubscriber {
	return &wsSubscriber{
		conn:     conn,
		out:      make(chan []byte, wsClientQueue),
		all:      len(patterns) == 0,
		patterns: patterns,
	}
}

func (s *wsSubscriber) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all {
		return true
	}
	return slices.ContainsFunc(s.patterns, func(p string) bool { return events.Match(p, topic) })
}

func (s *wsSubscriber) subscribe(patterns []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		if p != "" && !slices.Contains(s.patterns, p) {
			s.patterns = append(s.patterns, p)
			s.all = false
		}
	}
	return slices.Clone(s.patterns)
}

func (s *wsSubscriber) unsubscribe(patterns []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = false
	s.patterns = slices.DeleteFunc(s.patterns, func(p string) bool { return slices.Contains(patterns, p) })
	return slices.Clone(s.patterns)
}

// topics returns a snapshot of the pattern set.
func (s *wsSubscriber) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.patterns)
}

// NewWSHub creates a hub. Run must be started before subscribers join.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger: logger,
		subs:   make(map[*wsSubscriber]struct{}),
		join:   make(chan *wsSubscriber),
		leave:  make(chan *wsSubscriber),
		queue:  make(chan events.Event, wsQueueSize),
		done:   make(chan struct{}),
	}
}

// Run owns subscriber membership until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for sub := range h.subs {
				h.drop(sub)
			}
			h.mu.Unlock()
			return

		case sub := <-h.join:
			h.mu.Lock()
			h.subs[sub] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber joined", "patterns", sub.topics(), "subscribers", n)

		case sub := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				h.drop(sub)
			}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Debug("ws subscriber left", "subscribers", n)

		case ev := <-h.queue:
			h.deliver(ev)
		}
	}
}

// deliver encodes ev once and queues it for every interested subscriber.
// Subscribers whose queue is full are dropped.
func (h *WSHub) deliver(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "topic", ev.Topic, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.matches(ev.Topic) {
			continue
		}
		select {
		case sub.out <- data:
		default:
			h.drop(sub)
			h.logger.Warn("ws subscriber dropped, queue full", "topic", ev.Topic)
		}
	}
}

// drop must be called with h.mu held.
func (h *WSHub) drop(sub *wsSubscriber) {
	delete(h.subs, sub)
	close(sub.out)
}

// Stop disconnects every subscriber. Safe to call more than once.
func (h *WSHub) Stop() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Broadcast queues ev without blocking the publisher; it is dropped when
// the hub is backed up.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.queue <- ev:
	default:
		h.logger.Warn("ws queue full, dropping event", "topic", ev.Topic)
	}
}

// wsCommand is a message sent by a client to change its subscription.
type wsCommand struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// wsAck answers a wsCommand with the resulting pattern set.
type wsAck struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
	Error  string   `json:"error,omitempty"`
}

// handleWS upgrades to a WebSocket that streams bus events as JSON.
// ?topic= takes a comma-separated list of patterns such as
// "device-state-changed.*"; clients may later send wsCommand messages to
// change it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sub := newSubscriber(conn, splitPatterns(r.URL.Query().Get("topic")))
	select {
	case s.wsHub.join <- sub:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	go s.wsWriter(ctx, sub)
	s.wsReader(ctx, sub)

	select {
	case s.wsHub.leave <- sub:
	case <-s.wsHub.done:
	}
}

func splitPatterns(q string) []string {
	var out []string
	for _, p := range strings.Split(q, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// wsWriter drains the subscriber queue and keeps the connection alive.
// It closes the connection once the hub closes the queue.
func (s *Server) wsWriter(ctx context.Context, sub *wsSubscriber) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.out:
			if !ok {
				sub.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.wsWrite(sub, msg); err != nil {
				sub.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteWait)
			err := sub.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug("ws ping", "err", err)
				sub.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		case <-ctx.Done():
			sub.conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

func (s *Server) wsWrite(sub *wsSubscriber, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
	defer cancel()
	return sub.conn.Write(ctx, websocket.MessageText, msg)
}

// wsReader applies subscription commands until the client disconnects.
func (s *Server) wsReader(ctx context.Context, sub *wsSubscriber) {
	for {
		_, data, err := sub.conn.Read(ctx)
		if err != nil {
			return
		}

		var cmd wsCommand
		ack := wsAck{Type: "subscription"}
		if err := json.Unmarshal(data, &cmd); err != nil {
			ack.Error = "invalid command"
		} else {
			switch cmd.Action {
			case "subscribe":
				ack.Topics = sub.subscribe(cmd.Topics)
			case "unsubscribe":
				ack.Topics = sub.unsubscribe(cmd.Topics)
			default:
				ack.Error = "unknown action"
			}
		}
		if ack.Topics == nil {
			ack.Topics = []string{}
		}

		reply, _ := json.Marshal(ack)
		if err := s.wsWrite(sub, reply); err != nil {
			return
		}
	}
}
