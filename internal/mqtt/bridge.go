//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Registry lists devices for discovery.
type Registry interface {
	ListDevices(filter registry.DeviceFilter) ([]registry.DeviceView, error)
}

// StateUpdater applies commands received over MQTT.
type StateUpdater interface {
	UpdateState(ctx context.Context, identifier string, u state.Update) (*state.DeviceState, error)
}

// Bridge mirrors bus notifications to MQTT with HA autodiscovery and
// accepts state commands on "<prefix>/device/<id>/set".
type Bridge struct {
	client  pahomqtt.Client
	bus     *events.Bus
	devices Registry
	states  StateUpdater
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(bus *events.Bus, devices Registry, states StateUpdater, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(bus, devices, states, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("home-registry").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(bus *events.Bus, devices Registry, states StateUpdater, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		bus:     bus,
		devices: devices,
		states:  states,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to bus events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.SubscribeAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAllDiscovery()
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event events.Event) {
	kind, id, ok := events.SplitTopic(event.Topic)
	if !ok {
		return
	}
	switch kind {
	case events.KindDeviceStateChanged:
		b.publish(b.prefix+"/"+event.Topic, mustJSON(event.Payload), true)
		if ds, ok := event.Payload.(*state.DeviceState); ok {
			b.publish(haStateTopic(b.prefix, id), mustJSON(toHAState(ds.State)), true)
		}
	case events.KindDeviceRegistered:
		b.publish(b.prefix+"/"+event.Topic, mustJSON(event.Payload), false)
		if dev, ok := event.Payload.(*registry.DeviceView); ok {
			b.publishDeviceDiscovery(dev)
		}
	case events.KindDeviceDeleted:
		b.publish(b.prefix+"/"+event.Topic, mustJSON(event.Payload), false)
		for _, msg := range buildRemoveDiscovery(id) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		// Clear retained state.
		b.publish(b.prefix+"/"+events.Topic(events.KindDeviceStateChanged, id), nil, true)
		b.publish(haStateTopic(b.prefix, id), nil, true)
	default:
		b.publish(b.prefix+"/"+event.Topic, mustJSON(event.Payload), false)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.devices.ListDevices(registry.DeviceFilter{})
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for i := range devices {
		b.publishDeviceDiscovery(&devices[i])
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *registry.DeviceView) {
	msgs := buildDiscovery(dev, b.prefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if len(msgs) > 0 {
		b.logger.Info("published HA discovery", "id", dev.Identifier, "name", dev.Name)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/device/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		id, ok := deviceFromCommandTopic(b.prefix, msg.Topic())
		if !ok {
			return
		}
		b.handleCommand(id, msg.Payload())
	})
}

func (b *Bridge) handleCommand(id string, payload []byte) {
	u, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "id", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if _, err := b.states.UpdateState(ctx, id, u); err != nil {
		b.logger.Warn("command failed", "id", id, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// deviceFromCommandTopic extracts the device identifier from
// "<prefix>/device/<id>/set".
func deviceFromCommandTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/device/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/set")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// command accepts both the native update fields and the HA JSON light
// schema ("state", "color", "effect").
type command struct {
	state.Update
	State  *string  `json:"state"`
	Color  *haColor `json:"color"`
	Effect *string  `json:"effect"`
}

// parseCommand decodes an MQTT command payload into a state update.
func parseCommand(payload []byte) (state.Update, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return state.Update{}, registry.Invalid("", "invalid command JSON: %v", err)
	}
	u := cmd.Update

	if cmd.State != nil {
		var on bool
		switch strings.ToUpper(*cmd.State) {
		case "ON":
			on = true
		case "OFF":
		default:
			return state.Update{}, registry.Invalid("state", "must be ON or OFF")
		}
		u.Power = &on
	}
	if cmd.Color != nil && u.RGB == nil {
		c := *cmd.Color
		for _, v := range []int{c.R, c.G, c.B} {
			if v < 0 || v > 255 {
				return state.Update{}, registry.Invalid("color", "components must be between 0 and 255")
			}
		}
		rgb := fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
		u.RGB = &rgb
	}
	if cmd.Effect != nil && u.Strobe == nil {
		strobe := 0
		if *cmd.Effect == effectStrobe {
			strobe = state.MaxStrobe
		}
		u.Strobe = &strobe
	}
	return u, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
