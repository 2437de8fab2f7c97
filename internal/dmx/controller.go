package dmx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
)

// Controller owns the live state of every registry device whose
// controller_name matches its name, and pushes state changes to a Sender.
//
// Fixtures are loaded lazily from the registry and reloaded whenever a
// device is registered or deleted. Channels left behind by a fixture that
// moved or went away are blanked.
type Controller struct {
	name            string
	defaultUniverse int
	registry        *registry.Service
	tracker         *state.Tracker
	sender          Sender
	logger          *slog.Logger

	mu        sync.Mutex
	loaded    bool
	fixtures  map[string]Placement
	broken    map[string]error
	states    map[string]*state.LightState
	universes map[int]*Universe
}

// NewController creates a controller. defaultUniverse is used for devices
// without a "universe" attribute.
func NewController(name string, defaultUniverse int, reg *registry.Service, tracker *state.Tracker, sender Sender, logger *slog.Logger) *Controller {
	return &Controller{
		name:            name,
		defaultUniverse: defaultUniverse,
		registry:        reg,
		tracker:         tracker,
		sender:          sender,
		logger:          logger.With("component", "dmx"),
		states:          make(map[string]*state.LightState),
		universes:       make(map[int]*Universe),
	}
}

// Name returns the controller_name this controller answers to.
func (c *Controller) Name() string {
	return c.name
}

// ValidateDevice rejects a device registration that would produce an
// invalid or overlapping fixture. Devices of other controllers pass.
func (c *Controller) ValidateDevice(d *registry.Device) error {
	if d.ControllerName != c.name {
		return nil
	}
	p, err := NewPlacement(d, c.defaultUniverse)
	if err != nil {
		return err
	}
	others, err := c.registry.Devices(registry.DeviceFilter{ControllerName: c.name})
	if err != nil {
		return fmt.Errorf("list fixtures: %w", err)
	}
	ps := []Placement{p}
	for _, o := range others {
		if o.Identifier == d.Identifier {
			continue
		}
		op, err := NewPlacement(o, c.defaultUniverse)
		if err != nil {
			continue
		}
		ps = append(ps, op)
	}
	return ValidatePlacements(ps)
}

// Watch subscribes to registry lifecycle events so that fixture changes
// are picked up. Returns an unsubscribe function.
func (c *Controller) Watch(bus *events.Bus) func() {
	invalidate := func(e events.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if kind, id, ok := events.SplitTopic(e.Topic); ok && kind == events.KindDeviceDeleted {
			delete(c.states, id)
		}
		c.reload(context.Background())
	}
	unsubs := []func(){
		bus.Subscribe(events.KindDeviceRegistered+".*", invalidate),
		bus.Subscribe(events.KindDeviceDeleted+".*", invalidate),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// State returns the decorated device and its current live state.
func (c *Controller) State(ctx context.Context, identifier string) (*state.DeviceState, error) {
	view, err := c.device(identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.placement(identifier); err != nil {
		return nil, err
	}
	return render(view, *c.stateFor(identifier)), nil
}

// UpdateState applies a partial update, sends the resulting frame and
// returns the resolved state.
func (c *Controller) UpdateState(ctx context.Context, identifier string, u state.Update) (*state.DeviceState, error) {
	view, err := c.device(identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.placement(identifier)
	if err != nil {
		return nil, err
	}
	universe := c.universe(p.Universe)
	current := c.stateFor(identifier)

	_, err = c.tracker.ApplyAndNotify(identifier, current, u,
		func(next state.LightState) error {
			frame := universe.Frame(p.Fixture, next)
			if err := c.sender.Send(ctx, p.Universe, frame); err != nil {
				return registry.ControllerFailure(c.name, err)
			}
			universe.Commit(frame)
			return nil
		},
		func(next state.LightState) any { return render(view, next) },
	)
	if err != nil {
		return nil, err
	}
	return render(view, *current), nil
}

// Close releases the sender.
func (c *Controller) Close() error {
	return c.sender.Close()
}

func (c *Controller) device(identifier string) (*registry.DeviceView, error) {
	view, err := c.registry.GetDevice(identifier)
	if err != nil {
		return nil, err
	}
	if view.ControllerName != c.name {
		return nil, fmt.Errorf("%w: device %q is not controlled by %s", registry.ErrNotFound, identifier, c.name)
	}
	return view, nil
}

// placement returns the fixture for identifier, loading fixtures from the
// registry if needed. c.mu must be held.
func (c *Controller) placement(identifier string) (Placement, error) {
	if err := c.load(); err != nil {
		return Placement{}, err
	}
	if err, ok := c.broken[identifier]; ok {
		return Placement{}, err
	}
	p, ok := c.fixtures[identifier]
	if !ok {
		return Placement{}, fmt.Errorf("%w: fixture %q", registry.ErrNotFound, identifier)
	}
	return p, nil
}

func (c *Controller) load() error {
	if c.loaded {
		return nil
	}
	devices, err := c.registry.Devices(registry.DeviceFilter{ControllerName: c.name})
	if err != nil {
		return fmt.Errorf("load fixtures: %w", err)
	}

	fixtures := make(map[string]Placement, len(devices))
	broken := make(map[string]error)
	var ps []Placement
	for _, d := range devices {
		p, err := NewPlacement(d, c.defaultUniverse)
		if err != nil {
			c.logger.Warn("skipping fixture", "id", d.Identifier, "err", err)
			broken[d.Identifier] = err
			continue
		}
		fixtures[d.Identifier] = p
		ps = append(ps, p)
	}
	if err := ValidatePlacements(ps); err != nil {
		// Overlapping fixtures are not driven at all.
		c.logger.Error("fixture patch is invalid", "err", err)
		for id := range fixtures {
			broken[id] = err
		}
		fixtures = map[string]Placement{}
	}

	c.fixtures = fixtures
	c.broken = broken
	c.loaded = true
	c.logger.Debug("fixtures loaded", "count", len(fixtures), "broken", len(broken))
	return nil
}

// reload rereads the fixtures and repatches the universes: channels of
// fixtures that moved or disappeared are zeroed, moved fixtures with a known
// state are written at their new channels, and every touched universe is
// resent. c.mu must be held.
func (c *Controller) reload(ctx context.Context) {
	old := c.fixtures
	c.loaded = false
	if err := c.load(); err != nil {
		// Try again on the next request; old channels stay as they are.
		c.logger.Warn("reload fixtures", "err", err)
		return
	}

	dirty := make(map[int]bool)
	for id, p := range old {
		if np, ok := c.fixtures[id]; ok && samePatch(p, np) {
			continue
		}
		c.universe(p.Universe).Clear(p.Fixture.Offset(), p.Fixture.Len())
		dirty[p.Universe] = true
	}
	for id, p := range c.fixtures {
		if op, ok := old[id]; ok && samePatch(op, p) {
			continue
		}
		s, ok := c.states[id]
		if !ok {
			continue
		}
		u := c.universe(p.Universe)
		u.Commit(u.Frame(p.Fixture, *s))
		dirty[p.Universe] = true
	}

	for n := range dirty {
		if err := c.sender.Send(ctx, n, c.universe(n).Values()); err != nil {
			// The committed frame goes out with the next successful send.
			c.logger.Warn("resend universe after repatch", "universe", n, "err", err)
		}
	}
}

func samePatch(a, b Placement) bool {
	return a.Universe == b.Universe &&
		a.Fixture.Offset() == b.Fixture.Offset() &&
		a.Fixture.Len() == b.Fixture.Len()
}

func (c *Controller) universe(n int) *Universe {
	u, ok := c.universes[n]
	if !ok {
		u = &Universe{Number: n}
		c.universes[n] = u
	}
	return u
}

func (c *Controller) stateFor(identifier string) *state.LightState {
	s, ok := c.states[identifier]
	if !ok {
		d := state.DefaultLightState()
		s = &d
		c.states[identifier] = s
	}
	return s
}

func render(view *registry.DeviceView, s state.LightState) *state.DeviceState {
	return &state.DeviceState{
		DeviceView: view,
		State:      s,
		Properties: state.LightProperties(),
	}
}
