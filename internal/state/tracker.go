package state

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"

	"github.com/zeebo/blake3"

	"home-registry/internal/events"
	"home-registry/internal/registry"
)

// Fingerprint returns a short digest of the ordered state fields. It is
// only meaningful for equality comparison.
func Fingerprint(s LightState) string {
	buf := make([]byte, 0, 32)
	buf = append(buf, s.RGB...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, int64(s.Brightness), 10)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, int64(s.Strobe), 10)
	buf = append(buf, 0)
	buf = strconv.AppendBool(buf, s.Power)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

// Outcomes reported to an Observer.
const (
	OutcomeChanged         = "changed"
	OutcomeUnchanged       = "unchanged"
	OutcomeInvalid         = "invalid"
	OutcomeControllerError = "controller_error"
)

// Observer is told the outcome of every update attempt.
type Observer interface {
	ObserveStateUpdate(outcome string)
}

// Dispatch sends a fully resolved state to the hardware.
type Dispatch func(LightState) error

// Render builds the notification payload for a committed state. Controllers
// return a *DeviceState, so subscribers see the device record together with
// its state and properties rather than the bare device.
type Render func(LightState) any

// Tracker applies updates to a device's live state and publishes
// "device-state-changed.<id>" only when the state fingerprint changes.
type Tracker struct {
	bus      *events.Bus
	observer Observer
	logger   *slog.Logger
}

// NewTracker creates a tracker that publishes to bus. bus may be nil.
func NewTracker(bus *events.Bus, logger *slog.Logger) *Tracker {
	return &Tracker{
		bus:    bus,
		logger: logger.With("component", "tracker"),
	}
}

// SetObserver installs an outcome observer.
func (t *Tracker) SetObserver(o Observer) {
	t.observer = o
}

// ApplyAndNotify validates u, resolves the new state, hands it to dispatch
// and, once dispatch succeeds, commits it to *current. If the fingerprint
// moved, the rendered state is published. Any error leaves *current as it
// was. The caller must serialize calls for the same state.
func (t *Tracker) ApplyAndNotify(identifier string, current *LightState, u Update, dispatch Dispatch, render Render) (changed bool, err error) {
	if err := u.Validate(); err != nil {
		t.observe(OutcomeInvalid)
		t.logger.Debug("update rejected", "id", identifier, "err", err)
		return false, err
	}

	before := Fingerprint(*current)
	next := u.ApplyTo(*current)

	if err := dispatch(next); err != nil {
		t.observe(OutcomeControllerError)
		t.logger.Warn("controller dispatch failed", "id", identifier, "err", err)
		if !errors.Is(err, registry.ErrController) {
			err = registry.ControllerFailure(identifier, err)
		}
		return false, err
	}

	*current = next
	if Fingerprint(next) == before {
		t.observe(OutcomeUnchanged)
		return false, nil
	}

	t.observe(OutcomeChanged)
	t.logger.Debug("state changed", "id", identifier, "rgb", next.RGB, "brightness", next.Brightness, "strobe", next.Strobe, "power", next.Power)
	if t.bus != nil {
		t.bus.Publish(events.Topic(events.KindDeviceStateChanged, identifier), render(next))
	}
	return true, nil
}

func (t *Tracker) observe(outcome string) {
	if t.observer != nil {
		t.observer.ObserveStateUpdate(outcome)
	}
}
