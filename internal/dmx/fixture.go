// Package dmx drives DMX512 light fixtures registered in the device
// registry.
package dmx

import (
	"fmt"
	"slices"

	"home-registry/internal/registry"
	"home-registry/internal/state"
)

// UniverseSize is the number of channels in a DMX universe.
const UniverseSize = 512

// Fixture types accepted in the "fixture_type" device attribute.
const (
	FixtureMegaPar = "mega_par_profile"
)

// Fixture maps a light state onto a run of DMX channels.
type Fixture interface {
	ID() string
	// Offset is the 0-based first channel.
	Offset() int
	// Len is the number of channels the fixture occupies.
	Len() int
	Values(s state.LightState) []byte
}

// MegaPar is an ADJ Mega Par Profile in 7-channel mode:
// red, green, blue, color macro, strobe, program, dimmer.
type MegaPar struct {
	id     string
	offset int
}

const megaParChannels = 7

func (f *MegaPar) ID() string  { return f.id }
func (f *MegaPar) Offset() int { return f.offset }
func (f *MegaPar) Len() int    { return megaParChannels }

// Values returns the channel values for s. The dimmer is held at zero while
// the light is off. Strobe speeds start at 16 on the wire; 0 disables it.
func (f *MegaPar) Values(s state.LightState) []byte {
	r, g, b := s.RGBBytes()
	var strobe byte
	if s.Strobe > 0 {
		strobe = byte(s.Strobe + 15)
	}
	var dimmer byte
	if s.Power {
		dimmer = byte(s.Brightness)
	}
	return []byte{r, g, b, 0, strobe, 0, dimmer}
}

// Placement is a fixture patched into a universe.
type Placement struct {
	Fixture  Fixture
	Universe int
}

// NewPlacement builds the fixture described by a device's attributes.
// The "universe" attribute is optional and defaults to defaultUniverse.
func NewPlacement(d *registry.Device, defaultUniverse int) (Placement, error) {
	offset, ok := d.AttrInt("offset")
	if !ok {
		return Placement{}, registry.Invalid("attributes.offset", "device %q needs an integer offset", d.Identifier)
	}
	universe := defaultUniverse
	if _, present := d.Attributes["universe"]; present {
		if universe, ok = d.AttrInt("universe"); !ok || universe < 1 || universe > 65535 {
			return Placement{}, registry.Invalid("attributes.universe", "device %q has an invalid universe", d.Identifier)
		}
	}

	var f Fixture
	switch t := d.AttrString("fixture_type"); t {
	case FixtureMegaPar:
		f = &MegaPar{id: d.Identifier, offset: offset}
	default:
		return Placement{}, registry.Invalid("attributes.fixture_type", "device %q has unknown fixture type %q", d.Identifier, t)
	}

	if f.Offset() < 0 || f.Offset()+f.Len() > UniverseSize {
		return Placement{}, registry.Invalid("attributes.offset",
			"device %q channels %d-%d fall outside the universe", d.Identifier, f.Offset(), f.Offset()+f.Len()-1)
	}
	return Placement{Fixture: f, Universe: universe}, nil
}

// ValidatePlacements rejects fixtures that share a channel in the same
// universe.
func ValidatePlacements(ps []Placement) error {
	sorted := slices.Clone(ps)
	slices.SortFunc(sorted, func(a, b Placement) int {
		if a.Universe != b.Universe {
			return a.Universe - b.Universe
		}
		return a.Fixture.Offset() - b.Fixture.Offset()
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Universe != cur.Universe {
			continue
		}
		if cur.Fixture.Offset() < prev.Fixture.Offset()+prev.Fixture.Len() {
			return registry.Invalid("attributes.offset", "fixtures %q and %q overlap in universe %d",
				prev.Fixture.ID(), cur.Fixture.ID(), cur.Universe)
		}
	}
	return nil
}

// Universe holds the last frame sent for one universe.
type Universe struct {
	Number int
	values [UniverseSize]byte
}

// Frame returns the current frame with f's channels replaced by the values
// for s. The universe itself is not modified.
func (u *Universe) Frame(f Fixture, s state.LightState) [UniverseSize]byte {
	frame := u.values
	copy(frame[f.Offset():f.Offset()+f.Len()], f.Values(s))
	return frame
}

// Commit records frame as sent.
func (u *Universe) Commit(frame [UniverseSize]byte) {
	u.values = frame
}

// Clear zeroes n channels starting at offset.
func (u *Universe) Clear(offset, n int) {
	clear(u.values[offset : offset+n])
}

// Values returns the last committed frame.
func (u *Universe) Values() [UniverseSize]byte {
	return u.values
}

func (p Placement) String() string {
	return fmt.Sprintf("%s@%d:%d", p.Fixture.ID(), p.Universe, p.Fixture.Offset())
}
