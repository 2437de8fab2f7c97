package state

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"home-registry/internal/registry"
)

// Value ranges for light fields.
const (
	MaxBrightness = 255
	MaxStrobe     = 240
)

var hexColor = regexp.MustCompile(`^#([A-Fa-f0-9]{6}|[A-Fa-f0-9]{3})$`)

// LightState is the mutable live state of a light. It is held by the
// controller that owns the device and is never persisted.
type LightState struct {
	RGB        string `json:"rgb"`
	Brightness int    `json:"brightness"`
	Strobe     int    `json:"strobe"`
	Power      bool   `json:"power"`
}

// DefaultLightState is the state of a light nobody has written to yet.
func DefaultLightState() LightState {
	return LightState{RGB: "#000000"}
}

// Update is a partial light update. Nil fields are left unchanged.
type Update struct {
	RGB        *string `json:"rgb,omitempty"`
	Brightness *int    `json:"brightness,omitempty"`
	Strobe     *int    `json:"strobe,omitempty"`
	Power      *bool   `json:"power,omitempty"`
}

// ParseUpdate decodes a JSON update body. Unknown fields are ignored; a
// field of the wrong type is a validation error on that field. Fields are
// decoded in validation order, so a type error is only reported when every
// field before it is valid.
func ParseUpdate(data []byte) (Update, error) {
	var u Update
	if len(bytes.TrimSpace(data)) == 0 {
		return u, nil
	}
	var raw struct {
		RGB        json.RawMessage `json:"rgb"`
		Brightness json.RawMessage `json:"brightness"`
		Strobe     json.RawMessage `json:"strobe"`
		Power      json.RawMessage `json:"power"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Update{}, registry.Invalid("", "invalid JSON body: %v", err)
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  any
	}{
		{"rgb", raw.RGB, &u.RGB},
		{"brightness", raw.Brightness, &u.Brightness},
		{"strobe", raw.Strobe, &u.Strobe},
		{"power", raw.Power, &u.Power},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		decoded := u
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			if verr := decoded.Validate(); verr != nil {
				return Update{}, verr
			}
			return Update{}, registry.Invalid(f.name, "must be of type %s", jsonKind(f.name))
		}
	}
	return u, nil
}

func jsonKind(field string) string {
	switch field {
	case "rgb":
		return "string"
	case "power":
		return "bool"
	default:
		return "integer"
	}
}

// Empty reports whether the update sets no field.
func (u Update) Empty() bool {
	return u.RGB == nil && u.Brightness == nil && u.Strobe == nil && u.Power == nil
}

// Validate checks the fields in a fixed order (rgb, brightness, strobe)
// and returns the first failure.
func (u Update) Validate() error {
	if u.RGB != nil {
		if _, err := NormalizeColor(*u.RGB); err != nil {
			return err
		}
	}
	if u.Brightness != nil && (*u.Brightness < 0 || *u.Brightness > MaxBrightness) {
		return registry.Invalid("brightness", "must be between 0 and %d", MaxBrightness)
	}
	if u.Strobe != nil && (*u.Strobe < 0 || *u.Strobe > MaxStrobe) {
		return registry.Invalid("strobe", "must be between 0 and %d", MaxStrobe)
	}
	return nil
}

// ApplyTo returns s with the update applied. The update must have been
// validated. Setting brightness switches the light on when it is non-zero
// and off when it is zero; an explicit power field is applied last and wins.
func (u Update) ApplyTo(s LightState) LightState {
	if u.RGB != nil {
		s.RGB, _ = NormalizeColor(*u.RGB)
	}
	if u.Brightness != nil {
		s.Brightness = *u.Brightness
		s.Power = s.Brightness > 0
	}
	if u.Strobe != nil {
		s.Strobe = *u.Strobe
	}
	if u.Power != nil {
		s.Power = *u.Power
	}
	return s
}

// NormalizeColor validates a #RGB or #RRGGBB color and returns it as
// upper-case #RRGGBB.
func NormalizeColor(c string) (string, error) {
	if !hexColor.MatchString(c) {
		return "", registry.Invalid("rgb", "%q is not a hex color", c)
	}
	c = strings.ToUpper(c[1:])
	if len(c) == 3 {
		c = string([]byte{c[0], c[0], c[1], c[1], c[2], c[2]})
	}
	return "#" + c, nil
}

// RGBBytes returns the red, green and blue components of the color.
// An invalid color reads as black.
func (s LightState) RGBBytes() (r, g, b byte) {
	c, err := NormalizeColor(s.RGB)
	if err != nil {
		return 0, 0, 0
	}
	v, err := hex.DecodeString(c[1:])
	if err != nil {
		return 0, 0, 0
	}
	return v[0], v[1], v[2]
}

// Property describes one controllable field of a device.
type Property struct {
	Type string `json:"type"`
	Min  *int   `json:"min,omitempty"`
	Max  *int   `json:"max,omitempty"`
}

func intRange(max int) Property {
	lo, hi := 0, max
	return Property{Type: "int", Min: &lo, Max: &hi}
}

// LightProperties returns the capability metadata for a light.
func LightProperties() map[string]Property {
	return map[string]Property{
		"rgb":        {Type: "rgb"},
		"brightness": intRange(MaxBrightness),
		"strobe":     intRange(MaxStrobe),
		"power":      {Type: "bool"},
	}
}

// DeviceState is the live-state representation of a device: the decorated
// registry record plus its current state.
type DeviceState struct {
	*registry.DeviceView
	State      LightState          `json:"state"`
	Properties map[string]Property `json:"properties"`
}
