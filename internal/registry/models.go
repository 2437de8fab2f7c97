package registry

import "strings"

// Device is the stored registry record. RoomIdentifier is a flat foreign key
// into the room collection; it is replaced by an embedded room on reads.
type Device struct {
	Identifier     string         `json:"identifier"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	ControllerName string         `json:"controller_name"`
	RoomIdentifier string         `json:"room_identifier"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	StateProviders []string       `json:"state_providers,omitempty"`
}

// Room is the stored room record.
type Room struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// RoomRef is the room shape embedded in a decorated device.
type RoomRef struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// DeviceView is a device decorated with its room. It has no room_identifier.
// Room is nil when the referenced room has disappeared from the store.
type DeviceView struct {
	Identifier     string         `json:"identifier"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	ControllerName string         `json:"controller_name"`
	Room           *RoomRef       `json:"room"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	StateProviders []string       `json:"state_providers,omitempty"`
}

// RoomDevice is a device embedded in a decorated room, without the
// redundant room_identifier.
type RoomDevice struct {
	Identifier     string         `json:"identifier"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	ControllerName string         `json:"controller_name"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	StateProviders []string       `json:"state_providers,omitempty"`
}

// RoomView is a room decorated with the devices that reference it.
type RoomView struct {
	Identifier string       `json:"identifier"`
	Name       string       `json:"name"`
	Devices    []RoomDevice `json:"devices"`
}

func deviceID(d *Device) string { return d.Identifier }
func roomID(r *Room) string     { return r.Identifier }

// Validate checks that all required device fields are present.
func (d *Device) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"identifier", d.Identifier},
		{"name", d.Name},
		{"type", d.Type},
		{"controller_name", d.ControllerName},
		{"room_identifier", d.RoomIdentifier},
	} {
		if strings.TrimSpace(f.value) == "" {
			return Invalid(f.name, "is required")
		}
	}
	return nil
}

// Validate checks that all required room fields are present.
func (r *Room) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return Invalid("identifier", "is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return Invalid("name", "is required")
	}
	return nil
}

// AttrString returns a string attribute, or "" when missing or not a string.
func (d *Device) AttrString(key string) string {
	s, _ := d.Attributes[key].(string)
	return s
}

// AttrInt returns a numeric attribute as int. JSON numbers decode as
// float64, so both float64 and int are accepted.
func (d *Device) AttrInt(key string) (int, bool) {
	switch v := d.Attributes[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
