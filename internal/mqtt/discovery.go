//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"home-registry/internal/registry"
	"home-registry/internal/state"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/home_registry_lamp1/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers   []string `json:"identifiers"`
	Manufacturer  string   `json:"manufacturer,omitempty"`
	Model         string   `json:"model,omitempty"`
	Name          string   `json:"name"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// haDiscovery is an HA light discovery payload using the JSON schema.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Schema              string   `json:"schema"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes"`
	Effect              bool     `json:"effect,omitempty"`
	EffectList          []string `json:"effect_list,omitempty"`
	Device              haDevice `json:"device"`
}

// haState is the light state in the HA JSON schema.
type haState struct {
	State      string  `json:"state"`
	Brightness int     `json:"brightness"`
	ColorMode  string  `json:"color_mode"`
	Color      haColor `json:"color"`
	Effect     string  `json:"effect,omitempty"`
}

type haColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

const effectStrobe = "strobe"

// nodeID returns the unique identifier for the HA device registry.
func nodeID(identifier string) string {
	return "home_registry_" + topicSafe(identifier)
}

// topicSafe lowercases s and replaces anything that is not safe in an MQTT
// topic level.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

func haStateTopic(prefix, identifier string) string {
	return prefix + "/device/" + identifier
}

func commandTopic(prefix, identifier string) string {
	return prefix + "/device/" + identifier + "/set"
}

// isLight reports whether the device exposes light state.
func isLight(dev *registry.DeviceView) bool {
	return dev.Type == "light"
}

// buildDiscovery generates HA discovery messages for a registered device.
func buildDiscovery(dev *registry.DeviceView, prefix string) []discoveryMsg {
	if !isLight(dev) {
		return nil
	}
	id := nodeID(dev.Identifier)
	name := dev.Name
	if name == "" {
		name = dev.Identifier
	}
	haDev := haDevice{
		Identifiers:  []string{id},
		Manufacturer: dev.ControllerName,
		Model:        dev.Type,
		Name:         name,
	}
	if dev.Room != nil {
		haDev.SuggestedArea = dev.Room.Name
	}
	payload := haDiscovery{
		Name:                name,
		UniqueID:            id + "_light",
		StateTopic:          haStateTopic(prefix, dev.Identifier),
		CommandTopic:        commandTopic(prefix, dev.Identifier),
		AvailabilityTopic:   prefix + "/bridge/state",
		Schema:              "json",
		Brightness:          true,
		BrightnessScale:     state.MaxBrightness,
		SupportedColorModes: []string{"rgb"},
		Effect:              true,
		EffectList:          []string{effectStrobe},
		Device:              haDev,
	}
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", id),
		Payload: mustJSON(payload),
	}}
}

// buildRemoveDiscovery generates empty retained messages to remove a device
// from HA.
func buildRemoveDiscovery(identifier string) []discoveryMsg {
	return []discoveryMsg{{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", nodeID(identifier)),
		Payload: nil,
	}}
}

// toHAState converts a light state to the HA JSON schema.
func toHAState(s state.LightState) haState {
	r, g, b := s.RGBBytes()
	hs := haState{
		State:      "OFF",
		Brightness: s.Brightness,
		ColorMode:  "rgb",
		Color:      haColor{R: int(r), G: int(g), B: int(b)},
	}
	if s.Power {
		hs.State = "ON"
	}
	if s.Strobe > 0 {
		hs.Effect = effectStrobe
	}
	return hs
}
