//go:build no_mqtt

package main

import (
	"log/slog"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *events.Bus, _ *registry.Service, _ *state.Router, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
