//go:build no_automation

package main

import (
	"log/slog"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
	"home-registry/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *events.Bus, _ *registry.Service, _ *state.Router, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
