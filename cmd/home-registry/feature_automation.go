//go:build !no_automation

package main

import (
	"context"
	"log/slog"

	"home-registry/internal/automation"
	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
	"home-registry/internal/web"
)

type autoStopper struct {
	engine  *automation.Engine
	watcher *automation.Watcher
	cancel  context.CancelFunc
}

func (a *autoStopper) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(bus *events.Bus, reg *registry.Service, router *state.Router, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	if !cfg.Automation.Enabled {
		return &autoStopper{}, nil
	}

	scriptMgr, err := automation.NewManager(cfg.Automation.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(bus, reg, router, scriptMgr, logger)
	engine.Start()
	stopper := &autoStopper{engine: engine}

	watcher, err := automation.NewWatcher(scriptMgr, engine, logger)
	if err != nil {
		logger.Warn("script hot reload disabled", "err", err)
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("script hot reload disabled", "err", err)
			cancel()
			watcher.Stop()
		} else {
			stopper.watcher = watcher
			stopper.cancel = cancel
		}
	}

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return stopper, opts
}
