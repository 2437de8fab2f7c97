package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"home-registry/internal/dmx"
	"home-registry/internal/events"
	"home-registry/internal/metrics"
	"home-registry/internal/natsbridge"
	"home-registry/internal/registry"
	"home-registry/internal/state"
	"home-registry/internal/store"
	"home-registry/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfgPath, listen, logLevel string
	flagSet := pflag.NewFlagSet("home-registry", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the YAML config file")
	flagSet.StringVar(&listen, "listen", "", "HTTP listen address (overrides web.listen)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		bootLogger.Error("parse flags", "err", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if listen != "" {
		cfg.Web.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("home-registry starting", "version", version)

	db, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	bus := events.NewBus(logger)
	reg := registry.NewService(db, bus, logger)
	tracker := state.NewTracker(bus, logger)
	router := state.NewRouter(reg)

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		rec = metrics.NewRecorder(nil)
		tracker.SetObserver(rec)
		defer rec.WatchBus(bus)()
		rec.TrackInventory(
			func() (int, error) {
				devices, err := reg.ListDevices(registry.DeviceFilter{})
				return len(devices), err
			},
			func() (int, error) {
				rooms, err := reg.ListRooms()
				return len(rooms), err
			},
		)
	}

	if cfg.DMX.Enabled {
		sender, err := newSender(cfg)
		if err != nil {
			logger.Error("open DMX output", "err", err)
			os.Exit(1)
		}
		ctrl := dmx.NewController(cfg.DMX.ControllerName, cfg.DMX.Universe, reg, tracker, sender, logger)
		defer ctrl.Close()
		reg.AddValidator(ctrl.ValidateDevice)
		defer ctrl.Watch(bus)()
		router.Register(ctrl)
		logger.Info("DMX controller ready", "name", ctrl.Name(), "driver", cfg.DMX.Driver, "universe", cfg.DMX.Universe)
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(bus, reg, router, cfg, logger)

	var webOpts []web.ServerOption
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if rec != nil {
		webOpts = append(webOpts, web.WithMetrics(rec))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(reg, router, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(bus, reg, router, cfg, logger)

	var nb *natsbridge.Bridge
	if cfg.NATS.Enabled {
		nb, err = natsbridge.NewBridge(bus, router, natsbridge.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			logger.Error("nats bridge", "err", err)
		} else if err := nb.Start(); err != nil {
			logger.Error("start nats bridge", "err", err)
			nb.Stop()
			nb = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if nb != nil {
		nb.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func openStore(cfg *Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "bolt":
		return store.NewBoltStore(cfg.Store.Path)
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store driver: %q (supported: bolt, sqlite)", cfg.Store.Driver)
	}
}

func newSender(cfg *Config) (dmx.Sender, error) {
	switch cfg.DMX.Driver {
	case "serial":
		return dmx.NewSerialSender(cfg.DMX.Port, cfg.DMX.Baud, cfg.DMX.Universe)
	case "memory":
		return dmx.NewMemorySender(), nil
	default:
		return nil, fmt.Errorf("unknown DMX driver: %q (supported: serial, memory)", cfg.DMX.Driver)
	}
}
