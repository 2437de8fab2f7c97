package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store struct {
		Driver string `yaml:"driver"` // "bolt" or "sqlite"
		Path   string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	DMX struct {
		Enabled        bool   `yaml:"enabled"`
		ControllerName string `yaml:"controller_name"`
		Driver         string `yaml:"driver"` // "serial" or "memory"
		Port           string `yaml:"port"`
		Baud           int    `yaml:"baud"`
		Universe       int    `yaml:"universe"`
	} `yaml:"dmx"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("store.driver must be bolt or sqlite, got %q", c.Store.Driver)
	}
	if c.DMX.Enabled {
		switch c.DMX.Driver {
		case "serial":
			if c.DMX.Port == "" {
				return fmt.Errorf("dmx.port is required for the serial driver")
			}
		case "memory":
		default:
			return fmt.Errorf("dmx.driver must be serial or memory, got %q", c.DMX.Driver)
		}
		if c.DMX.Universe < 0 {
			return fmt.Errorf("dmx.universe must not be negative, got %d", c.DMX.Universe)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}

// loadConfig reads path and fills in defaults. A missing file yields the
// defaults alone.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bolt"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "home-registry.db"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.DMX.ControllerName == "" {
		cfg.DMX.ControllerName = "dmx"
	}
	if cfg.DMX.Driver == "" {
		cfg.DMX.Driver = "serial"
	}
	if cfg.DMX.Baud == 0 {
		cfg.DMX.Baud = 57600
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "home-registry"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "home"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
