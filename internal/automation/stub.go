//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"
)

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type DeviceReader interface {
	GetDevice(identifier string) (*registry.DeviceView, error)
}

type StateUpdater interface {
	UpdateState(ctx context.Context, identifier string, u state.Update) (*state.DeviceState, error)
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(id string) (*Script, error)  { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(_ string) error           { return nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ *events.Bus, _ DeviceReader, _ StateUpdater, _ *Manager, _ *slog.Logger) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running() int                { return 0 }
func (e *Engine) IsRunning(_ string) bool     { return false }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}

// Watcher is a no-op stub when automation is disabled.
type Watcher struct{}

func NewWatcher(_ *Manager, _ *Engine, _ *slog.Logger) (*Watcher, error) { return &Watcher{}, nil }
func (w *Watcher) Start(_ context.Context) error                         { return nil }
func (w *Watcher) Stop() error                                           { return nil }
