//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"home-registry/internal/events"
	"home-registry/internal/registry"
	"home-registry/internal/state"

	lua "github.com/yuin/gopher-lua"
)

const (
	runTimeout       = 5 * time.Second
	commandBuffer    = 64
	maxHandlersPerVM = 100
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// DeviceReader looks up decorated devices for home.device().
type DeviceReader interface {
	GetDevice(identifier string) (*registry.DeviceView, error)
}

// StateUpdater applies partial state updates for home.set_state().
type StateUpdater interface {
	UpdateState(ctx context.Context, identifier string, u state.Update) (*state.DeviceState, error)
}

// luaEventHandler is a Lua callback registered with home.on.
type luaEventHandler struct {
	pattern string
	fn      *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	logf     func(msg string)
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine runs one Lua VM per enabled script and feeds it bus events.
type Engine struct {
	bus     *events.Bus
	devices DeviceReader
	states  StateUpdater
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(bus *events.Bus, devices DeviceReader, states StateUpdater, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		bus:     bus,
		devices: devices,
		states:  states,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the bus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.bus.SubscribeAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	e.logger.Info("automation engine stopped")
}

// Running returns the number of running script VMs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// IsRunning reports whether the script with the given ID has a live VM.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the old VM (if any) and starts a new one when the
// script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary sandboxed VM. Handlers the code
// registers with home.on are invoked once with a synthetic event whose
// topic is the handler's pattern. Log output is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := e.newVM(ctx, cancel, func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
		e.logger.Info("script run log", "msg", msg)
	})
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	fail := func(err error) *RunResult {
		errStr := err.Error()
		if strings.Contains(errStr, context.DeadlineExceeded.Error()) {
			errStr = "timeout (" + runTimeout.String() + ")"
		}
		e.logger.Warn("script run failed", "err", errStr)
		return &RunResult{OK: false, Error: errStr, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	for _, h := range vm.snapshot() {
		kind, identifier, _ := events.SplitTopic(h.pattern)
		ev := L.NewTable()
		ev.RawSetString("topic", lua.LString(h.pattern))
		ev.RawSetString("kind", lua.LString(kind))
		ev.RawSetString("identifier", lua.LString(identifier))
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return fail(err)
		}
	}

	dur := time.Since(start)
	e.logger.Debug("script run complete", "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.With("script", s.ID)
	vm := e.newVM(ctx, cancel, func(msg string) {
		logger.Info("script log", "msg", msg)
	})
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// newVM creates a sandboxed Lua state with the home module installed.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, logf func(string)) *scriptVM {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandBuffer),
		logf:     logf,
		ctx:      ctx,
		cancel:   cancel,
	}
	registerHomeModule(L, vm, e)
	return vm
}

func (vm *scriptVM) snapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	handlers := make([]luaEventHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	return handlers
}

// dispatchEvent queues matching handlers on each VM. It runs on the
// publisher's goroutine, so it never blocks on a VM.
func (e *Engine) dispatchEvent(event events.Event) {
	e.mu.Lock()
	vms := make(map[string]*scriptVM, len(e.vms))
	for k, v := range e.vms {
		vms[k] = v
	}
	e.mu.Unlock()

	var data map[string]any
	for id, vm := range vms {
		for _, h := range vm.snapshot() {
			if !events.Match(h.pattern, event.Topic) {
				continue
			}
			if data == nil {
				data = eventData(event)
			}
			if vm.ctx.Err() != nil {
				break
			}

			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, data)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", id, "topic", event.Topic)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, goToLua(L, data)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventData flattens an event into the table passed to Lua handlers:
// id, topic, kind, identifier, time (unix seconds) and payload.
func eventData(event events.Event) map[string]any {
	kind, identifier, _ := events.SplitTopic(event.Topic)
	return map[string]any{
		"id":         event.ID,
		"topic":      event.Topic,
		"kind":       kind,
		"identifier": identifier,
		"time":       float64(event.Time.UnixMilli()) / 1000,
		"payload":    toGeneric(event.Payload),
	}
}

// toGeneric converts v to maps, slices and scalars via its JSON form.
func toGeneric(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to a Go value. Tables with only positive
// integer keys 1..n become slices; other tables become string-keyed maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 && n == countKeys(val) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return v.String()
	}
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(_, _ lua.LValue) { n++ })
	return n
}
