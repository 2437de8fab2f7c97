//go:build !no_automation

package automation

import (
	"context"
	"encoding/json"
	"time"

	"home-registry/internal/events"
	"home-registry/internal/state"

	lua "github.com/yuin/gopher-lua"
)

const setStateTimeout = 5 * time.Second

// registerHomeModule installs the `home` global table in a Lua state.
func registerHomeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return homeOn(L, vm) },
		"set_state": func(L *lua.LState) int { return homeSetState(L, vm, e) },
		"device":    func(L *lua.LState) int { return homeDevice(L, e) },
		"after":     func(L *lua.LState) int { return homeAfter(L, vm, e) },
		"log":       func(L *lua.LState) int { return homeLog(L, vm) },
	})
	kinds := L.NewTable()
	for _, k := range topicKinds {
		kinds.Append(lua.LString(k))
	}
	mod.RawSetString("kinds", kinds)
	L.SetGlobal("home", mod)
}

// home.on(pattern, callback)
//
// pattern is a bus topic ("device-state-changed.lamp1"), a kind prefix
// ("device-registered.*") or "*".
func homeOn(L *lua.LState, vm *scriptVM) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerVM {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerVM)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{pattern: pattern, fn: fn})
	vm.mu.Unlock()
	return 0
}

// home.set_state(identifier, {rgb=, brightness=, strobe=, power=})
// returns the new state table, or nil and an error message.
func homeSetState(L *lua.LState, vm *scriptVM, e *Engine) int {
	identifier := L.CheckString(1)
	tbl := L.CheckTable(2)

	u, err := tableToUpdate(tbl)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	ctx, cancel := context.WithTimeout(vm.ctx, setStateTimeout)
	defer cancel()

	ds, err := e.states.UpdateState(ctx, identifier, u)
	if err != nil {
		e.logger.Warn("set_state failed", "id", identifier, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, toGeneric(ds.State)))
	return 1
}

// tableToUpdate converts a Lua table into a state update using the same
// decoding rules as the HTTP API.
func tableToUpdate(tbl *lua.LTable) (state.Update, error) {
	body, err := json.Marshal(luaToGo(tbl))
	if err != nil {
		return state.Update{}, err
	}
	return state.ParseUpdate(body)
}

// home.device(identifier) returns the decorated device table or nil.
func homeDevice(L *lua.LState, e *Engine) int {
	identifier := L.CheckString(1)
	view, err := e.devices.GetDevice(identifier)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, toGeneric(view)))
	return 1
}

// home.after(seconds, callback)
func homeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// home.log(msg)
func homeLog(L *lua.LState, vm *scriptVM) int {
	vm.logf(L.CheckString(1))
	return 0
}

// topicKinds is exposed to scripts as home.kinds.
var topicKinds = []string{
	events.KindDeviceStateChanged,
	events.KindDeviceRegistered,
	events.KindDeviceDeleted,
	events.KindRoomRegistered,
	events.KindRoomDeleted,
}
