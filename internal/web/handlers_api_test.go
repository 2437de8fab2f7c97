package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"home-registry/internal/automation"
	"home-registry/internal/dmx"
	"home-registry/internal/events"
	"home-registry/internal/metrics"
	"home-registry/internal/registry"
	"home-registry/internal/state"
	"home-registry/internal/store"
)

type testEnv struct {
	srv    *Server
	reg    *registry.Service
	bus    *events.Bus
	sender *dmx.MemorySender
	rec    *metrics.Recorder
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		bus:    events.NewBus(logger),
		sender: dmx.NewMemorySender(),
		rec:    metrics.NewRecorder(nil),
	}
	env.reg = registry.NewService(db, env.bus, logger)

	tracker := state.NewTracker(env.bus, logger)
	tracker.SetObserver(env.rec)
	ctrl := dmx.NewController("dmx", 1, env.reg, tracker, env.sender, logger)
	env.reg.AddValidator(ctrl.ValidateDevice)
	t.Cleanup(ctrl.Watch(env.bus))

	router := state.NewRouter(env.reg)
	router.Register(ctrl)

	opts = append([]ServerOption{WithMetrics(env.rec), WithVersion("test")}, opts...)
	env.srv = NewServer(env.reg, router, env.bus, logger, opts...)
	t.Cleanup(env.srv.Stop)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	return w
}

type response struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, want, w.Body.String())
	}
}

const (
	bedroomJSON = `{"identifier": "bedroom", "name": "Bedroom"}`
	lampJSON    = `{"identifier": "lamp1", "name": "Lamp", "type": "light", "controller_name": "dmx", "room_identifier": "bedroom",
		"attributes": {"fixture_type": "mega_par_profile", "offset": 0}}`
)

func TestEndToEndScenario(t *testing.T) {
	env := setupTestServer(t)

	expectStatus(t, env.do(t, "POST", "/room", bedroomJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/device", lampJSON), http.StatusCreated)

	w := env.do(t, "GET", "/device/lamp1", "")
	expectStatus(t, w, http.StatusOK)
	resp := decode(t, w)
	if resp.Message != "Device found" {
		t.Errorf("message = %q", resp.Message)
	}
	var dev map[string]any
	if err := json.Unmarshal(resp.Data, &dev); err != nil {
		t.Fatal(err)
	}
	if _, ok := dev["room_identifier"]; ok {
		t.Error("decorated device contains room_identifier")
	}
	room, _ := dev["room"].(map[string]any)
	if room["identifier"] != "bedroom" || room["name"] != "Bedroom" {
		t.Errorf("room = %v", dev["room"])
	}

	w = env.do(t, "DELETE", "/room/bedroom", "")
	expectStatus(t, w, http.StatusBadRequest)
	if msg := decode(t, w).Message; msg != "Cannot delete a room that has devices" {
		t.Errorf("message = %q", msg)
	}

	w = env.do(t, "DELETE", "/device/lamp1", "")
	expectStatus(t, w, http.StatusNoContent)
	if w.Body.Len() != 0 {
		t.Errorf("204 body = %q, want empty", w.Body.String())
	}
	expectStatus(t, env.do(t, "DELETE", "/room/bedroom", ""), http.StatusNoContent)
}

func TestRegisterRoomReturnsDecoratedRoom(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "POST", "/rooms", bedroomJSON)
	expectStatus(t, w, http.StatusCreated)
	resp := decode(t, w)
	if resp.Message != "Room registered" {
		t.Errorf("message = %q", resp.Message)
	}
	if string(resp.Data) != `{"identifier":"bedroom","name":"Bedroom","devices":[]}` {
		t.Errorf("data = %s", resp.Data)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(t, "POST", "/rooms", bedroomJSON), http.StatusCreated)

	tests := []struct {
		name string
		path string
		body string
		msg  string
	}{
		{"room missing name", "/rooms", `{"identifier": "x"}`, "name: is required"},
		{"device missing type", "/devices", `{"identifier": "d", "name": "D", "controller_name": "c", "room_identifier": "bedroom"}`, "type: is required"},
		{"device unknown room", "/devices", `{"identifier": "d", "name": "D", "type": "t", "controller_name": "c", "room_identifier": "attic"}`, "Room does not exist"},
		{"malformed body", "/devices", `{"identifier": `, "Invalid request body"},
		{"overlapping fixture", "/devices", strings.Replace(lampJSON, "lamp1", "lamp2", 1), ""},
	}
	expectStatus(t, env.do(t, "POST", "/devices", lampJSON), http.StatusCreated)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.body)
			expectStatus(t, w, http.StatusBadRequest)
			if msg := decode(t, w).Message; tt.msg != "" && msg != tt.msg {
				t.Errorf("message = %q, want %q", msg, tt.msg)
			}
		})
	}

	devices, err := env.reg.ListDevices(registry.DeviceFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Errorf("device count = %d, want 1", len(devices))
	}
}

func TestGetNotFound(t *testing.T) {
	env := setupTestServer(t)

	for path, msg := range map[string]string{
		"/device/nope":       "Device not found",
		"/room/nope":         "Room not found",
		"/device/nope/state": "Device not found",
	} {
		w := env.do(t, "GET", path, "")
		expectStatus(t, w, http.StatusNotFound)
		if got := decode(t, w).Message; got != msg {
			t.Errorf("%s: message = %q, want %q", path, got, msg)
		}
	}
	expectStatus(t, env.do(t, "DELETE", "/device/nope", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, "DELETE", "/room/nope", ""), http.StatusNotFound)
}

func TestListDevicesFilter(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(t, "POST", "/rooms", bedroomJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/devices", lampJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/devices",
		`{"identifier": "speaker", "name": "Speaker", "type": "audio", "controller_name": "sonos", "room_identifier": "bedroom"}`),
		http.StatusCreated)

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?controller_name=dmx", 1},
		{"?controller_name=hue", 0},
		{"?room_identifier=bedroom", 2},
	}
	for _, tt := range tests {
		w := env.do(t, "GET", "/devices"+tt.query, "")
		expectStatus(t, w, http.StatusOK)
		var devices []registry.DeviceView
		if err := json.Unmarshal(decode(t, w).Data, &devices); err != nil {
			t.Fatal(err)
		}
		if devices == nil || len(devices) != tt.want {
			t.Errorf("GET /devices%s: %d devices, want %d", tt.query, len(devices), tt.want)
		}
	}
}

func TestListRooms(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/rooms", "")
	expectStatus(t, w, http.StatusOK)
	if string(decode(t, w).Data) != "[]" {
		t.Error("empty room list is not []")
	}

	expectStatus(t, env.do(t, "POST", "/rooms", bedroomJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/devices", lampJSON), http.StatusCreated)

	w = env.do(t, "GET", "/rooms", "")
	expectStatus(t, w, http.StatusOK)
	var rooms []registry.RoomView
	if err := json.Unmarshal(decode(t, w).Data, &rooms); err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || len(rooms[0].Devices) != 1 || rooms[0].Devices[0].Identifier != "lamp1" {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestDeviceState(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(t, "POST", "/rooms", bedroomJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/devices", lampJSON), http.StatusCreated)

	var notified []events.Event
	env.bus.Subscribe("device-state-changed.*", func(e events.Event) { notified = append(notified, e) })

	w := env.do(t, "GET", "/device/lamp1/state", "")
	expectStatus(t, w, http.StatusOK)
	var ds state.DeviceState
	if err := json.Unmarshal(decode(t, w).Data, &ds); err != nil {
		t.Fatal(err)
	}
	if ds.State != state.DefaultLightState() {
		t.Errorf("initial state = %+v", ds.State)
	}
	if ds.Room == nil || ds.Room.Identifier != "bedroom" {
		t.Errorf("state response room = %+v", ds.Room)
	}
	if _, ok := ds.Properties["strobe"]; !ok {
		t.Error("properties missing strobe")
	}

	w = env.do(t, "PATCH", "/device/lamp1/state", `{"rgb": "#f00", "brightness": 128}`)
	expectStatus(t, w, http.StatusOK)
	if err := json.Unmarshal(decode(t, w).Data, &ds); err != nil {
		t.Fatal(err)
	}
	want := state.LightState{RGB: "#FF0000", Brightness: 128, Power: true}
	if ds.State != want {
		t.Errorf("state = %+v, want %+v", ds.State, want)
	}
	frame, ok := env.sender.Frame(1)
	if !ok || frame[0] != 0xFF || frame[6] != 128 {
		t.Errorf("frame = %v", frame[:7])
	}

	// Same resolved state: no second notification.
	expectStatus(t, env.do(t, "PATCH", "/device/lamp1/state", `{"rgb": "#FF0000"}`), http.StatusOK)
	if len(notified) != 1 {
		t.Errorf("notifications = %d, want 1", len(notified))
	}

	// Invalid color with valid brightness rejects the whole update.
	w = env.do(t, "PATCH", "/device/lamp1/state", `{"rgb": "red", "brightness": 10}`)
	expectStatus(t, w, http.StatusBadRequest)
	if msg := decode(t, w).Message; !strings.HasPrefix(msg, "rgb:") {
		t.Errorf("message = %q", msg)
	}
	w = env.do(t, "PATCH", "/device/lamp1/state", `{"brightness": "high"}`)
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, "GET", "/device/lamp1/state", "")
	if err := json.Unmarshal(decode(t, w).Data, &ds); err != nil {
		t.Fatal(err)
	}
	if ds.State != want {
		t.Errorf("state after rejected updates = %+v, want %+v", ds.State, want)
	}
}

func TestDeviceStateControllerFailure(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(t, "POST", "/rooms", bedroomJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/devices", lampJSON), http.StatusCreated)

	env.sender.FailWith(errors.New("port unplugged"))
	w := env.do(t, "PATCH", "/device/lamp1/state", `{"brightness": 10}`)
	expectStatus(t, w, http.StatusBadGateway)
	if msg := decode(t, w).Message; msg != "Controller error" {
		t.Errorf("message = %q", msg)
	}
}

func TestDeviceStateWithoutController(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, env.do(t, "POST", "/rooms", bedroomJSON), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/devices",
		`{"identifier": "speaker", "name": "Speaker", "type": "audio", "controller_name": "sonos", "room_identifier": "bedroom"}`),
		http.StatusCreated)

	expectStatus(t, env.do(t, "PATCH", "/device/speaker/state", `{"brightness": 1}`), http.StatusNotFound)
}

func TestCORS(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))

	req := httptest.NewRequest("OPTIONS", "/rooms", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusNoContent)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest("POST", "/rooms", bytes.NewBufferString(bedroomJSON))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusForbidden)
}

func TestVersionAndMetrics(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/version", "")
	expectStatus(t, w, http.StatusOK)
	if string(decode(t, w).Data) != `{"version":"test"}` {
		t.Error("unexpected version payload")
	}

	expectStatus(t, env.do(t, "GET", "/device/nope", ""), http.StatusNotFound)

	w = env.do(t, "GET", "/metrics", "")
	expectStatus(t, w, http.StatusOK)
	body := w.Body.String()
	for _, want := range []string{
		`home_registry_http_requests_total{code="200",route="GET /version"} 1`,
		`home_registry_http_requests_total{code="404",route="GET /device/{id}"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestAutomationEndpoints(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	env := setupTestServer(t)
	engine := automation.NewEngine(env.bus, env.reg, nil, mgr, logger)
	env.srv.scriptMgr = mgr
	env.srv.autoEngine = engine
	engine.Start()
	t.Cleanup(engine.Stop)

	expectStatus(t, env.do(t, "POST", "/automations", `{"lua_code": "x"}`), http.StatusBadRequest)

	w := env.do(t, "POST", "/automations", `{"name": "Greeter", "enabled": true, "lua_code": "home.on(\"room-registered.*\", function(ev) end)"}`)
	expectStatus(t, w, http.StatusCreated)
	var script automation.Script
	if err := json.Unmarshal(decode(t, w).Data, &script); err != nil {
		t.Fatal(err)
	}
	if script.ID != "greeter" {
		t.Fatalf("id = %q", script.ID)
	}
	if !engine.IsRunning("greeter") {
		t.Error("created script is not running")
	}

	w = env.do(t, "GET", "/automations", "")
	expectStatus(t, w, http.StatusOK)
	var scripts []automation.Script
	if err := json.Unmarshal(decode(t, w).Data, &scripts); err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 {
		t.Errorf("scripts = %d, want 1", len(scripts))
	}

	expectStatus(t, env.do(t, "POST", "/automations/greeter/toggle", ""), http.StatusOK)
	if engine.IsRunning("greeter") {
		t.Error("toggled-off script still running")
	}

	w = env.do(t, "POST", "/automations/_inline/run", `{"lua_code": "home.log(\"hi\")"}`)
	expectStatus(t, w, http.StatusOK)
	var result automation.RunResult
	if err := json.Unmarshal(decode(t, w).Data, &result); err != nil {
		t.Fatal(err)
	}
	if !result.OK || len(result.Logs) != 1 || result.Logs[0] != "hi" {
		t.Errorf("run result = %+v", result)
	}

	expectStatus(t, env.do(t, "DELETE", "/automations/greeter", ""), http.StatusNoContent)
	expectStatus(t, env.do(t, "GET", "/automations/greeter", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, "DELETE", "/automations/greeter", ""), http.StatusNotFound)
}

func TestAutomationsUnavailable(t *testing.T) {
	env := setupTestServer(t)

	w := env.do(t, "GET", "/automations", "")
	expectStatus(t, w, http.StatusOK)
	if string(decode(t, w).Data) != "[]" {
		t.Error("automation list without manager is not []")
	}
	expectStatus(t, env.do(t, "GET", "/automations/x", ""), http.StatusNotFound)
	expectStatus(t, env.do(t, "POST", "/automations/x/run", ""), http.StatusNotFound)
}
