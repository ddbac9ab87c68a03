package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"buspro-home/internal/gateway"
	"buspro-home/internal/sniffer"
	"buspro-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

type testEnv struct {
	server *Server
	gw     *gateway.Gateway
	st     *store.BoltStore
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	gw := gateway.New(gateway.Config{
		Host:     "127.0.0.1",
		Port:     freePort(t),
		BindPort: freePort(t),
		LocalIP:  "127.0.0.1",
	}, logger)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Stop)

	srv := NewServer(gw, st, logger, opts...)
	t.Cleanup(srv.Stop)
	return &testEnv{server: srv, gw: gw, st: st}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	env := newTestEnv(t, WithVersion("1.2.3"))

	w := env.request(t, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["started"] != true {
		t.Errorf("started = %v", resp["started"])
	}
	if resp["transport_ready"] != true {
		t.Errorf("transport_ready = %v", resp["transport_ready"])
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %v", resp["version"])
	}
}

func TestAPIDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	dev := &store.Device{Address: "1.10.1", Type: store.DeviceLight, Name: "Hall"}
	if err := env.st.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	// List includes the device.
	w := env.request(t, http.MethodGet, "/api/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []deviceView
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Address != "1.10.1" {
		t.Fatalf("list = %+v", list)
	}

	// Rename.
	w = env.request(t, http.MethodPatch, "/api/devices/1.10.1", map[string]string{"name": "Hallway"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d: %s", w.Code, w.Body.String())
	}
	got, err := env.st.GetDevice("1.10.1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Hallway" {
		t.Errorf("name = %q", got.Name)
	}

	// Get.
	w = env.request(t, http.MethodGet, "/api/devices/1.10.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	// Delete then 404.
	w = env.request(t, http.MethodDelete, "/api/devices/1.10.1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = env.request(t, http.MethodGet, "/api/devices/1.10.1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", w.Code)
	}
}

func TestAPIRenameUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodPatch, "/api/devices/9.9.9", map[string]string{"name": "x"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAPICommandLight(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/devices/1.10.1/command",
		map[string]any{"command": "on", "brightness": 128})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	states := env.gw.LightStates()
	if len(states) != 1 {
		t.Fatalf("light states = %+v", states)
	}
	for _, st := range states {
		if !st.On {
			t.Errorf("state = %+v", st)
		}
	}
}

func TestAPICommandValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/devices/not-an-addr/command",
		map[string]any{"command": "on"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad address status = %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/api/devices/1.10.1/command",
		map[string]any{"command": "explode"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown command status = %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/api/devices/1.30.1/command",
		map[string]any{"command": "position"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing position status = %d", w.Code)
	}
}

func TestAPIReadStatusByType(t *testing.T) {
	env := newTestEnv(t)

	if err := env.st.SaveDevice(&store.Device{Address: "1.30.1", Type: store.DeviceCover}); err != nil {
		t.Fatal(err)
	}
	if err := env.st.SaveDevice(&store.Device{Address: "1.40.1", Type: store.DeviceSensor}); err != nil {
		t.Fatal(err)
	}

	w := env.request(t, http.MethodPost, "/api/devices/1.30.1/read", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cover read status = %d: %s", w.Code, w.Body.String())
	}

	// Sensors have no on-demand status read.
	w = env.request(t, http.MethodPost, "/api/devices/1.40.1/read", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("sensor read status = %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/api/devices/9.9.9/read", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown device read status = %d", w.Code)
	}
}

func TestAPISnifferEndpoints(t *testing.T) {
	logger := testLogger()
	sn := sniffer.New(logger, t.TempDir(), 0)
	env := newTestEnv(t, WithSniffer(sn))

	w := env.request(t, http.MethodGet, "/api/sniffer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st sniffer.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Enabled {
		t.Error("sniffer enabled before start")
	}

	w = env.request(t, http.MethodPost, "/api/sniffer/start",
		map[string]any{"op_contains": []string{"curtain"}})
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Enabled {
		t.Error("sniffer not enabled after start")
	}
	if len(st.Filter.OpContains) != 1 || st.Filter.OpContains[0] != "curtain" {
		t.Errorf("filters = %+v", st.Filter)
	}

	w = env.request(t, http.MethodGet, "/api/sniffer/recent?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recent status = %d", w.Code)
	}

	w = env.request(t, http.MethodPost, "/api/sniffer/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop status = %d", w.Code)
	}

	w = env.request(t, http.MethodGet, "/api/sniffer/dump", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dump status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}
}

func TestAPISnifferDisabled(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, http.MethodGet, "/api/sniffer", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	env := newTestEnv(t, WithAPIKey("secret"))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with key status = %d", w.Code)
	}
}

func TestCORSMutatingRequestBlocked(t *testing.T) {
	env := newTestEnv(t, WithAllowedOrigins([]string{"http://allowed.local"}))

	body := strings.NewReader(`{"command":"off"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/1.10.1/command", body)
	req.Header.Set("Origin", "http://evil.local")
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("cross-origin POST status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/devices/1.10.1/command", nil)
	req.Header.Set("Origin", "http://allowed.local")
	w = httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", w.Code)
	}
}
