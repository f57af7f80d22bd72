package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wondertwin-ai/beacon/internal/testutil"
	"github.com/wondertwin-ai/beacon/internal/twincore"
)

// ---------------------------------------------------------------------------
// Mock state store
// ---------------------------------------------------------------------------

type mockState struct {
	data        map[string]string
	resetCalled bool
}

func newMockState() *mockState {
	return &mockState{data: map[string]string{"key": "value"}}
}

func (m *mockState) Snapshot() any {
	return m.data
}

func (m *mockState) LoadState(data []byte) error {
	var d map[string]string
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	m.data = d
	return nil
}

func (m *mockState) Reset() {
	m.resetCalled = true
	m.data = map[string]string{"key": "value"}
}

// ---------------------------------------------------------------------------
// Helper to create a test server
// ---------------------------------------------------------------------------

func setupTestServer(t *testing.T, state StateStore, withConfig bool) (*twincore.Twin, *testutil.AdminClient) {
	t.Helper()
	tw := twincore.NewWithLogger(&twincore.Config{Name: "test-admin"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := NewHandler(state, tw.Middleware())
	if withConfig {
		h.SetConfigProvider(tw)
	}
	h.Routes(tw.Router)

	srv := httptest.NewServer(tw)
	t.Cleanup(srv.Close)
	return tw, testutil.NewAdminClient(testutil.NewTwinClient(t, srv))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHandleHealth(t *testing.T) {
	_, ac := setupTestServer(t, newMockState(), false)

	m := ac.Health().AssertStatus(http.StatusOK).JSONMap()
	if m["status"] != "ok" {
		t.Errorf("expected status=ok, got %+v", m)
	}
}

func TestHandleReset(t *testing.T) {
	state := newMockState()
	tw, ac := setupTestServer(t, state, false)
	tw.Middleware().Faults.Set("/api/flags/evaluate", twincore.FaultConfig{StatusCode: 500})

	ac.Reset().AssertStatus(http.StatusOK)

	if !state.resetCalled {
		t.Error("expected state Reset to be called")
	}
	if len(tw.Middleware().Faults.All()) != 0 {
		t.Error("expected faults cleared")
	}
	if n := len(tw.Middleware().ReqLog.Entries()); n != 0 {
		t.Errorf("expected request log cleared, got %d entries", n)
	}
}

func TestHandleGetAndLoadState(t *testing.T) {
	state := newMockState()
	_, ac := setupTestServer(t, state, false)

	m := ac.Get("/admin/state").AssertStatus(http.StatusOK).JSONMap()
	if m["key"] != "value" {
		t.Errorf("expected key=value, got %v", m)
	}

	ac.LoadState(map[string]string{"new": "data"}).AssertStatus(http.StatusOK)
	if state.data["new"] != "data" {
		t.Errorf("expected state loaded, got %v", state.data)
	}
}

func TestHandleLoadStateInvalid(t *testing.T) {
	_, ac := setupTestServer(t, newMockState(), false)
	ac.PostRaw("/admin/state", "application/json", []byte("not json")).
		AssertStatus(http.StatusBadRequest).
		AssertBodyContains("failed to load state")
}

func TestHandleInjectAndRemoveNestedFault(t *testing.T) {
	tw, ac := setupTestServer(t, newMockState(), false)

	ac.InjectFault("/api/flags/check/", map[string]any{"status_code": 503, "rate": 0.5}).
		AssertStatus(http.StatusOK)

	faults := tw.Middleware().Faults.All()
	f, ok := faults["/api/flags/check/"]
	if !ok {
		t.Fatalf("expected fault under full nested path, got %v", faults)
	}
	if f.StatusCode != 503 || f.Rate != 0.5 {
		t.Errorf("unexpected fault %+v", f)
	}

	listed := ac.Get("/admin/faults").AssertStatus(http.StatusOK).JSONMap()
	if _, ok := listed["/api/flags/check/"]; !ok {
		t.Errorf("expected fault listed, got %v", listed)
	}

	ac.RemoveFault("/api/flags/check/").AssertStatus(http.StatusOK)
	ac.RemoveFault("/api/flags/check/").AssertStatus(http.StatusNotFound)
}

func TestHandleInjectFaultInvalidBody(t *testing.T) {
	_, ac := setupTestServer(t, newMockState(), false)
	ac.PostRaw("/admin/fault/api/analytics/event", "application/json", []byte("{")).
		AssertStatus(http.StatusBadRequest)
}

func TestHandleGetRequests(t *testing.T) {
	_, ac := setupTestServer(t, newMockState(), false)
	ac.Health()
	ac.Health()

	var entries []twincore.RequestLogEntry
	ac.Get("/admin/requests").AssertStatus(http.StatusOK).JSON(&entries)
	if len(entries) < 2 {
		t.Errorf("expected logged requests, got %d", len(entries))
	}
	if n := ac.RequestCount("/admin/health"); n != 2 {
		t.Errorf("expected 2 health requests, got %d", n)
	}
}

func TestHandleConfigUnavailable(t *testing.T) {
	_, ac := setupTestServer(t, newMockState(), false)
	ac.Get("/admin/config").AssertStatus(http.StatusNotFound)
}

func TestHandleUpdateConfig(t *testing.T) {
	tw, ac := setupTestServer(t, newMockState(), true)

	m := ac.Post("/admin/config", map[string]any{"latency": "5ms"}).AssertStatus(http.StatusOK).JSONMap()
	if m["latency"] != "5ms" {
		t.Errorf("expected latency 5ms, got %v", m["latency"])
	}
	if tw.GetConfig()["latency"] != "5ms" {
		t.Error("expected twin config updated")
	}

	ac.Post("/admin/config", map[string]any{"name": "x"}).
		AssertStatus(http.StatusBadRequest).
		AssertBodyContains("cannot be changed at runtime")
}
