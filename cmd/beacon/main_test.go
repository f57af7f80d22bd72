package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wondertwin-ai/beacon/internal/config"
	"github.com/wondertwin-ai/beacon/internal/testutil"
	"github.com/wondertwin-ai/beacon/internal/twin"
	"github.com/wondertwin-ai/beacon/internal/twincore"
)

func setup(t *testing.T) (*httptest.Server, *testutil.AdminClient) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	tw := twin.New(&twincore.Config{Name: "twin-analytics-test"}, twin.NewStore(nil),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(tw)
	t.Cleanup(srv.Close)
	t.Setenv(config.EnvBaseURL, srv.URL)
	return srv, testutil.NewAdminClient(testutil.NewTwinClient(t, srv))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("beacon %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// id
// ---------------------------------------------------------------------------

func TestIDPersistsAcrossInvocations(t *testing.T) {
	setup(t)

	first := strings.TrimSpace(mustRun(t, "id"))
	if first == "" || strings.Contains(first, "not persisted") {
		t.Fatalf("unexpected id output %q", first)
	}
	if second := strings.TrimSpace(mustRun(t, "id")); second != first {
		t.Errorf("expected stable id, got %q then %q", first, second)
	}

	cleared := strings.TrimSpace(mustRun(t, "id", "clear"))
	if cleared == first {
		t.Error("expected a new id after clear")
	}
	if after := strings.TrimSpace(mustRun(t, "id")); after != cleared {
		t.Errorf("expected %q after clear, got %q", cleared, after)
	}
}

// ---------------------------------------------------------------------------
// flags
// ---------------------------------------------------------------------------

func TestFlagsListsAndChecks(t *testing.T) {
	_, admin := setup(t)
	admin.SetFlags(map[string]bool{"new_checkout": true, "dark_mode": false})

	out := mustRun(t, "flags")
	if !strings.Contains(out, "new_checkout") || !strings.Contains(out, "dark_mode") {
		t.Errorf("expected every flag listed, got:\n%s", out)
	}

	out = mustRun(t, "flags", "--json", "new_checkout", "missing")
	if !strings.Contains(out, `"new_checkout": true`) || !strings.Contains(out, `"missing": false`) {
		t.Errorf("unexpected json output:\n%s", out)
	}

	out = mustRun(t, "flags", "--live", "new_checkout")
	if !strings.Contains(out, "true") {
		t.Errorf("expected live check to report true, got:\n%s", out)
	}
	if _, err := run(t, "flags", "--live"); err == nil {
		t.Error("expected --live without names to fail")
	}
}

func TestFlagsServerDown(t *testing.T) {
	srv, _ := setup(t)
	srv.Close()

	if _, err := run(t, "flags"); err == nil {
		t.Error("expected listing to fail when the server is down")
	}
	out := mustRun(t, "flags", "--json", "new_checkout")
	if !strings.Contains(out, `"new_checkout": false`) {
		t.Errorf("expected fail-closed result, got:\n%s", out)
	}
}

// ---------------------------------------------------------------------------
// track, pending, retry
// ---------------------------------------------------------------------------

func TestTrackSendsEvent(t *testing.T) {
	_, admin := setup(t)

	out := mustRun(t, "track", "click", "checkout", "step=2", "beta=true", "label=blue", "--page", "/cart")
	if strings.TrimSpace(out) != "sent" {
		t.Fatalf("unexpected output %q", out)
	}

	events := admin.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != "click" || e.Feature != "checkout" || e.Page != "/cart" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Metadata["step"] != float64(2) || e.Metadata["beta"] != true || e.Metadata["label"] != "blue" {
		t.Errorf("unexpected metadata %v", e.Metadata)
	}
}

func TestTrackFailureQueuesThenRetryDelivers(t *testing.T) {
	srv, admin := setup(t)
	down := httptest.NewServer(nil)
	down.Close()
	t.Setenv(config.EnvBaseURL, down.URL)

	out := mustRun(t, "track", "view", "home")
	if !strings.Contains(out, "queued for retry") {
		t.Fatalf("expected queued output, got %q", out)
	}
	out = mustRun(t, "pending")
	if !strings.Contains(out, "view") || !strings.Contains(out, "home") {
		t.Errorf("expected pending event listed, got:\n%s", out)
	}
	if _, err := run(t, "retry"); err == nil {
		t.Error("expected retry against a dead server to fail")
	}

	t.Setenv(config.EnvBaseURL, srv.URL)
	out = mustRun(t, "retry")
	if !strings.Contains(out, "delivered 1 events") {
		t.Errorf("unexpected retry output %q", out)
	}
	if len(admin.Events()) != 1 {
		t.Errorf("expected the queued event on the server, got %d", len(admin.Events()))
	}
	if out := mustRun(t, "pending"); !strings.Contains(out, "empty") {
		t.Errorf("expected empty queue, got:\n%s", out)
	}
}

func TestTrackFailureWithFullQueueReportsQueued(t *testing.T) {
	setup(t)
	down := httptest.NewServer(nil)
	down.Close()
	t.Setenv(config.EnvBaseURL, down.URL)
	mustRun(t, "config", "set", "retry_queue_max", "1")

	for i := 0; i < 2; i++ {
		out := mustRun(t, "track", "view", "home")
		if !strings.Contains(out, "queued for retry") {
			t.Fatalf("track %d: expected queued output, got %q", i+1, out)
		}
	}
}

func TestTrackRejectsBadMetadata(t *testing.T) {
	setup(t)
	if _, err := run(t, "track", "click", "checkout", "novalue"); err == nil {
		t.Error("expected error for metadata without '='")
	}
	if _, err := run(t, "track", "click"); err == nil {
		t.Error("expected error for missing feature")
	}
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func TestConfigSetAndShow(t *testing.T) {
	setup(t)
	t.Setenv(config.EnvAPIKey, "from-env")

	mustRun(t, "config", "set", "flag_ttl", "30s")
	if _, err := run(t, "config", "set", "flag_ttl", "later"); err == nil {
		t.Error("expected invalid duration to fail")
	}
	if _, err := run(t, "config", "set", "storage.driver", "postgres"); err == nil {
		t.Error("expected unknown driver to fail validation")
	}

	out := mustRun(t, "config", "show")
	if !strings.Contains(out, "flag_ttl: 30s") {
		t.Errorf("expected saved ttl, got:\n%s", out)
	}
	if strings.Contains(out, "from-env") {
		t.Error("api key should be masked")
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "" {
		t.Errorf("env override leaked into the saved file: %q", cfg.APIKey)
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"42", int64(42)},
		{"1.5", 1.5},
		{"blue", "blue"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parseValue(tt.in); got != tt.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tt.in, got, got, tt.want, tt.want)
		}
	}
}
