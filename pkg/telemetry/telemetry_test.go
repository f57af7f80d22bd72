package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wondertwin-ai/beacon/pkg/clock"
	"github.com/wondertwin-ai/beacon/pkg/kv"
	"github.com/wondertwin-ai/beacon/pkg/observe"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fake sender
// ---------------------------------------------------------------------------

type fakeSender struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
	// hook runs inside SendEvents before the result is decided.
	hook func(events []Event)
}

func (s *fakeSender) SendEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(events)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]Event, len(events))
	copy(cp, events)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *fakeSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) delivered() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

type harness struct {
	client *Client
	sender *fakeSender
	store  *kv.Memory
	clock  *clock.Manual
	obs    *observe.Recorder
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sender: &fakeSender{},
		store:  kv.NewMemory(),
		clock:  clock.NewManual(epoch),
		obs:    observe.NewRecorder(),
	}
	n := 0
	cfg := Config{
		Sender:   h.sender,
		Store:    h.store,
		UserID:   "anon_abc",
		Clock:    h.clock,
		Observer: h.obs,
		NewID: func() string {
			n++
			return fmt.Sprintf("evt-%d", n)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.client = New(cfg)
	return h
}

func ids(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func equalIDs(t *testing.T, got []Event, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, g)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, g)
		}
	}
}

// ---------------------------------------------------------------------------
// Debounced batching
// ---------------------------------------------------------------------------

func TestTrackBatchesWithinDebounceWindow(t *testing.T) {
	h := newHarness(t, nil)

	h.client.Track("click", "checkout", map[string]any{"button": "pay"})
	h.clock.Advance(100 * time.Millisecond)
	h.client.Track("view", "checkout", nil)
	h.clock.Advance(100 * time.Millisecond)
	h.client.Track("click", "cart", nil)

	if got := len(h.sender.delivered()); got != 0 {
		t.Fatalf("expected nothing sent yet, got %d batches", got)
	}

	h.clock.Advance(time.Second)

	batches := h.sender.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	equalIDs(t, batches[0], "evt-1", "evt-2", "evt-3")
	for _, e := range batches[0] {
		if e.UserID != "anon_abc" {
			t.Errorf("expected user anon_abc, got %q", e.UserID)
		}
	}
	if batches[0][0].Metadata["button"] != "pay" {
		t.Errorf("expected metadata to survive, got %v", batches[0][0].Metadata)
	}
	if h.obs.Counter(observe.EventsSent) != 3 {
		t.Errorf("expected 3 events counted as sent, got %d", h.obs.Counter(observe.EventsSent))
	}
}

func TestTrackRestartsDebounceTimer(t *testing.T) {
	h := newHarness(t, nil)

	h.client.Track("a", "f", nil)
	h.clock.Advance(900 * time.Millisecond)
	h.client.Track("b", "f", nil)
	h.clock.Advance(900 * time.Millisecond)

	if got := len(h.sender.delivered()); got != 0 {
		t.Fatalf("timer should have been re-armed, got %d batches", got)
	}

	h.clock.Advance(100 * time.Millisecond)
	batches := h.sender.delivered()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got %v", batches)
	}
}

func TestEventFields(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Page = "/pricing" })

	h.clock.Advance(1500 * time.Millisecond)
	h.client.Track("click", "pricing", nil)
	h.client.Flush(context.Background())

	e := h.sender.delivered()[0][0]
	if e.Type != "click" || e.Feature != "pricing" {
		t.Errorf("unexpected type/feature: %+v", e)
	}
	if e.Page != "/pricing" {
		t.Errorf("expected page /pricing, got %q", e.Page)
	}
	if e.Timestamp != "2026-03-01T12:00:01.500Z" {
		t.Errorf("unexpected timestamp %q", e.Timestamp)
	}
}

func TestTrackCopiesMetadata(t *testing.T) {
	h := newHarness(t, nil)

	meta := map[string]any{"step": 1}
	h.client.Track("click", "wizard", meta)
	meta["step"] = 2
	h.client.Flush(context.Background())

	if got := h.sender.delivered()[0][0].Metadata["step"]; got != 1 {
		t.Errorf("expected metadata snapshot at track time, got %v", got)
	}
}

func TestDefaultEventIDsAreUnique(t *testing.T) {
	s := &fakeSender{}
	c := New(Config{Sender: s, Store: kv.NewMemory(), Clock: clock.NewManual(epoch)})
	c.Track("a", "f", nil)
	c.Track("b", "f", nil)
	c.Flush(context.Background())

	batch := s.delivered()[0]
	if batch[0].ID == "" || batch[0].ID == batch[1].ID {
		t.Errorf("expected distinct ids, got %q and %q", batch[0].ID, batch[1].ID)
	}
}

func TestFlushBypassesDebounce(t *testing.T) {
	h := newHarness(t, nil)

	h.client.Track("a", "f", nil)
	h.client.Flush(context.Background())

	if got := len(h.sender.delivered()); got != 1 {
		t.Fatalf("expected immediate send, got %d batches", got)
	}

	// The stopped timer must not fire an empty or duplicate batch.
	h.clock.Advance(5 * time.Second)
	if got := len(h.sender.delivered()); got != 1 {
		t.Errorf("expected still 1 batch, got %d", got)
	}
	if h.client.Queued() != 0 {
		t.Errorf("expected empty memory queue, got %d", h.client.Queued())
	}
}

func TestFlushEmptyQueueSendsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.client.Flush(context.Background())
	if got := len(h.sender.delivered()); got != 0 {
		t.Errorf("expected no batches, got %d", got)
	}
}

func TestSetUserIDAffectsLaterEventsOnly(t *testing.T) {
	h := newHarness(t, nil)

	h.client.Track("a", "f", nil)
	h.client.SetUserID("user_42")
	h.client.Track("b", "f", nil)
	h.client.Flush(context.Background())

	batch := h.sender.delivered()[0]
	if batch[0].UserID != "anon_abc" || batch[1].UserID != "user_42" {
		t.Errorf("unexpected user ids %q, %q", batch[0].UserID, batch[1].UserID)
	}
}

func TestTrackDoesNotBlockOnSlowSend(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.sender.hook = func([]Event) {
		once.Do(func() { close(entered) })
		<-release
	}

	h.client.Track("a", "f", nil)
	advanced := make(chan struct{})
	go func() {
		h.clock.Advance(time.Second)
		close(advanced)
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		h.client.Track("b", "f", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Track blocked while a send was in flight")
	}

	close(release)
	<-advanced
	if h.client.Queued() != 1 {
		t.Errorf("expected second event queued for the next batch, got %d", h.client.Queued())
	}
}

// ---------------------------------------------------------------------------
// Durable retry queue
// ---------------------------------------------------------------------------

func TestFailedBatchIsPersisted(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.fail(errors.New("connection refused"))

	h.client.Track("a", "f", nil)
	h.client.Track("b", "f", nil)
	h.clock.Advance(time.Second)

	pending := h.client.Pending(context.Background())
	equalIDs(t, pending, "evt-1", "evt-2")

	raw, ok, _ := h.store.Get(context.Background(), RetryQueueKey)
	if !ok {
		t.Fatal("expected retry queue in storage")
	}
	var stored []map[string]any
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("retry queue is not a JSON array: %v", err)
	}
	if stored[0]["event_type"] != "a" {
		t.Errorf("unexpected stored event %v", stored[0])
	}

	if h.obs.Counter(observe.EventsPersisted) != 2 {
		t.Errorf("expected 2 persisted, got %d", h.obs.Counter(observe.EventsPersisted))
	}
	if len(h.obs.Failures()) == 0 {
		t.Error("expected failure to be reported")
	}
}

func TestRetryPendingClearsOnSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.fail(errors.New("down"))
	h.client.Track("a", "f", nil)
	h.client.Flush(context.Background())

	h.sender.fail(nil)
	if n := h.client.RetryPending(context.Background()); n != 1 {
		t.Fatalf("expected 1 event retried, got %d", n)
	}

	batches := h.sender.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected 1 delivered batch, got %d", len(batches))
	}
	equalIDs(t, batches[0], "evt-1")
	if _, ok, _ := h.store.Get(context.Background(), RetryQueueKey); ok {
		t.Error("expected retry queue key removed")
	}
}

func TestRetryPendingFailureLeavesQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.fail(errors.New("down"))
	h.client.Track("a", "f", nil)
	h.client.Flush(context.Background())

	if n := h.client.RetryPending(context.Background()); n != 0 {
		t.Errorf("expected nothing delivered, got %d", n)
	}
	equalIDs(t, h.client.Pending(context.Background()), "evt-1")
}

func TestRetryPendingKeepsEventsPersistedMidFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.fail(errors.New("down"))
	h.client.Track("a", "f", nil)
	h.client.Flush(context.Background())
	h.sender.fail(nil)

	// While the retry batch is on the wire, another flush fails and
	// appends to the durable queue.
	var once sync.Once
	h.sender.hook = func(events []Event) {
		if events[0].ID != "evt-1" {
			return
		}
		once.Do(func() {
			h.sender.fail(errors.New("flaky"))
			h.client.Track("b", "f", nil)
			h.client.Flush(context.Background())
			h.sender.fail(nil)
		})
	}

	if n := h.client.RetryPending(context.Background()); n != 1 {
		t.Fatalf("expected 1 event retried, got %d", n)
	}
	equalIDs(t, h.client.Pending(context.Background()), "evt-2")
}

func TestRetryQueueCapEvictsOldest(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RetryQueueMax = 5 })
	h.sender.fail(errors.New("down"))

	for i := 0; i < 3; i++ {
		h.client.Track("a", "f", nil)
	}
	h.client.Flush(context.Background())
	for i := 0; i < 4; i++ {
		h.client.Track("b", "f", nil)
	}
	h.client.Flush(context.Background())

	pending := h.client.Pending(context.Background())
	equalIDs(t, pending, "evt-3", "evt-4", "evt-5", "evt-6", "evt-7")
	if h.obs.Counter(observe.EventsDropped) != 2 {
		t.Errorf("expected 2 dropped, got %d", h.obs.Counter(observe.EventsDropped))
	}
	if h.obs.Counter(observe.EventsPersisted) != 7 {
		t.Errorf("expected 7 persisted, got %d", h.obs.Counter(observe.EventsPersisted))
	}
}

func TestOversizedBatchCountsEachEventOnce(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RetryQueueMax = 5 })
	h.sender.fail(errors.New("down"))

	for i := 0; i < 7; i++ {
		h.client.Track("a", "f", nil)
	}
	h.client.Flush(context.Background())

	equalIDs(t, h.client.Pending(context.Background()), "evt-3", "evt-4", "evt-5", "evt-6", "evt-7")
	persisted := h.obs.Counter(observe.EventsPersisted)
	dropped := h.obs.Counter(observe.EventsDropped)
	if persisted != 5 || dropped != 2 {
		t.Errorf("expected 5 persisted and 2 dropped, got %d and %d", persisted, dropped)
	}
}

func TestRetryRunsAtStartup(t *testing.T) {
	store := kv.NewMemory()
	seed, _ := json.Marshal([]Event{{ID: "old-1", Type: "a"}, {ID: "old-2", Type: "b"}})
	_ = store.Set(context.Background(), RetryQueueKey, string(seed))

	h := newHarness(t, func(c *Config) { c.Store = store })
	h.clock.Advance(0)

	batches := h.sender.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected startup retry batch, got %d", len(batches))
	}
	equalIDs(t, batches[0], "old-1", "old-2")
	if len(h.client.Pending(context.Background())) != 0 {
		t.Error("expected retry queue empty after startup retry")
	}
}

func TestPeriodicRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.fail(errors.New("down"))
	h.client.Track("a", "f", nil)
	h.clock.Advance(time.Second)

	h.sender.fail(nil)
	h.clock.Advance(30 * time.Second)
	if got := len(h.sender.delivered()); got != 0 {
		t.Fatalf("retry ran too early, got %d batches", got)
	}

	h.clock.Advance(30 * time.Second)
	if got := len(h.sender.delivered()); got != 1 {
		t.Fatalf("expected retry after interval, got %d batches", got)
	}
	if len(h.client.Pending(context.Background())) != 0 {
		t.Error("expected retry queue drained")
	}
}

func TestCorruptRetryQueueIsReplaced(t *testing.T) {
	h := newHarness(t, nil)
	_ = h.store.Set(context.Background(), RetryQueueKey, "{not json")

	h.sender.fail(errors.New("down"))
	h.client.Track("a", "f", nil)
	h.client.Flush(context.Background())

	equalIDs(t, h.client.Pending(context.Background()), "evt-1")
	found := false
	for _, f := range h.obs.Failures() {
		if f.Op == "load" {
			found = true
		}
	}
	if !found {
		t.Error("expected corrupt queue to be reported")
	}
}

func TestStorageUnavailableDropsFailedBatch(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Store = kv.Disabled{} })
	h.sender.fail(errors.New("down"))

	h.client.Track("a", "f", nil)
	h.client.Flush(context.Background())
	h.client.RetryPending(context.Background())

	if h.obs.Counter(observe.EventsDropped) != 1 {
		t.Errorf("expected 1 dropped, got %d", h.obs.Counter(observe.EventsDropped))
	}
	if got := h.client.Pending(context.Background()); len(got) != 0 {
		t.Errorf("expected no pending events, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestCloseFlushesAndStopsTimers(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.Advance(0)

	h.client.Track("a", "f", nil)
	h.client.Close(context.Background())

	if got := len(h.sender.delivered()); got != 1 {
		t.Fatalf("expected final flush, got %d batches", got)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("expected no timers after close, got %d", h.clock.Pending())
	}

	h.client.Track("late", "f", nil)
	if h.client.Queued() != 0 {
		t.Error("expected events after close to be dropped")
	}
}
