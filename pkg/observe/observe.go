// Package observe is the single hook through which beacon components report
// the failures they absorb and the counts they produce. Nothing in the SDK
// returns these errors to application code; they surface only here.
package observe

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counter names emitted by the SDK.
const (
	EventsSent      = "beacon.events.sent"
	EventsPersisted = "beacon.events.persisted"
	EventsDropped   = "beacon.events.dropped"
	FlagFetches     = "beacon.flags.fetches"
	Failures        = "beacon.failures"
)

// Observer receives absorbed failures and counters.
type Observer interface {
	// Failure reports an error that was handled locally. component is the
	// reporting package ("flags", "telemetry", "identity"), op the operation.
	Failure(ctx context.Context, component, op string, err error)
	// Count adds n to the named counter.
	Count(ctx context.Context, name string, n int64)
}

// Hook is the default Observer: slog for failures, OpenTelemetry counters
// for everything.
type Hook struct {
	logger   *slog.Logger
	meter    metric.Meter
	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// New creates a Hook. A nil logger uses slog.Default(); a nil provider uses
// the global OpenTelemetry meter provider.
func New(logger *slog.Logger, mp metric.MeterProvider) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return &Hook{
		logger:   logger,
		meter:    mp.Meter("github.com/wondertwin-ai/beacon"),
		counters: make(map[string]metric.Int64Counter),
	}
}

// Failure logs at WARN and increments beacon.failures.
func (h *Hook) Failure(ctx context.Context, component, op string, err error) {
	h.logger.WarnContext(ctx, "beacon operation failed",
		"component", component,
		"op", op,
		"err", err,
	)
	if c := h.counter(Failures); c != nil {
		c.Add(ctx, 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("op", op),
		))
	}
}

// Count adds n to the named counter.
func (h *Hook) Count(ctx context.Context, name string, n int64) {
	if c := h.counter(name); c != nil {
		c.Add(ctx, n)
	}
}

func (h *Hook) counter(name string) metric.Int64Counter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.counters[name]; ok {
		return c
	}
	c, err := h.meter.Int64Counter(name)
	if err != nil {
		h.logger.Error("failed to create counter", "name", name, "err", err)
		return nil
	}
	h.counters[name] = c
	return c
}

// Nop discards everything.
type Nop struct{}

func (Nop) Failure(context.Context, string, string, error) {}
func (Nop) Count(context.Context, string, int64)           {}

// FailureRecord is one Failure call captured by a Recorder.
type FailureRecord struct {
	Component string
	Op        string
	Err       error
}

// Recorder keeps every report in memory. It is meant for tests.
type Recorder struct {
	mu       sync.Mutex
	failures []FailureRecord
	counts   map[string]int64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int64)}
}

func (r *Recorder) Failure(_ context.Context, component, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, FailureRecord{Component: component, Op: op, Err: err})
}

func (r *Recorder) Count(_ context.Context, name string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += n
}

// Failures returns a copy of the recorded failures.
func (r *Recorder) Failures() []FailureRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FailureRecord, len(r.failures))
	copy(out, r.failures)
	return out
}

// Counter returns the current value of the named counter.
func (r *Recorder) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}
