package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHookFailureLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	h := New(logger, mp)
	h.Failure(context.Background(), "flags", "evaluate", errors.New("connection refused"))

	out := buf.String()
	if !strings.Contains(out, `"component":"flags"`) || !strings.Contains(out, "connection refused") {
		t.Errorf("unexpected log output: %s", out)
	}

	if got := sumCounter(t, reader, Failures); got != 1 {
		t.Errorf("expected %s=1, got %d", Failures, got)
	}
}

func TestHookCount(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	h := New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), mp)
	h.Count(context.Background(), EventsSent, 3)
	h.Count(context.Background(), EventsSent, 2)

	if got := sumCounter(t, reader, EventsSent); got != 5 {
		t.Errorf("expected %s=5, got %d", EventsSent, got)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Failure(context.Background(), "telemetry", "flush", errors.New("boom"))
	r.Count(context.Background(), EventsPersisted, 4)

	f := r.Failures()
	if len(f) != 1 || f[0].Component != "telemetry" || f[0].Op != "flush" {
		t.Errorf("unexpected failures: %+v", f)
	}
	if r.Counter(EventsPersisted) != 4 {
		t.Errorf("expected counter 4, got %d", r.Counter(EventsPersisted))
	}
	if r.Counter("missing") != 0 {
		t.Error("unknown counter should read 0")
	}
}

func sumCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has unexpected type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
