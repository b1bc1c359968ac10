package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

// findMetric searches for a metric by name in ResourceMetrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s has data type %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordBuild(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	meta := BuildMeta{Kind: KindProgram, Device: "gpu0"}

	m.RecordBuild(ctx, meta, 3*time.Millisecond, nil)
	m.RecordBuild(ctx, meta, 5*time.Millisecond, errors.New("bad SPIR-V"))

	rm := collect(t, reader)
	if got := counterTotal(t, rm, "kernelcache.build.total"); got != 2 {
		t.Errorf("build.total = %d, want 2", got)
	}
	if got := counterTotal(t, rm, "kernelcache.build.errors"); got != 1 {
		t.Errorf("build.errors = %d, want 1", got)
	}

	hist := findMetric(rm, "kernelcache.build.duration_ms")
	if hist == nil {
		t.Fatal("duration histogram not recorded")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) != 1 || h.DataPoints[0].Count != 2 {
		t.Fatalf("histogram = %+v", hist.Data)
	}
	if h.DataPoints[0].Sum != 8 {
		t.Errorf("histogram sum = %v, want 8", h.DataPoints[0].Sum)
	}
}

func TestMetrics_BuildAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBuild(context.Background(), BuildMeta{Kind: KindKernel, Module: "m1", Kernel: "add"}, time.Millisecond, nil)

	sum := findMetric(collect(t, reader), "kernelcache.build.total").Data.(metricdata.Sum[int64])
	attrs := sum.DataPoints[0].Attributes

	if v, _ := attrs.Value("build.kind"); v.AsString() != "kernel" {
		t.Errorf("build.kind = %q, want kernel", v.AsString())
	}
	for _, k := range []attribute.Key{"build.module", "build.kernel", "build.device"} {
		if attrs.HasValue(k) {
			t.Errorf("attribute %s should not be recorded", k)
		}
	}
}

func TestMetrics_RecordLookup(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLookup(ctx, KindProgram, LookupMiss)
	m.RecordLookup(ctx, KindProgram, LookupWait)
	m.RecordLookup(ctx, KindProgram, LookupWait)
	m.RecordLookup(ctx, KindKernel, LookupFastHit)

	sum := findMetric(collect(t, reader), "kernelcache.lookup.total").Data.(metricdata.Sum[int64])
	got := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		kind, _ := dp.Attributes.Value("build.kind")
		outcome, _ := dp.Attributes.Value("outcome")
		got[kind.AsString()+"/"+outcome.AsString()] += dp.Value
	}
	want := map[string]int64{"program/miss": 1, "program/wait": 2, "kernel/fast_hit": 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %d, want %d", k, got[k], v)
		}
	}
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	m, reader := newTestMetrics(t)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			m.RecordBuild(context.Background(), BuildMeta{Kind: KindProgram}, time.Millisecond, nil)
		}()
	}
	wg.Wait()

	if got := counterTotal(t, collect(t, reader), "kernelcache.build.total"); got != goroutines {
		t.Errorf("build.total = %d, want %d", got, goroutines)
	}
}
