package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LookupOutcome classifies a cache lookup.
type LookupOutcome string

const (
	// LookupHit found an entry that was already built or failed.
	LookupHit LookupOutcome = "hit"
	// LookupMiss inserted a new entry; the caller builds it.
	LookupMiss LookupOutcome = "miss"
	// LookupWait found an entry still in progress; the caller blocks.
	LookupWait LookupOutcome = "wait"
	// LookupFastHit found a ready entry on the fast path.
	LookupFastHit LookupOutcome = "fast_hit"
	// LookupFastMiss did not find the key on the fast path.
	LookupFastMiss LookupOutcome = "fast_miss"
)

// Metrics records build cache metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordBuild records a backend build with duration and error status.
	RecordBuild(ctx context.Context, meta BuildMeta, duration time.Duration, err error)

	// RecordLookup records the outcome of a cache lookup.
	RecordLookup(ctx context.Context, kind BuildKind, outcome LookupOutcome)
}

type metricsImpl struct {
	buildCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	lookupCount  metric.Int64Counter
}

// NewMetrics creates Metrics backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	buildCount, err := meter.Int64Counter(
		"kernelcache.build.total",
		metric.WithDescription("Total number of backend builds"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"kernelcache.build.errors",
		metric.WithDescription("Total number of failed backend builds"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"kernelcache.build.duration_ms",
		metric.WithDescription("Backend build duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lookupCount, err := meter.Int64Counter(
		"kernelcache.lookup.total",
		metric.WithDescription("Total number of cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		buildCount:   buildCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		lookupCount:  lookupCount,
	}, nil
}

// RecordBuild records metrics for a backend build. Module identities and
// kernel names are left out of the attributes to keep cardinality bounded.
func (m *metricsImpl) RecordBuild(ctx context.Context, meta BuildMeta, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("build.kind", string(meta.Kind)),
	}
	if meta.Device != "" {
		attrs = append(attrs, attribute.String("build.device", meta.Device))
	}
	opt := metric.WithAttributes(attrs...)

	m.buildCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

// RecordLookup records a lookup outcome.
func (m *metricsImpl) RecordLookup(ctx context.Context, kind BuildKind, outcome LookupOutcome) {
	m.lookupCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("build.kind", string(kind)),
		attribute.String("outcome", string(outcome)),
	))
}

type noopMetrics struct{}

// NewNoopMetrics returns Metrics that record nothing.
func NewNoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordBuild(context.Context, BuildMeta, time.Duration, error) {}
func (noopMetrics) RecordLookup(context.Context, BuildKind, LookupOutcome)     {}
