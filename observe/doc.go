// Package observe provides observability primitives for kernel and program
// builds.
//
// It is a pure instrumentation library: an Observer owns the OpenTelemetry
// tracer and meter providers and a structured logger, and a Middleware wraps
// a BuildFunc with a span, build metrics and a completion log line. The
// build cache records lookups (hit, miss, wait, fast path) through the same
// Metrics.
//
//	obs, err := observe.NewObserver(ctx, observe.Config{
//	    ServiceName: "kernelcache",
//	    Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
//	    Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer obs.Shutdown(ctx)
package observe
