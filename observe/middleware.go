package observe

import (
	"context"
	"time"
)

// BuildFunc performs one backend build. Results are delivered through the
// closure; the middleware only observes the error.
type BuildFunc func(ctx context.Context, meta BuildMeta) error

// Middleware wraps builds with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe BuildFunc.
//   - Context: the span is propagated to the wrapped function through ctx.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware. Nil components are replaced with
// no-op implementations.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NewNoopTracer()
	}
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps fn with tracing, metrics and logging.
func (m *Middleware) Wrap(fn BuildFunc) BuildFunc {
	return func(ctx context.Context, meta BuildMeta) error {
		ctx, span := m.tracer.StartSpan(ctx, meta)

		start := time.Now()
		err := fn(ctx, meta)
		duration := time.Since(start)

		m.tracer.EndSpan(span, err)
		m.metrics.RecordBuild(ctx, meta, duration, err)

		buildLogger := m.logger.WithBuild(meta)
		fields := []Field{
			{Key: "duration_ms", Value: float64(duration.Microseconds()) / 1000},
		}
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			buildLogger.Error(ctx, "build failed", fields...)
		} else {
			buildLogger.Info(ctx, "build completed", fields...)
		}

		return err
	}
}

// Metrics returns the middleware's metrics recorder.
func (m *Middleware) Metrics() Metrics { return m.metrics }

// Logger returns the middleware's logger.
func (m *Middleware) Logger() Logger { return m.logger }

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
