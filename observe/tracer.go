package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// BuildKind distinguishes program builds from kernel builds.
type BuildKind string

const (
	KindProgram BuildKind = "program"
	KindKernel  BuildKind = "kernel"
)

// BuildMeta describes one backend build for telemetry purposes.
type BuildMeta struct {
	Kind        BuildKind
	Module      string // module identity
	Device      string
	Options     string
	Kernel      string // kernel name, kernel builds only
	Program     uint64 // owning program handle, kernel builds only
	Fingerprint uint64 // hash of the module image, program builds only
}

// SpanName returns the span name for this build.
// Format: kernelcache.build.<kind>
func (m BuildMeta) SpanName() string {
	return "kernelcache.build." + string(m.Kind)
}

// Validate reports whether the metadata is usable.
func (m BuildMeta) Validate() error {
	if m.Kind == "" {
		return ErrMissingBuildKind
	}
	return nil
}

func (m BuildMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("build.kind", string(m.Kind)),
	}
	if m.Module != "" {
		attrs = append(attrs, attribute.String("build.module", m.Module))
	}
	if m.Device != "" {
		attrs = append(attrs, attribute.String("build.device", m.Device))
	}
	if m.Options != "" {
		attrs = append(attrs, attribute.String("build.options", m.Options))
	}
	if m.Kernel != "" {
		attrs = append(attrs, attribute.String("build.kernel", m.Kernel))
	}
	if m.Program != 0 {
		attrs = append(attrs, attribute.Int64("build.program", int64(m.Program)))
	}
	if m.Fingerprint != 0 {
		attrs = append(attrs, attribute.String("build.fingerprint", fmt.Sprintf("%016x", m.Fingerprint)))
	}
	return attrs
}

// Tracer wraps OpenTelemetry tracing with build span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a build.
	StartSpan(ctx context.Context, meta BuildMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with build metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta BuildMeta) (context.Context, trace.Span) {
	attrs := append(meta.attributes(), attribute.Bool("build.error", false))

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("build.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NewNoopTracer returns a Tracer whose spans are discarded.
func NewNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta BuildMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
