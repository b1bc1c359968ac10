package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer() (Tracer, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewTracer(tp.Tracer("test")), sr
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestBuildMeta_SpanNameAndValidate(t *testing.T) {
	if got := (BuildMeta{Kind: KindKernel}).SpanName(); got != "kernelcache.build.kernel" {
		t.Errorf("SpanName() = %q", got)
	}
	if err := (BuildMeta{}).Validate(); !errors.Is(err, ErrMissingBuildKind) {
		t.Errorf("Validate() error = %v, want ErrMissingBuildKind", err)
	}
	if err := (BuildMeta{Kind: KindProgram}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestTracer_SuccessSpan(t *testing.T) {
	tracer, sr := newTestTracer()
	meta := BuildMeta{
		Kind:        KindProgram,
		Module:      "m1",
		Device:      "gpu0",
		Options:     "-O2",
		Fingerprint: 0xff,
	}

	_, span := tracer.StartSpan(context.Background(), meta)
	tracer.EndSpan(span, nil)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "kernelcache.build.program" {
		t.Errorf("Name() = %q", s.Name())
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
	if v, _ := spanAttr(s, "build.error"); v.AsBool() {
		t.Error("build.error should be false")
	}
	if v, _ := spanAttr(s, "build.fingerprint"); v.AsString() != "00000000000000ff" {
		t.Errorf("build.fingerprint = %q", v.AsString())
	}
	if _, ok := spanAttr(s, "build.kernel"); ok {
		t.Error("program span should not carry build.kernel")
	}
}

func TestTracer_ErrorSpan(t *testing.T) {
	tracer, sr := newTestTracer()
	meta := BuildMeta{Kind: KindKernel, Kernel: "add", Program: 7}

	_, span := tracer.StartSpan(context.Background(), meta)
	tracer.EndSpan(span, errors.New("missing symbol"))

	s := sr.Ended()[0]
	if s.Status().Code != codes.Error || s.Status().Description != "missing symbol" {
		t.Errorf("status = %+v", s.Status())
	}
	if v, _ := spanAttr(s, "build.error"); !v.AsBool() {
		t.Error("build.error should be true")
	}
	if v, _ := spanAttr(s, "build.program"); v.AsInt64() != 7 {
		t.Errorf("build.program = %d, want 7", v.AsInt64())
	}
	if len(s.Events()) == 0 {
		t.Error("error event not recorded")
	}
}
