package observe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewMiddleware_NilComponents(t *testing.T) {
	mw := NewMiddleware(nil, nil, nil)
	if mw.Metrics() == nil || mw.Logger() == nil {
		t.Fatal("nil components must be replaced with no-ops")
	}
	err := mw.Wrap(func(context.Context, BuildMeta) error { return nil })(context.Background(), BuildMeta{Kind: KindProgram})
	if err != nil {
		t.Errorf("wrapped build error = %v", err)
	}
}

func TestMiddlewareFromObserver_Nil(t *testing.T) {
	if _, err := MiddlewareFromObserver(nil); !errors.Is(err, ErrNilObserver) {
		t.Errorf("MiddlewareFromObserver(nil) error = %v, want ErrNilObserver", err)
	}
}

func TestMiddleware_Success(t *testing.T) {
	tracer, sr := newTestTracer()
	metrics, reader := newTestMetrics(t)
	var logs bytes.Buffer
	mw := NewMiddleware(tracer, metrics, NewLoggerWithWriter("info", &logs))

	var sawSpan bool
	build := func(ctx context.Context, meta BuildMeta) error {
		sawSpan = trace.SpanFromContext(ctx).SpanContext().IsValid()
		return nil
	}
	meta := BuildMeta{Kind: KindProgram, Module: "m1", Device: "gpu0"}
	if err := mw.Wrap(build)(context.Background(), meta); err != nil {
		t.Fatalf("wrapped build error = %v", err)
	}

	if !sawSpan {
		t.Error("build function did not receive the span context")
	}
	if len(sr.Ended()) != 1 {
		t.Errorf("got %d spans, want 1", len(sr.Ended()))
	}
	rm := collect(t, reader)
	if got := counterTotal(t, rm, "kernelcache.build.total"); got != 1 {
		t.Errorf("build.total = %d, want 1", got)
	}
	if got := counterTotal(t, rm, "kernelcache.build.errors"); got != 0 {
		t.Errorf("build.errors = %d, want 0", got)
	}

	lines := decodeLines(t, &logs)
	if len(lines) != 1 || lines[0]["msg"] != "build completed" || lines[0]["build.module"] != "m1" {
		t.Errorf("log lines = %v", lines)
	}
	if _, ok := lines[0]["duration_ms"]; !ok {
		t.Error("duration_ms not logged")
	}
}

func TestMiddleware_ErrorIsReturnedUnchanged(t *testing.T) {
	metrics, reader := newTestMetrics(t)
	var logs bytes.Buffer
	mw := NewMiddleware(nil, metrics, NewLoggerWithWriter("info", &logs))

	want := errors.New("bad SPIR-V")
	err := mw.Wrap(func(context.Context, BuildMeta) error { return want })(context.Background(), BuildMeta{Kind: KindKernel, Kernel: "add"})
	if err != want {
		t.Fatalf("wrapped build error = %v, want %v", err, want)
	}

	if got := counterTotal(t, collect(t, reader), "kernelcache.build.errors"); got != 1 {
		t.Errorf("build.errors = %d, want 1", got)
	}
	if !strings.Contains(logs.String(), `"msg":"build failed"`) || !strings.Contains(logs.String(), "bad SPIR-V") {
		t.Errorf("failure not logged: %s", logs.String())
	}
}
