package exporters

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestExporter_InvalidName(t *testing.T) {
	_, err := NewTracingExporter(context.Background(), "invalid", nil)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("expected ErrUnknownExporter, got: %v", err)
	}

	_, err = NewMetricsReader(context.Background(), "badvalue", nil)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("expected ErrUnknownExporter, got: %v", err)
	}
}

func TestExporter_StdoutTracing(t *testing.T) {
	var buf bytes.Buffer
	exp, err := NewTracingExporter(context.Background(), "stdout", &buf)
	if err != nil {
		t.Fatalf("failed to create stdout tracing exporter: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestExporter_StdoutMetrics(t *testing.T) {
	reader, err := NewMetricsReader(context.Background(), "stdout", &bytes.Buffer{})
	if err != nil {
		t.Fatalf("failed to create stdout metrics reader: %v", err)
	}
	if reader == nil {
		t.Fatal("expected non-nil reader")
	}
}

func TestExporter_OtlpMissingEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	if _, err := NewTracingExporter(context.Background(), "otlp", nil); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("tracing: expected ErrEndpointNotConfigured, got: %v", err)
	}
	if _, err := NewMetricsReader(context.Background(), "otlp", nil); !errors.Is(err, ErrEndpointNotConfigured) {
		t.Errorf("metrics: expected ErrEndpointNotConfigured, got: %v", err)
	}
}

func TestExporter_OtlpWithEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4317")

	exp, err := NewTracingExporter(context.Background(), "otlp", nil)
	if err != nil {
		t.Fatalf("failed to create OTLP exporter with endpoint: %v", err)
	}
	if exp == nil {
		t.Fatal("expected non-nil exporter")
	}
}

func TestExporter_JaegerMissingEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_JAEGER_ENDPOINT", "")

	_, err := NewTracingExporter(context.Background(), "jaeger", nil)
	if !errors.Is(err, ErrEndpointNotConfigured) {
		t.Fatalf("expected ErrEndpointNotConfigured, got: %v", err)
	}
}

func TestExporter_PrometheusReturnsReader(t *testing.T) {
	reader, err := NewMetricsReader(context.Background(), "prometheus", nil)
	if err != nil {
		t.Fatalf("failed to create Prometheus reader: %v", err)
	}
	if reader == nil {
		t.Fatal("expected non-nil reader")
	}
}

func TestExporter_None(t *testing.T) {
	for _, name := range []string{"none", ""} {
		if _, err := NewTracingExporter(context.Background(), name, nil); err != nil {
			t.Errorf("tracing %q: unexpected error %v", name, err)
		}
		reader, err := NewMetricsReader(context.Background(), name, nil)
		if err != nil {
			t.Errorf("metrics %q: unexpected error %v", name, err)
		}
		if reader == nil {
			t.Errorf("metrics %q: expected non-nil reader", name)
		}
	}
}
