package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("Status.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResultConstructors(t *testing.T) {
	cause := errors.New("device lost")
	tests := []struct {
		name    string
		result  Result
		status  Status
		wantErr error
	}{
		{"healthy", Healthy("ok"), StatusHealthy, nil},
		{"degraded", Degraded("slow"), StatusDegraded, nil},
		{"unhealthy", Unhealthy("down", cause), StatusUnhealthy, cause},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.Status != tt.status {
				t.Errorf("Status = %v, want %v", tt.result.Status, tt.status)
			}
			if tt.result.Timestamp.IsZero() {
				t.Error("Timestamp should not be zero")
			}
			if !errors.Is(tt.result.Error, tt.wantErr) {
				t.Errorf("Error = %v, want %v", tt.result.Error, tt.wantErr)
			}
		})
	}
}

func TestResult_WithDetailsAndDuration(t *testing.T) {
	base := Healthy("ok")
	r := base.WithDetails(map[string]any{"programs": 3}).WithDuration(time.Second)

	if r.Details["programs"] != 3 {
		t.Errorf("Details[programs] = %v, want 3", r.Details["programs"])
	}
	if r.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", r.Duration)
	}
	if base.Details != nil || base.Duration != 0 {
		t.Error("With* must not modify the receiver")
	}
}

func TestCheckerFunc(t *testing.T) {
	called := false
	checker := NewCheckerFunc("backend", func(ctx context.Context) Result {
		called = true
		if ctx.Err() != nil {
			return Unhealthy("cancelled", ctx.Err())
		}
		return Healthy("ok")
	})

	if checker.Name() != "backend" {
		t.Errorf("Name() = %v, want backend", checker.Name())
	}
	if r := checker.Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("Check() status = %v, want healthy", r.Status)
	}
	if !called {
		t.Error("wrapped function was not called")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checker.Check(ctx); !errors.Is(r.Error, context.Canceled) {
		t.Errorf("Check() on cancelled ctx error = %v, want context.Canceled", r.Error)
	}
}

func TestSentinelErrors(t *testing.T) {
	for _, err := range []error{ErrCheckFailed, ErrCheckTimeout, ErrCheckerNotFound, ErrNilSource} {
		if err == nil || err.Error() == "" {
			t.Errorf("sentinel %v has no message", err)
		}
	}
}
