package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("warn", &buf)
	ctx := context.Background()

	logger.Debug(ctx, "debug")
	logger.Info(ctx, "info")
	logger.Warn(ctx, "warn")
	logger.Error(ctx, "error")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["level"] != "warn" || lines[1]["level"] != "error" {
		t.Errorf("levels = %v, %v", lines[0]["level"], lines[1]["level"])
	}
}

func TestLogger_WithBuild(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	meta := BuildMeta{
		Kind:        KindProgram,
		Module:      "m1",
		Device:      "gpu0",
		Options:     "-O2",
		Fingerprint: 0xabc,
	}
	logger.WithBuild(meta).Info(context.Background(), "build completed", Field{Key: "duration_ms", Value: 1.5})
	logger.Info(context.Background(), "plain")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	want := map[string]any{
		"msg":               "build completed",
		"build.kind":        "program",
		"build.module":      "m1",
		"build.device":      "gpu0",
		"build.options":     "-O2",
		"build.fingerprint": "0000000000000abc",
		"duration_ms":       1.5,
	}
	for k, v := range want {
		if lines[0][k] != v {
			t.Errorf("%s = %v, want %v", k, lines[0][k], v)
		}
	}
	if _, ok := lines[1]["build.kind"]; ok {
		t.Error("WithBuild leaked attributes into the parent logger")
	}
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "module loaded",
		Field{Key: "image", Value: "\x03\x02\x23\x07 spirv"},
		Field{Key: "token", Value: "s3cr3t"},
		Field{Key: "size", Value: 128},
	)

	line := decodeLines(t, &buf)[0]
	if line["image"] != "[REDACTED]" || line["token"] != "[REDACTED]" {
		t.Errorf("sensitive fields not redacted: %v", line)
	}
	if line["size"] != float64(128) {
		t.Errorf("size = %v, want 128", line["size"])
	}
}

func TestLogger_ConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			l := logger.WithBuild(BuildMeta{Kind: KindKernel, Kernel: "k"})
			for j := 0; j < 10; j++ {
				l.Info(context.Background(), "build completed", Field{Key: "i", Value: i})
			}
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != goroutines*10 {
		t.Errorf("got %d lines, want %d", got, goroutines*10)
	}
}
