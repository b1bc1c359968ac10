package cache

import (
	"errors"
	"strings"
	"testing"
)

func TestModule_KeysAgree(t *testing.T) {
	m := Module{ID: "m1", Image: []byte("spirv-bytes")}

	pk := m.ProgramKey("D0", "-O2")
	fk := m.FastKey("D0", "-O2", "add")

	if fk.ProgramKey() != pk {
		t.Errorf("FastKey.ProgramKey() = %+v, want %+v", fk.ProgramKey(), pk)
	}
	if pk.Common() != (CommonKey{Module: "m1", Device: "D0"}) {
		t.Errorf("Common() = %+v", pk.Common())
	}
	if pk.Fingerprint() != m.Fingerprint() {
		t.Error("ProgramKey and Module fingerprints differ for the same image")
	}
}

func TestProgramKey_StringOmitsImage(t *testing.T) {
	k := ProgramKey{Image: "very-large-image", Module: "m1", Device: "D0", Options: "-g"}
	s := k.String()

	if strings.Contains(s, "very-large-image") {
		t.Errorf("String() leaks the image: %s", s)
	}
	for _, part := range []string{"m1", "D0", "-g"} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}

func TestNewModuleID_Unique(t *testing.T) {
	seen := make(map[ModuleID]struct{})
	for i := 0; i < 100; i++ {
		id := NewModuleID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate module id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestArgMask(t *testing.T) {
	m := ArgMask{false, true, true, false}

	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
	if !m.Eliminated(1) || m.Eliminated(0) {
		t.Error("Eliminated() mismatch")
	}
	if m.Eliminated(-1) || m.Eliminated(10) {
		t.Error("out of range indexes must not be eliminated")
	}
	var empty ArgMask
	if empty.Count() != 0 || empty.Eliminated(0) {
		t.Error("nil mask eliminates nothing")
	}
}

func TestToBuildError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
		want    int32
	}{
		{"build error", NewBuildError("bad SPIR-V", 7), "bad SPIR-V", 7},
		{"wrapped build error", errors.Join(errors.New("ctx"), NewBuildError("inner", 3)), "inner", 3},
		{"empty build error", NewBuildError("", 5), "unspecified build failure", 5},
		{"plain error", errors.New("driver crashed"), "driver crashed", CodeUnknown},
		{"nil", nil, "unspecified build failure", CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toBuildError(tt.err)
			if got.Message != tt.wantMsg || got.Code != tt.want {
				t.Errorf("toBuildError() = (%q, %d), want (%q, %d)", got.Message, got.Code, tt.wantMsg, tt.want)
			}
			if !got.IsFilledIn() {
				t.Error("converted error must be filled in")
			}
		})
	}
}

func TestBuildError_Is(t *testing.T) {
	err := error(NewBuildError("x", 1))
	if !errors.Is(err, ErrBuildFailed) {
		t.Error("BuildError should match ErrBuildFailed")
	}
	if errors.Is(err, ErrClosed) {
		t.Error("BuildError should not match ErrClosed")
	}
	var nilErr *BuildError
	if nilErr.IsFilledIn() {
		t.Error("nil BuildError is not filled in")
	}
}
