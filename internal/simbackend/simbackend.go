// Package simbackend is a simulated backend dispatcher for the build cache.
//
// It hands out increasing native handles, can inject failures per module or
// kernel, can delay builds, and can hold builds at a gate so tests control
// exactly when a build completes. Every call is counted per key.
package simbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/kernelcache/cache"
)

// Failure is an injected build failure.
type Failure struct {
	Message string
	Code    int32
}

// Config configures a Backend.
type Config struct {
	// ProgramLatency and KernelLatency delay every build.
	ProgramLatency time.Duration
	KernelLatency  time.Duration

	// ArgCount is the number of arguments every kernel declares. Every
	// odd-numbered argument is reported as eliminated.
	ArgCount int
}

// Backend is a simulated cache.Backend and cache.Releaser.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: builds held at the gate or sleeping return early if ctx ends.
type Backend struct {
	cfg Config

	mu             sync.Mutex
	next           uint64
	programCalls   map[cache.ProgramKey]int
	kernelCalls    map[cache.KernelKey]int
	moduleFailures map[cache.ModuleID]Failure
	kernelFailures map[string]Failure
	panics         map[string]any
	released       map[uint64]int
	gate           chan struct{}
	started        chan struct{}
}

// New creates a Backend.
func New(cfg Config) *Backend {
	return &Backend{
		cfg:            cfg,
		programCalls:   make(map[cache.ProgramKey]int),
		kernelCalls:    make(map[cache.KernelKey]int),
		moduleFailures: make(map[cache.ModuleID]Failure),
		kernelFailures: make(map[string]Failure),
		panics:         make(map[string]any),
		released:       make(map[uint64]int),
	}
}

// FailModule makes every program build of module fail with f.
func (b *Backend) FailModule(module cache.ModuleID, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moduleFailures[module] = f
}

// FailKernel makes every build of the named kernel fail with f.
func (b *Backend) FailKernel(name string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kernelFailures[name] = f
}

// PanicKernel makes every build of the named kernel panic with v.
func (b *Backend) PanicKernel(name string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panics[name] = v
}

// Clear removes every injected failure and panic.
func (b *Backend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.moduleFailures)
	clear(b.kernelFailures)
	clear(b.panics)
}

// Hold makes subsequent builds block until Open is called. The returned
// channel receives one value each time a build reaches the gate.
func (b *Backend) Hold() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.started = make(chan struct{}, 64)
	return b.started
}

// Open releases every build blocked by Hold.
func (b *Backend) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// BuildProgram implements cache.Backend.
func (b *Backend) BuildProgram(ctx context.Context, key cache.ProgramKey) (cache.ProgramHandle, error) {
	b.mu.Lock()
	b.programCalls[key]++
	f, fail := b.moduleFailures[key.Module]
	gate, started := b.gate, b.started
	b.mu.Unlock()

	if err := b.wait(ctx, gate, started, b.cfg.ProgramLatency); err != nil {
		return 0, err
	}
	if fail {
		return 0, cache.NewBuildError(f.Message, f.Code)
	}
	return cache.ProgramHandle(b.handle()), nil
}

// BuildKernel implements cache.Backend.
func (b *Backend) BuildKernel(ctx context.Context, program cache.ProgramHandle, name string) (cache.KernelHandle, cache.ArgMask, error) {
	b.mu.Lock()
	b.kernelCalls[cache.KernelKey{Program: program, Name: name}]++
	f, fail := b.kernelFailures[name]
	p, doPanic := b.panics[name]
	gate, started := b.gate, b.started
	b.mu.Unlock()

	if err := b.wait(ctx, gate, started, b.cfg.KernelLatency); err != nil {
		return 0, nil, err
	}
	if doPanic {
		panic(p)
	}
	if fail {
		return 0, nil, cache.NewBuildError(f.Message, f.Code)
	}

	var mask cache.ArgMask
	if b.cfg.ArgCount > 0 {
		mask = make(cache.ArgMask, b.cfg.ArgCount)
		for i := 1; i < len(mask); i += 2 {
			mask[i] = true
		}
	}
	return cache.KernelHandle(b.handle()), mask, nil
}

// ReleaseKernel implements cache.Releaser.
func (b *Backend) ReleaseKernel(_ context.Context, kernel cache.KernelHandle) error {
	return b.release(uint64(kernel))
}

// ReleaseProgram implements cache.Releaser.
func (b *Backend) ReleaseProgram(_ context.Context, program cache.ProgramHandle) error {
	return b.release(uint64(program))
}

// ProgramCalls returns how many times key was built.
func (b *Backend) ProgramCalls(key cache.ProgramKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.programCalls[key]
}

// KernelCalls returns how many times the named kernel of program was built.
func (b *Backend) KernelCalls(program cache.ProgramHandle, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kernelCalls[cache.KernelKey{Program: program, Name: name}]
}

// TotalCalls returns the number of program and kernel builds performed.
func (b *Backend) TotalCalls() (programs, kernels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.programCalls {
		programs += n
	}
	for _, n := range b.kernelCalls {
		kernels += n
	}
	return programs, kernels
}

// Released returns how many distinct handles have been released.
func (b *Backend) Released() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.released)
}

func (b *Backend) handle() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	return b.next
}

func (b *Backend) release(h uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h == 0 || h > b.next {
		return fmt.Errorf("simbackend: unknown handle %d", h)
	}
	b.released[h]++
	if b.released[h] > 1 {
		return fmt.Errorf("simbackend: handle %d released twice", h)
	}
	return nil
}

func (b *Backend) wait(ctx context.Context, gate chan struct{}, started chan struct{}, latency time.Duration) error {
	if gate != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

var (
	_ cache.Backend  = (*Backend)(nil)
	_ cache.Releaser = (*Backend)(nil)
)
