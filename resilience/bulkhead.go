package resilience

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the maximum number of concurrent builds.
	// Default: runtime.GOMAXPROCS(0)
	MaxConcurrent int

	// MaxWait bounds how long Acquire waits for a slot.
	// Default: 0 (wait until the context ends)
	MaxWait time.Duration
}

// Bulkhead limits how many backend builds run at once. Callers that find
// every slot taken queue until one is released.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: Acquire returns ctx.Err() if ctx ends while queued.
// - Errors: Acquire returns ErrBulkheadFull when MaxWait elapses.
type Bulkhead struct {
	config BulkheadConfig
	sem    chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	waiting   int
	acquired  int64
	rejected  int64
}

// NewBulkhead creates a new bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.GOMAXPROCS(0)
	}

	return &Bulkhead{
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrent),
	}
}

// Acquire takes a slot, waiting for one if none is free.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		b.onAcquire()
		return nil
	default:
	}

	b.mu.Lock()
	b.waiting++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.waiting--
		b.mu.Unlock()
	}()

	var timeout <-chan time.Time
	if b.config.MaxWait > 0 {
		timer := time.NewTimer(b.config.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case b.sem <- struct{}{}:
		b.onAcquire()
		return nil
	case <-timeout:
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return ErrBulkheadFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bulkhead) onAcquire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active++
	b.acquired++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
}

// Release returns a slot taken by Acquire.
func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	default:
	}
}

// Execute runs op while holding a slot.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	return op(ctx)
}

// Metrics returns current bulkhead metrics.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadMetrics{
		Active:        b.active,
		MaxActive:     b.maxActive,
		Waiting:       b.waiting,
		MaxConcurrent: b.config.MaxConcurrent,
		Acquired:      b.acquired,
		Rejected:      b.rejected,
	}
}

// BulkheadMetrics contains bulkhead statistics.
type BulkheadMetrics struct {
	Active        int
	MaxActive     int
	Waiting       int
	MaxConcurrent int
	Acquired      int64
	Rejected      int64
}
