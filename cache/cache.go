package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/kernelcache/observe"
	"github.com/jonwraymond/kernelcache/resilience"
)

// Backend compiles programs and extracts kernels. The cache calls it only
// from the caller that won the insert race for a key, exactly once per key.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use; builds
//   for different keys run in parallel.
// - Context: ctx carries the build span and the caller's values but is
//   never cancelled, even when the requesting caller's context is. The
//   backend must not call back into the cache.
// - Errors: return a *BuildError to control the replayed message and
//   code. Any other error is recorded with CodeUnknown.
type Backend interface {
	// BuildProgram compiles the module in key for key.Device.
	BuildProgram(ctx context.Context, key ProgramKey) (ProgramHandle, error)

	// BuildKernel extracts the named kernel from a built program.
	BuildKernel(ctx context.Context, program ProgramHandle, name string) (KernelHandle, ArgMask, error)
}

// Releaser is implemented by backends that want their native handles
// released when the cache is closed.
type Releaser interface {
	ReleaseKernel(ctx context.Context, kernel KernelHandle) error
	ReleaseProgram(ctx context.Context, program ProgramHandle) error
}

// Kernel is a built kernel as stored in the kernel cache.
type Kernel struct {
	Handle  KernelHandle
	ArgMask ArgMask
	Program ProgramHandle

	mu *sync.Mutex
}

// DispatchMutex returns the mutex that serializes dispatches of the kernel.
func (k Kernel) DispatchMutex() *sync.Mutex {
	return k.mu
}

// FastEntry returns the fast path form of k.
func (k Kernel) FastEntry() FastEntry {
	return FastEntry{
		Kernel:  k.Handle,
		Mu:      k.mu,
		ArgMask: k.ArgMask,
		Program: k.Program,
	}
}

// ProgramCache is the program build cache.
type ProgramCache = KeyedCache[ProgramKey, CommonKey, ProgramHandle]

// KernelCache is the kernel-per-program build cache. Its common key is the
// owning program, so LookupByCommonKey enumerates a program's kernels.
type KernelCache = KeyedCache[KernelKey, ProgramHandle, Kernel]

// Stats is a snapshot of cache occupancy. Each sub-cache is counted under
// its own lock, so the snapshot is not atomic across sub-caches.
type Stats struct {
	Programs   int
	Kernels    int
	FastPath   int
	InProgress int
	Failed     int
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger   observe.Logger
	metrics  observe.Metrics
	tracer   observe.Tracer
	observer observe.Observer
	limit    int
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the build tracer.
func WithTracer(t observe.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithObserver takes logger, metrics and tracer from obs. Components set
// with the other options take precedence.
func WithObserver(obs observe.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithBuildLimit caps the number of backend builds running at once. Callers
// that win an insert race while every slot is taken queue for one, whether
// or not their context ends. Zero or less means no limit.
func WithBuildLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// Cache is the per-context build cache. It owns the program cache, the
// kernel-per-program cache and the fast path, each behind its own mutex.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: blocking waits on another caller's build cannot be cancelled.
// - Errors: build failures are *BuildError values matching ErrBuildFailed.
type Cache struct {
	programs *ProgramCache
	kernels  *KernelCache
	fast     *FastPath

	backend Backend
	mw      *observe.Middleware
	logger  observe.Logger
	metrics observe.Metrics
	slots   *resilience.Bulkhead
	retired retired

	// closeMu is held shared by every get-or-build call from its closed
	// check until its entry is published, and exclusively by Close.
	closeMu sync.RWMutex
	closed  bool
}

// retired holds the handles of invalidated programs and of kernels built
// from them. Dispatchers may still be using them, so they are released by
// Close, not by InvalidateModule. Its mutex is taken after every other
// cache mutex.
type retired struct {
	mu       sync.Mutex
	programs map[ProgramHandle]struct{}
	kernels  []KernelHandle
}

// New creates a cache that builds through backend.
func New(backend Backend, opts ...Option) (*Cache, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.observer != nil {
		if o.logger == nil {
			o.logger = o.observer.Logger()
		}
		if o.tracer == nil {
			o.tracer = observe.NewTracer(o.observer.Tracer())
		}
		if o.metrics == nil {
			m, err := observe.NewMetrics(o.observer.Meter())
			if err != nil {
				return nil, fmt.Errorf("cache: create metrics: %w", err)
			}
			o.metrics = m
		}
	}

	mw := observe.NewMiddleware(o.tracer, o.metrics, o.logger)

	c := &Cache{
		programs: NewKeyedCache[ProgramKey, CommonKey, ProgramHandle](ProgramKey.Common),
		kernels:  NewKeyedCache[KernelKey, ProgramHandle, Kernel](KernelKey.Common),
		fast:     NewFastPath(),
		backend:  backend,
		mw:       mw,
		logger:   mw.Logger(),
		metrics:  mw.Metrics(),
		retired:  retired{programs: make(map[ProgramHandle]struct{})},
	}
	if o.limit > 0 {
		c.slots = resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: o.limit})
	}
	return c, nil
}

// BuildSlots reports backend build concurrency. ok is false when the cache
// was created without WithBuildLimit.
func (c *Cache) BuildSlots() (m resilience.BulkheadMetrics, ok bool) {
	if c.slots == nil {
		return resilience.BulkheadMetrics{}, false
	}
	return c.slots.Metrics(), true
}

// AcquirePrograms locks the program cache and returns a view over it.
func (c *Cache) AcquirePrograms() *View[ProgramKey, CommonKey, ProgramHandle] {
	return c.programs.Acquire()
}

// AcquireKernels locks the kernel cache and returns a view over it.
func (c *Cache) AcquireKernels() *View[KernelKey, ProgramHandle, Kernel] {
	return c.kernels.Acquire()
}

// GetOrInsertProgram returns the program entry for key. If inserted is
// true the caller must build and publish on the entry.
func (c *Cache) GetOrInsertProgram(key ProgramKey) (entry *Result[ProgramHandle], inserted bool) {
	return c.programs.GetOrInsert(key)
}

// GetOrInsertKernel returns the kernel entry for name in program. If
// inserted is true the caller must build and publish on the entry.
func (c *Cache) GetOrInsertKernel(program ProgramHandle, name string) (entry *Result[Kernel], inserted bool) {
	return c.kernels.GetOrInsert(KernelKey{Program: program, Name: name})
}

// TryFastPath looks key up on the fast path.
func (c *Cache) TryFastPath(key FastKey) (FastEntry, bool) {
	return c.fast.TryGet(key)
}

// PublishFastPath stores entry under key unless another caller got there
// first or entry's program has been invalidated. It reports whether entry
// was stored.
func (c *Cache) PublishFastPath(key FastKey, entry FastEntry) bool {
	stored, _ := c.publishFastPath(key, entry)
	return stored
}

// publishFastPath is PublishFastPath that also reports live = false when
// entry was refused because its program is retired.
func (c *Cache) publishFastPath(key FastKey, entry FastEntry) (stored, live bool) {
	c.fast.mu.Lock()
	defer c.fast.mu.Unlock()
	c.retired.mu.Lock()
	defer c.retired.mu.Unlock()

	if _, ok := c.retired.programs[entry.Program]; ok {
		return false, false
	}
	return c.fast.insertLocked(key, entry), true
}

// GetOrBuildProgram returns the program for key, building it if this is
// the first request and waiting for the builder otherwise.
func (c *Cache) GetOrBuildProgram(ctx context.Context, key ProgramKey) (ProgramHandle, error) {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return 0, ErrClosed
	}
	entry, inserted := c.programs.GetOrInsert(key)
	if !inserted {
		c.closeMu.RUnlock()
		return awaitEntry(ctx, c, entry, observe.KindProgram)
	}
	defer c.closeMu.RUnlock()

	meta := observe.BuildMeta{
		Kind:        observe.KindProgram,
		Module:      string(key.Module),
		Device:      string(key.Device),
		Options:     key.Options,
		Fingerprint: key.Fingerprint(),
	}
	return buildEntry(ctx, c, entry, meta, func(ctx context.Context) (ProgramHandle, error) {
		return c.backend.BuildProgram(ctx, key)
	})
}

// GetOrBuildKernel returns the named kernel of program, building it if this
// is the first request and waiting for the builder otherwise.
func (c *Cache) GetOrBuildKernel(ctx context.Context, program ProgramHandle, name string) (Kernel, error) {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return Kernel{}, ErrClosed
	}
	key := KernelKey{Program: program, Name: name}
	entry, inserted := c.kernels.GetOrInsert(key)
	if !inserted {
		c.closeMu.RUnlock()
		return awaitEntry(ctx, c, entry, observe.KindKernel)
	}
	defer c.closeMu.RUnlock()

	meta := observe.BuildMeta{
		Kind:    observe.KindKernel,
		Kernel:  name,
		Program: uint64(program),
	}
	k, err := buildEntry(ctx, c, entry, meta, func(ctx context.Context) (Kernel, error) {
		h, mask, err := c.backend.BuildKernel(ctx, program, name)
		if err != nil {
			return Kernel{}, err
		}
		return Kernel{Handle: h, ArgMask: mask, Program: program, mu: new(sync.Mutex)}, nil
	})
	c.dropIfRetired(key, entry)
	return k, err
}

// dropIfRetired removes a kernel entry that finished building after its
// program was invalidated. InvalidateModule keeps in-progress kernel entries,
// so the builder removes them here.
func (c *Cache) dropIfRetired(key KernelKey, entry *Result[Kernel]) {
	c.kernels.mu.Lock()
	defer c.kernels.mu.Unlock()
	c.retired.mu.Lock()
	defer c.retired.mu.Unlock()

	if _, ok := c.retired.programs[key.Program]; !ok {
		return
	}
	if !c.kernels.removeLocked(key, entry) {
		return
	}
	if k, done, err := entry.Peek(); done && err == nil {
		c.retired.kernels = append(c.retired.kernels, k.Handle)
	}
}

// FastDispatch looks key up on the fast path and records the outcome.
// On a miss the caller falls back to the build path and then calls
// PublishFastPath; Dispatch does both.
func (c *Cache) FastDispatch(ctx context.Context, key FastKey) (FastEntry, bool) {
	e, ok := c.fast.TryGet(key)
	if ok {
		c.metrics.RecordLookup(ctx, observe.KindKernel, observe.LookupFastHit)
	} else {
		c.metrics.RecordLookup(ctx, observe.KindKernel, observe.LookupFastMiss)
	}
	return e, ok
}

// Dispatch resolves key to a ready kernel: from the fast path when warm,
// otherwise by building the program and kernel and publishing the result to
// the fast path. If the program is invalidated before the kernel is
// published, Dispatch starts over from the program build.
func (c *Cache) Dispatch(ctx context.Context, key FastKey) (FastEntry, error) {
	if e, ok := c.FastDispatch(ctx, key); ok {
		return e, nil
	}

	for {
		program, err := c.GetOrBuildProgram(ctx, key.ProgramKey())
		if err != nil {
			return FastEntry{}, err
		}
		kernel, err := c.GetOrBuildKernel(ctx, program, key.Kernel)
		if err != nil {
			return FastEntry{}, err
		}

		entry := kernel.FastEntry()
		stored, live := c.publishFastPath(key, entry)
		if stored {
			return entry, nil
		}
		if !live {
			c.logger.Debug(ctx, "program invalidated during dispatch",
				observe.Field{Key: "kernel", Value: key.Kernel},
				observe.Field{Key: "program", Value: uint64(program)},
			)
			continue
		}

		c.logger.Debug(ctx, "fast path entry already published",
			observe.Field{Key: "kernel", Value: key.Kernel},
			observe.Field{Key: "program", Value: uint64(program)},
		)
		if winner, ok := c.fast.TryGet(key); ok {
			return winner, nil
		}
		return entry, nil
	}
}

// Prewarm builds the named kernels of program in parallel and returns the
// first failure. Kernels that fail stay failed in the cache like any other
// build.
func (c *Cache) Prewarm(ctx context.Context, program ProgramHandle, names ...string) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, name := range names {
		g.Go(func() error {
			_, err := c.GetOrBuildKernel(ctx, program, name)
			return err
		})
	}
	return g.Wait()
}

// InvalidateModule drops every built or failed options variant of module
// on device, together with their kernels and fast path entries, so the next
// request rebuilds. Program entries still in progress are kept. Kernel
// entries of a dropped program that are still building are removed by their
// builder once published. Dropped handles are released by Close. It returns
// the number of program entries removed.
func (c *Cache) InvalidateModule(ctx context.Context, module ModuleID, device DeviceID) int {
	c.programs.mu.Lock()
	defer c.programs.mu.Unlock()
	c.kernels.mu.Lock()
	defer c.kernels.mu.Unlock()
	c.fast.mu.Lock()
	defer c.fast.mu.Unlock()
	c.retired.mu.Lock()
	defer c.retired.mu.Unlock()

	removed := c.programs.evictLocked(CommonKey{Module: module, Device: device})
	if len(removed) == 0 {
		return 0
	}

	handles := make(map[ProgramHandle]struct{}, len(removed))
	for _, r := range removed {
		if h, done, err := r.Peek(); done && err == nil {
			handles[h] = struct{}{}
			c.retired.programs[h] = struct{}{}
		}
	}

	kernels := 0
	for h := range handles {
		for _, r := range c.kernels.evictLocked(h) {
			kernels++
			if k, done, err := r.Peek(); done && err == nil {
				c.retired.kernels = append(c.retired.kernels, k.Handle)
			}
		}
	}
	fast := c.fast.evictProgramsLocked(handles)

	c.logger.Info(ctx, "module invalidated",
		observe.Field{Key: "module", Value: string(module)},
		observe.Field{Key: "device", Value: string(device)},
		observe.Field{Key: "programs", Value: len(removed)},
		observe.Field{Key: "kernels", Value: kernels},
		observe.Field{Key: "fast_path", Value: fast},
	)
	return len(removed)
}

// Reset clears all sub-caches. Builds in flight still publish to the
// entries their waiters hold. Intended for tests.
func (c *Cache) Reset() {
	c.programs.mu.Lock()
	defer c.programs.mu.Unlock()
	c.kernels.mu.Lock()
	defer c.kernels.mu.Unlock()
	c.fast.mu.Lock()
	defer c.fast.mu.Unlock()

	c.programs.resetLocked()
	c.kernels.resetLocked()
	c.fast.resetLocked()
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	var s Stats

	pv := c.programs.Acquire()
	s.Programs = pv.Len()
	pv.Range(func(_ ProgramKey, r *Result[ProgramHandle]) bool {
		countState(&s, r.State())
		return true
	})
	pv.Release()

	kv := c.kernels.Acquire()
	s.Kernels = kv.Len()
	kv.Range(func(_ KernelKey, r *Result[Kernel]) bool {
		countState(&s, r.State())
		return true
	})
	kv.Release()

	s.FastPath = c.fast.Len()
	return s
}

func countState(s *Stats, st State) {
	switch st {
	case StateInProgress:
		s.InProgress++
	case StateFailed:
		s.Failed++
	}
}

// Close marks the cache closed, waits for builds started through the
// get-or-build methods to publish and then, if the backend implements
// Releaser, releases every built kernel and then every built program,
// including those dropped by InvalidateModule. Later build requests return
// ErrClosed. Entries a caller inserted with GetOrInsertProgram or
// GetOrInsertKernel and has not published yet are not waited for, and their
// handles are not released. Close is idempotent.
func (c *Cache) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	rel, ok := c.backend.(Releaser)
	if !ok {
		return nil
	}

	c.retired.mu.Lock()
	kernels := slices.Clone(c.retired.kernels)
	programs := slices.Collect(maps.Keys(c.retired.programs))
	c.retired.mu.Unlock()

	kv := c.kernels.Acquire()
	kv.Range(func(_ KernelKey, r *Result[Kernel]) bool {
		if k, done, err := r.Peek(); done && err == nil {
			kernels = append(kernels, k.Handle)
		}
		return true
	})
	kv.Release()

	pv := c.programs.Acquire()
	pv.Range(func(_ ProgramKey, r *Result[ProgramHandle]) bool {
		if h, done, err := r.Peek(); done && err == nil {
			programs = append(programs, h)
		}
		return true
	})
	pv.Release()

	var errs []error
	for _, k := range kernels {
		if err := rel.ReleaseKernel(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("release kernel %d: %w", k, err))
		}
	}
	for _, p := range programs {
		if err := rel.ReleaseProgram(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("release program %d: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// awaitEntry blocks on an entry another caller is building.
func awaitEntry[T any](ctx context.Context, c *Cache, entry *Result[T], kind observe.BuildKind) (T, error) {
	if entry.State().Terminal() {
		c.metrics.RecordLookup(ctx, kind, observe.LookupHit)
	} else {
		c.metrics.RecordLookup(ctx, kind, observe.LookupWait)
	}
	return entry.Wait()
}

// buildEntry runs fn as the winning builder of entry and publishes the
// outcome. A panicking backend is recorded as a failed build so waiters
// are always released.
func buildEntry[T any](ctx context.Context, c *Cache, entry *Result[T], meta observe.BuildMeta, fn func(context.Context) (T, error)) (T, error) {
	c.metrics.RecordLookup(ctx, meta.Kind, observe.LookupMiss)

	// Waiters with live contexts share this entry, so the caller's
	// cancellation must not reach the slot queue or the backend.
	ctx = context.WithoutCancel(ctx)

	var v T
	build := func(ctx context.Context) error {
		return c.mw.Wrap(func(ctx context.Context, _ observe.BuildMeta) (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = NewBuildError(fmt.Sprintf("backend panic: %v", p), CodeUnknown)
				}
			}()
			v, err = fn(ctx)
			return err
		})(ctx, meta)
	}

	var err error
	if c.slots != nil {
		err = c.slots.Execute(ctx, build)
	} else {
		err = build(ctx)
	}

	if err != nil {
		return failEntry(ctx, c, entry, meta, err)
	}

	if perr := entry.PublishSuccess(v); perr != nil {
		c.logger.WithBuild(meta).Error(ctx, "publish failed", observe.Field{Key: "error", Value: perr.Error()})
		return entry.Wait()
	}
	return v, nil
}

func failEntry[T any](ctx context.Context, c *Cache, entry *Result[T], meta observe.BuildMeta, err error) (T, error) {
	be := toBuildError(err)
	if perr := entry.PublishFailure(be); perr != nil {
		c.logger.WithBuild(meta).Error(ctx, "publish failed", observe.Field{Key: "error", Value: perr.Error()})
	}
	var zero T
	return zero, be
}
