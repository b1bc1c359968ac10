// Package cache memoizes backend builds of device programs and the kernels
// extracted from them.
//
// A program is keyed by its serialized module image, the module identity,
// the target device and the build options. Kernels are keyed per built
// program by name. Every key maps to a [Result], a small state machine that
// starts InProgress and ends Done or Failed. Exactly one caller per key wins
// [KeyedCache.GetOrInsert] and performs the build; every other caller blocks
// in [Result.Wait] until the winner publishes.
//
// Once a kernel is known to be built, dispatchers use the [FastPath] index,
// which maps a flat dispatch key straight to the native handles and skips
// the state machine entirely.
//
// # Basic Usage
//
//	c, err := cache.New(backend)
//	if err != nil {
//	    return err
//	}
//	defer c.Close(ctx)
//
//	mod := cache.NewModule(image)
//	entry, err := c.Dispatch(ctx, mod.FastKey("gpu0", "-O2", "vector_add"))
//	if err != nil {
//	    return err // *cache.BuildError carries the backend message and code
//	}
//	entry.Mu.Lock()
//	// set kernel arguments and enqueue using entry.Kernel
//	entry.Mu.Unlock()
//
// # Failures
//
// A failed build is terminal for its key: the winner records the backend
// message and code once and every current and future caller for that key
// receives the same [BuildError]. Use [Cache.InvalidateModule] or
// [Cache.Reset] to allow a fresh attempt.
//
// # Locking
//
// The program cache, the kernel cache and the fast path each have their own
// mutex, held only for map operations. No mutex is held while the backend
// compiles. Operations that need more than one of them take them in the
// order programs, kernels, fast path, with the set of retired handles last.
//
// [WithBuildLimit] bounds how many backend compilations run at once. Only
// the winning builder takes a slot; waiters never do. A build is detached
// from its caller's cancellation once it wins, because other callers may be
// waiting on the same entry.
//
// [Cache.Close] waits for builds already underway before it releases
// handles.
package cache
