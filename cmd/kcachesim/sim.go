package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/kernelcache/cache"
	"github.com/jonwraymond/kernelcache/health"
	"github.com/jonwraymond/kernelcache/observe"
	"github.com/jonwraymond/kernelcache/resilience"
)

// workload is the fixed set of dispatch keys every worker cycles through.
type workload struct {
	modules []cache.Module
	kernels []string
	keys    []cache.FastKey
}

func newWorkload(cfg Config) workload {
	var w workload
	for i := 0; i < cfg.Kernels; i++ {
		w.kernels = append(w.kernels, fmt.Sprintf("kernel%d", i))
	}
	for i := 0; i < cfg.Modules; i++ {
		m := cache.NewModule([]byte(fmt.Sprintf("module-image-%d", i)))
		w.modules = append(w.modules, m)
		for _, dev := range cfg.Devices {
			for _, opts := range cfg.Options {
				for _, k := range w.kernels {
					w.keys = append(w.keys, m.FastKey(cache.DeviceID(dev), opts, k))
				}
			}
		}
	}
	return w
}

type report struct {
	Dispatches    int64
	Failures      int64
	Invalidated   int64
	ProgramBuilds int
	KernelBuilds  int
	Stats         cache.Stats
	Slots         resilience.BulkheadMetrics
	Limited       bool
	Health        health.Status
	Elapsed       time.Duration
}

// simulate runs cfg.Workers workers, each dispatching every key of w in a
// shuffled order for cfg.Rounds rounds. Build failures are counted, not
// returned.
func simulate(ctx context.Context, c *cache.Cache, w workload, cfg Config, logger observe.Logger) (report, error) {
	var rep report
	start := time.Now()

	if cfg.Prewarm {
		prewarm(ctx, c, w, cfg, logger)
	}

	var dispatches, failures, invalidated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for worker := 0; worker < cfg.Workers; worker++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(worker), 0x6b63))
			order := make([]int, len(w.keys))
			for i := range order {
				order[i] = i
			}

			for round := 1; round <= cfg.Rounds; round++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

				for _, i := range order {
					e, err := c.Dispatch(ctx, w.keys[i])
					dispatches.Add(1)
					if errors.Is(err, cache.ErrBuildFailed) {
						failures.Add(1)
						continue
					}
					if err != nil {
						return err
					}
					e.Mu.Lock()
					e.Mu.Unlock()
				}

				if worker == 0 && cfg.InvalidateEvery > 0 && round%cfg.InvalidateEvery == 0 {
					m := w.modules[(round/cfg.InvalidateEvery-1)%len(w.modules)]
					for _, dev := range cfg.Devices {
						invalidated.Add(int64(c.InvalidateModule(ctx, m.ID, cache.DeviceID(dev))))
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()

	rep.Dispatches = dispatches.Load()
	rep.Failures = failures.Load()
	rep.Invalidated = invalidated.Load()
	rep.Elapsed = time.Since(start)
	return rep, err
}

// prewarm builds every program and its kernels ahead of the dispatch
// rounds. Failures stay recorded in the cache and are only logged here.
func prewarm(ctx context.Context, c *cache.Cache, w workload, cfg Config, logger observe.Logger) {
	for _, m := range w.modules {
		for _, dev := range cfg.Devices {
			for _, opts := range cfg.Options {
				program, err := c.GetOrBuildProgram(ctx, m.ProgramKey(cache.DeviceID(dev), opts))
				if err == nil {
					err = c.Prewarm(ctx, program, w.kernels...)
				}
				if err != nil {
					logger.Warn(ctx, "prewarm failed",
						observe.Field{Key: "module", Value: string(m.ID)},
						observe.Field{Key: "device", Value: dev},
						observe.Field{Key: "error", Value: err.Error()},
					)
				}
			}
		}
	}
}

func printReport(out io.Writer, rep report) {
	hitRatio := 0.0
	if rep.Dispatches > 0 {
		hitRatio = 1 - float64(rep.KernelBuilds)/float64(rep.Dispatches)
	}

	fmt.Fprintf(out, "dispatches: %d\n", rep.Dispatches)
	fmt.Fprintf(out, "failures: %d\n", rep.Failures)
	fmt.Fprintf(out, "program builds: %d\n", rep.ProgramBuilds)
	fmt.Fprintf(out, "kernel builds: %d\n", rep.KernelBuilds)
	fmt.Fprintf(out, "invalidated: %d\n", rep.Invalidated)
	fmt.Fprintf(out, "hit ratio: %.3f\n", hitRatio)
	fmt.Fprintf(out, "cache: programs=%d kernels=%d fast_path=%d failed=%d\n",
		rep.Stats.Programs, rep.Stats.Kernels, rep.Stats.FastPath, rep.Stats.Failed)
	if rep.Limited {
		fmt.Fprintf(out, "build slots: limit=%d peak=%d\n", rep.Slots.MaxConcurrent, rep.Slots.MaxActive)
	}
	fmt.Fprintf(out, "health: %s\n", rep.Health)
	fmt.Fprintf(out, "elapsed: %s\n", rep.Elapsed.Round(time.Millisecond))
}
