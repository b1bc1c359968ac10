// Command kcachesim drives concurrent dispatch traffic through a build cache
// backed by a simulated device backend and reports how many builds the
// cache performed.
//
// Usage:
//
//	kcachesim [flags]
//	kcachesim --config sim.jsonc --workers 32 --http :9464 --metrics prometheus --serve
//
// Settings come from built-in defaults, then the JSONC file given with
// --config, then flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/jonwraymond/kernelcache/cache"
	"github.com/jonwraymond/kernelcache/health"
	"github.com/jonwraymond/kernelcache/internal/simbackend"
	"github.com/jonwraymond/kernelcache/observe"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "kcachesim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flagSet()
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}

	ocfg := cfg.observeConfig()
	ocfg.Output = stderr
	obs, err := observe.NewObserver(ctx, ocfg)
	if err != nil {
		return fmt.Errorf("create observer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	logger := obs.Logger()

	w := newWorkload(cfg)
	backend := simbackend.New(simbackend.Config{
		ProgramLatency: time.Duration(cfg.ProgramLatency),
		KernelLatency:  time.Duration(cfg.KernelLatency),
		ArgCount:       cfg.ArgCount,
	})
	for _, m := range w.modules[:cfg.FailModules] {
		backend.FailModule(m.ID, simbackend.Failure{Message: "simulated compile error", Code: 11})
	}

	c, err := cache.New(backend, cache.WithObserver(obs), cache.WithBuildLimit(cfg.BuildLimit))
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	checker, err := health.NewBuildCacheChecker(c, health.BuildCacheCheckerConfig{})
	if err != nil {
		return err
	}
	agg := health.NewAggregator()
	agg.Register(checker.Name(), checker)

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		var addr net.Addr
		srv, addr, err = startServer(cfg, agg)
		if err != nil {
			return err
		}
		logger.Info(ctx, "http server listening", observe.Field{Key: "addr", Value: addr.String()})
	}

	rep, simErr := simulate(ctx, c, w, cfg, logger)
	rep.ProgramBuilds, rep.KernelBuilds = backend.TotalCalls()
	rep.Stats = c.Stats()
	rep.Slots, rep.Limited = c.BuildSlots()
	rep.Health = agg.OverallStatus(agg.CheckAll(ctx))
	printReport(stdout, rep)

	if srv != nil {
		if cfg.Serve {
			logger.Info(ctx, "serving until interrupted")
			<-ctx.Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	closeErr := c.Close(context.Background())
	fmt.Fprintf(stdout, "released handles: %d\n", backend.Released())
	return errors.Join(simErr, closeErr)
}

// startServer serves the health probes, and /metrics when the Prometheus
// exporter is selected, on cfg.HTTPAddr.
func startServer(cfg Config, agg *health.Aggregator) (*http.Server, net.Addr, error) {
	mux := http.NewServeMux()
	health.RegisterHandlers(mux, agg)
	if cfg.Metrics == "prometheus" {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, ln.Addr(), nil
}
