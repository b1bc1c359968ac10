package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/jonwraymond/kernelcache/observe"
)

var (
	errConfigInvalid      = errors.New("invalid config")
	errConfigFileNotFound = errors.New("config file not found")
)

// Duration is a time.Duration that reads from JSON strings like "5ms".
type Duration time.Duration

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the simulator settings.
type Config struct {
	Workers int      `json:"workers"`
	Rounds  int      `json:"rounds"`
	Modules int      `json:"modules"`
	Kernels int      `json:"kernels"`
	Devices []string `json:"devices"`
	Options []string `json:"options"`

	ProgramLatency Duration `json:"program_latency"`
	KernelLatency  Duration `json:"kernel_latency"`
	ArgCount       int      `json:"arg_count"`

	// FailModules makes the first N modules fail to build.
	FailModules int `json:"fail_modules"`
	// InvalidateEvery invalidates one module every N rounds. Zero disables.
	InvalidateEvery int  `json:"invalidate_every"`
	Prewarm         bool `json:"prewarm"`
	// BuildLimit caps concurrent backend builds. Zero means no limit.
	BuildLimit int `json:"build_limit"`

	LogLevel string `json:"log_level"`
	Metrics  string `json:"metrics"`
	Tracing  string `json:"tracing"`
	HTTPAddr string `json:"http_addr"`
	Serve    bool   `json:"serve"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() Config {
	return Config{
		Workers:        8,
		Rounds:         20,
		Modules:        4,
		Kernels:        8,
		Devices:        []string{"gpu0"},
		Options:        []string{""},
		ProgramLatency: Duration(2 * time.Millisecond),
		KernelLatency:  Duration(200 * time.Microsecond),
		ArgCount:       4,
		LogLevel:       "warn",
		Metrics:        "none",
		Tracing:        "none",
	}
}

// flagSet registers the simulator flags. Flag defaults are only used for
// help output; values reach the config only when a flag is set.
func flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("kcachesim", flag.ContinueOnError)
	d := defaultConfig()

	fs.StringP("config", "c", "", "JSONC config file")
	fs.IntP("workers", "w", d.Workers, "concurrent dispatch workers")
	fs.IntP("rounds", "r", d.Rounds, "dispatch rounds per worker")
	fs.Int("modules", d.Modules, "number of simulated modules")
	fs.Int("kernels", d.Kernels, "kernels per module")
	fs.StringSlice("devices", d.Devices, "device ids")
	fs.StringSlice("options", d.Options, "build option variants")
	fs.Duration("program-latency", time.Duration(d.ProgramLatency), "simulated program build time")
	fs.Duration("kernel-latency", time.Duration(d.KernelLatency), "simulated kernel build time")
	fs.Int("arg-count", d.ArgCount, "arguments per kernel")
	fs.Int("fail-modules", d.FailModules, "number of modules whose builds fail")
	fs.Int("invalidate-every", d.InvalidateEvery, "invalidate one module every N rounds (0 disables)")
	fs.Bool("prewarm", d.Prewarm, "build every kernel before dispatching")
	fs.Int("build-limit", d.BuildLimit, "maximum concurrent backend builds (0 means no limit)")
	fs.String("log-level", d.LogLevel, "log level: debug|info|warn|error")
	fs.String("metrics", d.Metrics, "metrics exporter: prometheus|stdout|otlp|none")
	fs.String("tracing", d.Tracing, "tracing exporter: stdout|otlp|jaeger|none")
	fs.String("http", d.HTTPAddr, "serve health and metrics on this address")
	fs.Bool("serve", d.Serve, "keep serving HTTP after the run until interrupted")
	return fs
}

// loadConfig resolves the configuration with the precedence
// defaults, then the config file, then explicitly set flags.
func loadConfig(fs *flag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	if path, _ := fs.GetString("config"); path != "" {
		fileCfg, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	if err := applyFlags(&cfg, fs); err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	return cfg, nil
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

// mergeConfig overlays the non-zero fields of overlay onto base.
func mergeConfig(base, overlay Config) Config {
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	setInt(&base.Workers, overlay.Workers)
	setInt(&base.Rounds, overlay.Rounds)
	setInt(&base.Modules, overlay.Modules)
	setInt(&base.Kernels, overlay.Kernels)
	setInt(&base.ArgCount, overlay.ArgCount)
	setInt(&base.FailModules, overlay.FailModules)
	setInt(&base.InvalidateEvery, overlay.InvalidateEvery)
	setInt(&base.BuildLimit, overlay.BuildLimit)
	if len(overlay.Devices) > 0 {
		base.Devices = overlay.Devices
	}
	if len(overlay.Options) > 0 {
		base.Options = overlay.Options
	}
	if overlay.ProgramLatency != 0 {
		base.ProgramLatency = overlay.ProgramLatency
	}
	if overlay.KernelLatency != 0 {
		base.KernelLatency = overlay.KernelLatency
	}
	base.Prewarm = base.Prewarm || overlay.Prewarm
	base.Serve = base.Serve || overlay.Serve
	setStr(&base.LogLevel, overlay.LogLevel)
	setStr(&base.Metrics, overlay.Metrics)
	setStr(&base.Tracing, overlay.Tracing)
	setStr(&base.HTTPAddr, overlay.HTTPAddr)
	return base
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) error {
	var errs []error
	intFlag := func(name string, dst *int) {
		if fs.Changed(name) {
			v, err := fs.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	strFlag := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	sliceFlag := func(name string, dst *[]string) {
		if fs.Changed(name) {
			v, err := fs.GetStringSlice(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	durFlag := func(name string, dst *Duration) {
		if fs.Changed(name) {
			v, err := fs.GetDuration(name)
			errs = append(errs, err)
			*dst = Duration(v)
		}
	}
	boolFlag := func(name string, dst *bool) {
		if fs.Changed(name) {
			v, err := fs.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	intFlag("workers", &cfg.Workers)
	intFlag("rounds", &cfg.Rounds)
	intFlag("modules", &cfg.Modules)
	intFlag("kernels", &cfg.Kernels)
	intFlag("arg-count", &cfg.ArgCount)
	intFlag("fail-modules", &cfg.FailModules)
	intFlag("invalidate-every", &cfg.InvalidateEvery)
	intFlag("build-limit", &cfg.BuildLimit)
	sliceFlag("devices", &cfg.Devices)
	sliceFlag("options", &cfg.Options)
	durFlag("program-latency", &cfg.ProgramLatency)
	durFlag("kernel-latency", &cfg.KernelLatency)
	boolFlag("prewarm", &cfg.Prewarm)
	boolFlag("serve", &cfg.Serve)
	strFlag("log-level", &cfg.LogLevel)
	strFlag("metrics", &cfg.Metrics)
	strFlag("tracing", &cfg.Tracing)
	strFlag("http", &cfg.HTTPAddr)

	return errors.Join(errs...)
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Workers < 1:
		return errors.New("workers must be at least 1")
	case cfg.Rounds < 1:
		return errors.New("rounds must be at least 1")
	case cfg.Modules < 1 || cfg.Kernels < 1:
		return errors.New("modules and kernels must be at least 1")
	case len(cfg.Devices) == 0:
		return errors.New("at least one device is required")
	case cfg.FailModules < 0 || cfg.FailModules > cfg.Modules:
		return fmt.Errorf("fail_modules must be between 0 and %d", cfg.Modules)
	case cfg.InvalidateEvery < 0:
		return errors.New("invalidate_every must not be negative")
	case cfg.BuildLimit < 0:
		return errors.New("build_limit must not be negative")
	case cfg.Serve && cfg.HTTPAddr == "":
		return errors.New("serve requires an http address")
	}
	if len(cfg.Options) == 0 {
		return errors.New("at least one options variant is required")
	}
	if !slices.Contains(observe.ValidLogLevels, cfg.LogLevel) {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	if !slices.Contains(observe.ValidMetricsExporters, cfg.Metrics) {
		return fmt.Errorf("unknown metrics exporter %q", cfg.Metrics)
	}
	if !slices.Contains(observe.ValidTracingExporters, cfg.Tracing) {
		return fmt.Errorf("unknown tracing exporter %q", cfg.Tracing)
	}
	return nil
}

// observeConfig maps the simulator settings onto the observer config.
func (c Config) observeConfig() observe.Config {
	return observe.Config{
		ServiceName: "kcachesim",
		Version:     version,
		Tracing: observe.TracingConfig{
			Enabled:   c.Tracing != "none" && c.Tracing != "",
			Exporter:  c.Tracing,
			SamplePct: 1,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Metrics != "none" && c.Metrics != "",
			Exporter: c.Metrics,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.LogLevel,
		},
	}
}
