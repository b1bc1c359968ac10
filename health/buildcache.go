package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/kernelcache/cache"
)

// StatsSource is anything that can report build cache occupancy.
// *cache.Cache implements it.
type StatsSource interface {
	Stats() cache.Stats
}

// BuildCacheCheckerConfig configures a BuildCacheChecker.
type BuildCacheCheckerConfig struct {
	// FailedRatio is the share of failed entries at or above which the
	// cache is reported unhealthy. Default: 0.5
	FailedRatio float64

	// MinEntries is the number of entries required before FailedRatio is
	// applied, so a single early failure does not flip the check.
	// Default: 4
	MinEntries int
}

// BuildCacheChecker reports the health of a build cache from its Stats.
// Any failed entry degrades the cache; a high failed share makes it
// unhealthy.
type BuildCacheChecker struct {
	src    StatsSource
	config BuildCacheCheckerConfig
}

// NewBuildCacheChecker creates a checker over src.
func NewBuildCacheChecker(src StatsSource, config BuildCacheCheckerConfig) (*BuildCacheChecker, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if config.FailedRatio <= 0 || config.FailedRatio > 1 {
		config.FailedRatio = 0.5
	}
	if config.MinEntries <= 0 {
		config.MinEntries = 4
	}
	return &BuildCacheChecker{src: src, config: config}, nil
}

// Name returns "buildcache".
func (c *BuildCacheChecker) Name() string {
	return "buildcache"
}

// Check inspects a Stats snapshot.
func (c *BuildCacheChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	s := c.src.Stats()
	entries := s.Programs + s.Kernels
	ratio := 0.0
	if entries > 0 {
		ratio = float64(s.Failed) / float64(entries)
	}

	details := map[string]any{
		"programs":     s.Programs,
		"kernels":      s.Kernels,
		"fast_path":    s.FastPath,
		"in_progress":  s.InProgress,
		"failed":       s.Failed,
		"failed_ratio": ratio,
	}

	switch {
	case entries >= c.config.MinEntries && ratio >= c.config.FailedRatio:
		return Unhealthy(
			fmt.Sprintf("%d of %d builds failed", s.Failed, entries),
			ErrCheckFailed,
		).WithDetails(details)
	case s.Failed > 0:
		return Degraded(fmt.Sprintf("%d failed builds", s.Failed)).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%d programs, %d kernels", s.Programs, s.Kernels)).WithDetails(details)
	}
}
