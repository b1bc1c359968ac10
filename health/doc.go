// Package health provides health checks for the build cache.
//
// A Checker reports a Status: Healthy, Degraded or Unhealthy. The
// BuildCacheChecker derives one from cache occupancy: any failed build
// degrades the cache, and a high share of failed entries makes it
// unhealthy. Failures are sticky until the module is invalidated or the
// cache is reset, so the check keeps reporting them.
//
// # Basic Usage
//
//	checker, err := health.NewBuildCacheChecker(c, health.BuildCacheCheckerConfig{
//	    FailedRatio: 0.25,
//	})
//	if err != nil {
//	    return err
//	}
//	result := checker.Check(ctx)
//
// # Aggregating Health Checks
//
//	agg := health.NewAggregator()
//	agg.Register("buildcache", checker)
//	results := agg.CheckAll(ctx)
//	overall := agg.OverallStatus(results)
//
// # HTTP Endpoints
//
// RegisterHandlers mounts the probes on a ServeMux:
//
//	GET /healthz        liveness
//	GET /readyz         readiness over all checks
//	GET /health         detailed JSON report
//	GET /health/{name}  a single check
package health
