package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonwraymond/kernelcache/cache"
)

func BenchmarkBuildCacheChecker_Check(b *testing.B) {
	stats := cache.Stats{Programs: 64, Kernels: 512, FastPath: 512, Failed: 3}
	checker, _ := NewBuildCacheChecker(statsFunc(func() cache.Stats { return stats }), BuildCacheCheckerConfig{})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = checker.Check(ctx)
	}
}

func BenchmarkAggregator_CheckAll(b *testing.B) {
	for _, parallel := range []bool{false, true} {
		b.Run(fmt.Sprintf("parallel=%v", parallel), func(b *testing.B) {
			agg := NewAggregator(AggregatorConfig{Parallel: parallel})
			for i := 0; i < 5; i++ {
				name := fmt.Sprintf("check%d", i)
				agg.Register(name, staticChecker(name, Healthy("ok")))
			}
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = agg.CheckAll(ctx)
			}
		})
	}
}

func BenchmarkDetailedHandler_ServeHTTP(b *testing.B) {
	agg := NewAggregator()
	agg.Register("buildcache", staticChecker("buildcache", Healthy("ok")))
	handler := DetailedHandler(agg)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	}
}
