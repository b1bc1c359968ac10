// Package resilience bounds backend build concurrency.
//
// A Bulkhead hands out a fixed number of slots. The build cache takes a slot
// around each backend call, so a burst of first-time dispatches cannot start
// more driver compilations than the limit allows. Callers waiting on another
// caller's build never hold a slot.
//
//	b := resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 4})
//
//	err := b.Execute(ctx, func(ctx context.Context) error {
//	    return compile(ctx)
//	})
package resilience
