package resilience

import "errors"

// ErrBulkheadFull is returned when no build slot frees up within MaxWait.
var ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")
