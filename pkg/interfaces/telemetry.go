package interfaces

import (
	"time"

	"huddle/pkg/types"
)

// Telemetry receives operational signals from the core.
type Telemetry interface {
	// ObserveOperation records one public operation. kind is empty on success.
	ObserveOperation(operation string, kind types.ErrorKind, took time.Duration)

	// RateLimited records a rejected call and the scope (global or identity) that ran dry.
	RateLimited(operation, scope string)

	CacheAccess(hit bool)
	CacheEvicted(n int)

	// OfflineFlushed records the outcome of one reconnection flush.
	OfflineFlushed(delivered, dropped int)

	// Escalate reports an Internal failure. Expected error kinds never reach it.
	Escalate(operation string, err error)
}
