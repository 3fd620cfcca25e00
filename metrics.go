package bitpart

import (
	"context"
	"time"
)

// Metrics receives engine-level measurements. The observer package provides
// an OTEL-backed implementation; a nil Metrics disables recording.
type Metrics interface {
	// RecordRequest records one completed engine request.
	RecordRequest(ctx context.Context, botID string, d time.Duration, end bool)
	// RecordMessages records outbound messages produced by a request.
	RecordMessages(ctx context.Context, botID string, n int)
	// RecordHold records a persisted hold.
	RecordHold(ctx context.Context, botID string)
	// RecordCallbackFailure records a failed callback POST.
	RecordCallbackFailure(ctx context.Context)
}
