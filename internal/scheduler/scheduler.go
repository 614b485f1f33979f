package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the deferred-task facility the session engine delegates expiry
// to: deliver one at-least-once callback at a future wall-clock time,
// surviving process restarts. Redelivery must be tolerated by the handler.
type Scheduler interface {
	// ScheduleAt registers a job that fires at or after fireAt, carrying the
	// session to finalize. Returns an opaque job handle.
	ScheduleAt(ctx context.Context, fireAt time.Time, sessionID uuid.UUID) (string, error)

	// Cancel is best-effort: it may fail silently if the job already fired or
	// never existed. Callers must not treat failure as an error.
	Cancel(ctx context.Context, jobID string) error
}
