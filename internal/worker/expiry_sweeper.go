package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SweepBatchSize caps how many overdue sessions one sweep cycle touches.
const SweepBatchSize = 200

// OverdueLister lists IN_PROGRESS sessions whose end time passed before the
// cutoff. Implemented by repository.ExamSessionRepository.
type OverdueLister interface {
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// SessionExpirer finalizes a session. Must be idempotent; the sweeper can race
// the scheduler dispatcher on the same session.
type SessionExpirer interface {
	ExpireSession(ctx context.Context, sessionID uuid.UUID) error
}

// ExpirySweeper is the safety net behind the scheduler: any session whose
// expiry job was lost (failed registration, Redis wipe, crash mid-claim) is
// still finalized once its end time is more than a grace period in the past.
type ExpirySweeper struct {
	lister   OverdueLister
	expirer  SessionExpirer
	interval time.Duration
	grace    time.Duration
	log      zerolog.Logger
}

// NewExpirySweeper creates a new ExpirySweeper.
func NewExpirySweeper(lister OverdueLister, expirer SessionExpirer, interval, grace time.Duration, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		lister:   lister,
		expirer:  expirer,
		interval: interval,
		grace:    grace,
		log:      log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *ExpirySweeper) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Expiry sweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpirySweeper) sweep(ctx context.Context) {
	// The grace period keeps the sweeper from stepping on the dispatcher for
	// sessions that expired a moment ago and are about to be delivered.
	cutoff := time.Now().Add(-w.grace)

	ids, err := w.lister.ListOverdue(ctx, cutoff, SweepBatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("List overdue sessions failed")
		}
		return
	}
	if len(ids) == 0 {
		return
	}

	swept := 0
	for _, id := range ids {
		if err := w.expirer.ExpireSession(ctx, id); err != nil {
			w.log.Error().Err(err).Str("session_id", id.String()).Msg("Sweep finalize failed")
			continue
		}
		swept++
	}

	w.log.Info().Int("count", swept).Msg("Swept overdue sessions")
}
