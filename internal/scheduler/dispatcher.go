package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/topikmate/topikmate-backend/internal/config"
)

// retryDelay pushes a failed job back a little instead of hot-looping on it.
const retryDelay = 5 * time.Second

// ExpiryHandler finalizes a session whose time ran out. It must be safe to
// invoke more than once per session.
type ExpiryHandler func(ctx context.Context, sessionID uuid.UUID) error

// Dispatcher polls the Redis schedule and delivers due jobs to the handler.
// Claiming a job is a ZREM: only the instance whose removal succeeds runs it,
// so multiple server processes can poll the same schedule.
type Dispatcher struct {
	rdb     *redis.Client
	handler ExpiryHandler
	poll    time.Duration
	batch   int
	log     zerolog.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(rdb *redis.Client, handler ExpiryHandler, poll time.Duration, batch int, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		rdb:     rdb,
		handler: handler,
		poll:    poll,
		batch:   batch,
		log:     log.With().Str("component", "expiry_dispatcher").Logger(),
	}
}

// Start begins the polling loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.log.Info().Dur("poll", d.poll).Msg("Expiry dispatcher started")

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("Expiry dispatcher stopped")
			return
		case <-ticker.C:
			d.dispatchDue(ctx)
		}
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	jobIDs, err := d.rdb.ZRangeByScore(ctx, config.WorkerKey.ExpirySchedule, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(d.batch),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error().Err(err).Msg("Poll schedule failed")
		}
		return
	}

	for _, jobID := range jobIDs {
		d.deliver(ctx, jobID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, jobID string) {
	// Claim. Another instance may have taken it since the range read.
	removed, err := d.rdb.ZRem(ctx, config.WorkerKey.ExpirySchedule, jobID).Result()
	if err != nil || removed == 0 {
		return
	}

	raw, err := d.rdb.HGet(ctx, config.WorkerKey.ExpiryPayloads, jobID).Result()
	if err != nil {
		// Payload missing means the job was cancelled mid-claim. Nothing to do.
		if err != redis.Nil {
			d.log.Error().Err(err).Str("job_id", jobID).Msg("Read job payload failed")
			d.reschedule(ctx, jobID)
		}
		return
	}

	sessionID, err := uuid.Parse(raw)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", jobID).Msg("Invalid job payload, dropping")
		d.rdb.HDel(ctx, config.WorkerKey.ExpiryPayloads, jobID)
		return
	}

	if err := d.handler(ctx, sessionID); err != nil {
		d.log.Error().Err(err).
			Str("job_id", jobID).
			Str("session_id", sessionID.String()).
			Msg("Expiry handler failed, rescheduling")
		d.reschedule(ctx, jobID)
		return
	}

	d.rdb.HDel(ctx, config.WorkerKey.ExpiryPayloads, jobID)

	d.log.Info().
		Str("job_id", jobID).
		Str("session_id", sessionID.String()).
		Msg("Expiry job delivered")
}

// reschedule puts a claimed-but-unfinished job back on the schedule. The
// payload hash entry is still in place, so only the ZSET member is restored.
func (d *Dispatcher) reschedule(ctx context.Context, jobID string) {
	d.rdb.ZAdd(ctx, config.WorkerKey.ExpirySchedule, redis.Z{
		Score:  float64(time.Now().Add(retryDelay).UnixMilli()),
		Member: jobID,
	})
}
