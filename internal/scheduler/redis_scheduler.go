package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/topikmate/topikmate-backend/internal/config"
)

// RedisScheduler stores pending expiry jobs in a Redis sorted set scored by
// fire time (unix milliseconds), with the session payload in a companion hash.
// Both structures survive process restarts.
type RedisScheduler struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisScheduler creates a new RedisScheduler.
func NewRedisScheduler(rdb *redis.Client, log zerolog.Logger) *RedisScheduler {
	return &RedisScheduler{
		rdb: rdb,
		log: log.With().Str("component", "redis_scheduler").Logger(),
	}
}

// ScheduleAt registers an expiry job for the session.
func (s *RedisScheduler) ScheduleAt(ctx context.Context, fireAt time.Time, sessionID uuid.UUID) (string, error) {
	jobID := uuid.New().String()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, config.WorkerKey.ExpiryPayloads, jobID, sessionID.String())
	pipe.ZAdd(ctx, config.WorkerKey.ExpirySchedule, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: jobID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("schedule expiry job: %w", err)
	}

	s.log.Debug().
		Str("job_id", jobID).
		Str("session_id", sessionID.String()).
		Time("fire_at", fireAt).
		Msg("Expiry job scheduled")

	return jobID, nil
}

// Cancel removes a pending job. A job that already fired is simply gone from
// both structures, so cancellation quietly does nothing.
func (s *RedisScheduler) Cancel(ctx context.Context, jobID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, config.WorkerKey.ExpirySchedule, jobID)
	pipe.HDel(ctx, config.WorkerKey.ExpiryPayloads, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel expiry job: %w", err)
	}
	return nil
}
