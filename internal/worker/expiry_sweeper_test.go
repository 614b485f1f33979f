package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type stubLister struct {
	ids     []uuid.UUID
	err     error
	cutoffs []time.Time
	limits  []int
}

func (s *stubLister) ListOverdue(_ context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.cutoffs = append(s.cutoffs, before)
	s.limits = append(s.limits, limit)
	return s.ids, s.err
}

type stubExpirer struct {
	expired []uuid.UUID
	failFor map[uuid.UUID]error
}

func (s *stubExpirer) ExpireSession(_ context.Context, sessionID uuid.UUID) error {
	if err, ok := s.failFor[sessionID]; ok {
		return err
	}
	s.expired = append(s.expired, sessionID)
	return nil
}

func TestSweepFinalizesOverdueSessions(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	lister := &stubLister{ids: ids}
	expirer := &stubExpirer{}

	sweeper := NewExpirySweeper(lister, expirer, time.Minute, 15*time.Second, zerolog.Nop())
	sweeper.sweep(context.Background())

	if len(expirer.expired) != len(ids) {
		t.Fatalf("expired %d sessions, want %d", len(expirer.expired), len(ids))
	}
	for i, id := range ids {
		if expirer.expired[i] != id {
			t.Errorf("expired[%d] = %s, want %s", i, expirer.expired[i], id)
		}
	}
	if lister.limits[0] != SweepBatchSize {
		t.Errorf("limit = %d, want %d", lister.limits[0], SweepBatchSize)
	}
}

func TestSweepCutoffHonorsGrace(t *testing.T) {
	lister := &stubLister{}
	grace := 15 * time.Second

	sweeper := NewExpirySweeper(lister, &stubExpirer{}, time.Minute, grace, zerolog.Nop())

	before := time.Now().Add(-grace)
	sweeper.sweep(context.Background())
	after := time.Now().Add(-grace)

	cutoff := lister.cutoffs[0]
	if cutoff.Before(before) || cutoff.After(after) {
		t.Errorf("cutoff = %v, want now minus grace (between %v and %v)", cutoff, before, after)
	}
}

func TestSweepContinuesPastFailedSession(t *testing.T) {
	good1, bad, good2 := uuid.New(), uuid.New(), uuid.New()
	lister := &stubLister{ids: []uuid.UUID{good1, bad, good2}}
	expirer := &stubExpirer{failFor: map[uuid.UUID]error{bad: errors.New("db down")}}

	sweeper := NewExpirySweeper(lister, expirer, time.Minute, 15*time.Second, zerolog.Nop())
	sweeper.sweep(context.Background())

	if len(expirer.expired) != 2 || expirer.expired[0] != good1 || expirer.expired[1] != good2 {
		t.Errorf("expired = %v, want [%s %s]", expirer.expired, good1, good2)
	}
}

func TestSweepListFailureIsNonFatal(t *testing.T) {
	lister := &stubLister{err: errors.New("db down")}
	expirer := &stubExpirer{}

	sweeper := NewExpirySweeper(lister, expirer, time.Minute, 15*time.Second, zerolog.Nop())
	sweeper.sweep(context.Background())

	if len(expirer.expired) != 0 {
		t.Errorf("expired %d sessions after list failure, want 0", len(expirer.expired))
	}
}
