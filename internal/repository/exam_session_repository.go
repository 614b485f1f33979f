package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/topikmate/topikmate-backend/internal/model"
)

// ExamSessionRepository handles exam session persistence. Sessions are never
// deleted; terminal transitions happen through the conditional Finalize write.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, user_id, exam_id, status, started_at, ends_at, answers, score, completed_at, scheduled_job_id`

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.UserID, &s.ExamID, &s.Status, &s.StartedAt, &s.EndsAt,
		&s.Answers, &s.Score, &s.CompletedAt, &s.ScheduledJobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by id, or nil if it does not exist.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetActive retrieves the IN_PROGRESS session for a user-exam pair, or nil.
// The partial unique index guarantees at most one such row.
func (r *ExamSessionRepository) GetActive(ctx context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE user_id = $1 AND exam_id = $2 AND status = $3`,
		userID, examID, model.SessionStatusInProgress))
}

// GetLatest retrieves the most recent session for a user-exam pair in any
// status, or nil if the user never started this exam.
func (r *ExamSessionRepository) GetLatest(ctx context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE user_id = $1 AND exam_id = $2
		 ORDER BY started_at DESC
		 LIMIT 1`, userID, examID))
}

// Create inserts a new IN_PROGRESS session. Returns false without error when a
// concurrent start already holds the active slot for this user-exam pair, so
// the caller can fall back to resuming the existing session.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO exam_sessions (id, user_id, exam_id, status, started_at, ends_at, answers)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, exam_id) WHERE status = 'IN_PROGRESS' DO NOTHING`,
		s.ID, s.UserID, s.ExamID, s.Status, s.StartedAt, s.EndsAt, s.Answers)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SaveAnswers replaces the answer sheet wholesale. The status predicate keeps
// a racing finalization from being overwritten; false means the session was no
// longer IN_PROGRESS.
func (r *ExamSessionRepository) SaveAnswers(ctx context.Context, id uuid.UUID, answers model.AnswerSheet) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET answers = $1
		 WHERE id = $2 AND status = $3`,
		answers, id, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetScheduledJob attaches the pending expiry job handle to a session.
func (r *ExamSessionRepository) SetScheduledJob(ctx context.Context, id uuid.UUID, jobID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET scheduled_job_id = $1 WHERE id = $2`, jobID, id)
	return err
}

// Finalize performs the one-time IN_PROGRESS → terminal transition as a single
// conditional write. Exactly one caller can win; the loser gets false and must
// treat the session as already finalized.
func (r *ExamSessionRepository) Finalize(ctx context.Context, id uuid.UUID, status model.SessionStatus, answers model.AnswerSheet, score float64, completedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, answers = $2, score = $3, completed_at = $4, scheduled_job_id = NULL
		 WHERE id = $5 AND status = $6`,
		status, answers, score, completedAt, id, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUser retrieves all sessions for a learner, newest first.
func (r *ExamSessionRepository) ListByUser(ctx context.Context, userID int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE user_id = $1
		 ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		var s model.ExamSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.ExamID, &s.Status, &s.StartedAt, &s.EndsAt,
			&s.Answers, &s.Score, &s.CompletedAt, &s.ScheduledJobID); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListOverdue returns ids of IN_PROGRESS sessions whose end time passed before
// the cutoff. Used by the sweeper to close sessions whose expiry job was lost.
func (r *ExamSessionRepository) ListOverdue(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id
		 FROM exam_sessions
		 WHERE status = $1 AND ends_at < $2
		 ORDER BY ends_at ASC
		 LIMIT $3`,
		model.SessionStatusInProgress, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
