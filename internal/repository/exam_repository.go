package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/topikmate/topikmate-backend/internal/model"
)

// ErrExamNotFound is returned when no exam exists for a given id.
var ErrExamNotFound = errors.New("exam not found")

// ExamRepository handles read-only access to the exam catalog.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam with its full question set. Questions come back
// ordered by number regardless of insertion order.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, level, duration_minutes, created_at
		 FROM exams
		 WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Level, &e.DurationMinutes, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, err
	}

	questions, err := r.listQuestions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Questions = questions

	return e, nil
}

func (r *ExamRepository) listQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT number, prompt, options, correct_option, score_weight
		 FROM exam_questions
		 WHERE exam_id = $1
		 ORDER BY number ASC`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.Number, &q.Prompt, &q.Options, &q.CorrectOption, &q.ScoreWeight); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListSummaries retrieves the catalog listing with question counts.
func (r *ExamRepository) ListSummaries(ctx context.Context) ([]model.ExamSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT e.id, e.title, e.level, e.duration_minutes, COUNT(q.number)
		 FROM exams e
		 LEFT JOIN exam_questions q ON q.exam_id = e.id
		 GROUP BY e.id
		 ORDER BY e.level ASC, e.title ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []model.ExamSummary
	for rows.Next() {
		var s model.ExamSummary
		if err := rows.Scan(&s.ID, &s.Title, &s.Level, &s.DurationMinutes, &s.QuestionCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListIDs returns every exam id, used to prewarm the definition cache.
func (r *ExamRepository) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams`)
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
