package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/topikmate/topikmate-backend/internal/model"
	"github.com/topikmate/topikmate-backend/internal/scheduler"
)

// Session engine errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session already completed")
	ErrSessionExpired   = errors.New("session time limit has passed")
)

// ExamCatalog provides read-only exam definitions. Implemented by ExamService.
type ExamCatalog interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
}

// SessionStore is the persistence boundary for exam sessions. Lookups return
// nil (not an error) when no row matches. Finalize must be a single atomic
// conditional write on status, reporting whether this caller won the terminal
// transition.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetActive(ctx context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error)
	GetLatest(ctx context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error)
	Create(ctx context.Context, s *model.ExamSession) (bool, error)
	SaveAnswers(ctx context.Context, id uuid.UUID, answers model.AnswerSheet) (bool, error)
	SetScheduledJob(ctx context.Context, id uuid.UUID, jobID string) error
	Finalize(ctx context.Context, id uuid.UUID, status model.SessionStatus, answers model.AnswerSheet, score float64, completedAt time.Time) (bool, error)
	ListByUser(ctx context.Context, userID int) ([]model.ExamSession, error)
}

// ExamSessionService orchestrates the session lifecycle: start, answer
// autosave, manual submit and scheduler-driven auto-submit. The manual and
// scheduled finalization paths converge on the store's conditional Finalize
// write, so exactly one of them scores the session.
type ExamSessionService struct {
	store   SessionStore
	catalog ExamCatalog
	sched   scheduler.Scheduler
	log     zerolog.Logger
	now     func() time.Time
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(store SessionStore, catalog ExamCatalog, sched scheduler.Scheduler, log zerolog.Logger) *ExamSessionService {
	return &ExamSessionService{
		store:   store,
		catalog: catalog,
		sched:   sched,
		log:     log.With().Str("component", "exam_session_service").Logger(),
		now:     time.Now,
	}
}

// SessionView is the caller-facing projection of a session.
type SessionView struct {
	SessionID   uuid.UUID           `json:"session_id"`
	ExamID      uuid.UUID           `json:"exam_id"`
	Status      model.SessionStatus `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	EndsAt      time.Time           `json:"ends_at"`
	Answers     model.AnswerSheet   `json:"answers"`
	Score       *float64            `json:"score,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// StartResult is a SessionView plus the resume marker: true means the caller
// reconnected to an attempt that was already running.
type StartResult struct {
	SessionView
	Resuming bool `json:"resuming"`
}

// SubmitResult reports the outcome of a manual submission.
type SubmitResult struct {
	Score          float64   `json:"score"`
	TotalQuestions int       `json:"total_questions"`
	CompletedAt    time.Time `json:"completed_at"`
}

func viewOf(s *model.ExamSession) SessionView {
	answers := s.Answers
	if answers == nil {
		answers = model.AnswerSheet{}
	}
	return SessionView{
		SessionID:   s.ID,
		ExamID:      s.ExamID,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
		EndsAt:      s.EndsAt,
		Answers:     answers,
		Score:       s.Score,
		CompletedAt: s.CompletedAt,
	}
}

// StartExam begins (or resumes) a learner's attempt. Repeated or concurrent
// starts for the same user-exam pair converge on the single active session;
// the unique active slot in the store is what enforces that, not a lock here.
func (s *ExamSessionService) StartExam(ctx context.Context, userID int, examID uuid.UUID) (*StartResult, error) {
	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	if active, err := s.store.GetActive(ctx, userID, examID); err != nil {
		return nil, fmt.Errorf("lookup active session: %w", err)
	} else if active != nil {
		return &StartResult{SessionView: viewOf(active), Resuming: true}, nil
	}

	now := s.now()
	sess := &model.ExamSession{
		ID:        uuid.New(),
		UserID:    userID,
		ExamID:    examID,
		Status:    model.SessionStatusInProgress,
		StartedAt: now,
		EndsAt:    now.Add(exam.Duration()),
		Answers:   model.AnswerSheet{},
	}

	created, err := s.store.Create(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !created {
		// Lost a concurrent start. Resume the winner's session.
		active, err := s.store.GetActive(ctx, userID, examID)
		if err != nil {
			return nil, fmt.Errorf("concurrent start detected, but lookup failed: %w", err)
		}
		if active == nil {
			return nil, errors.New("concurrent start detected, but no active session found")
		}
		return &StartResult{SessionView: viewOf(active), Resuming: true}, nil
	}

	// Register the expiry job. If this fails the session is still valid: the
	// sweeper finalizes any overdue session whose job never made it out.
	jobID, err := s.sched.ScheduleAt(ctx, sess.EndsAt, sess.ID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Msg("Expiry job registration failed, sweeper will cover this session")
	} else {
		sess.ScheduledJobID = &jobID
		if err := s.store.SetScheduledJob(ctx, sess.ID, jobID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Persist job handle failed")
		}
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("exam_id", examID.String()).
		Int("user_id", userID).
		Time("ends_at", sess.EndsAt).
		Msg("Exam session started")

	return &StartResult{SessionView: viewOf(sess), Resuming: false}, nil
}

// GetSession returns the learner's most recent session for an exam, or nil if
// they never started it.
func (s *ExamSessionService) GetSession(ctx context.Context, userID int, examID uuid.UUID) (*SessionView, error) {
	sess, err := s.store.GetLatest(ctx, userID, examID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	view := viewOf(sess)
	return &view, nil
}

// ListByUser returns the learner's full attempt history, newest first.
func (s *ExamSessionService) ListByUser(ctx context.Context, userID int) ([]SessionView, error) {
	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	views := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		views = append(views, viewOf(&sessions[i]))
	}
	return views, nil
}

// UpdateAnswers replaces the stored answer sheet wholesale (last write wins).
// Rejected once the wall clock passes the session's end time, even if the
// expiry job hasn't fired yet: a slow client cannot sneak in late changes.
func (s *ExamSessionService) UpdateAnswers(ctx context.Context, userID int, sessionID uuid.UUID, answers model.AnswerSheet) error {
	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return err
	}

	if sess.Status.Terminal() {
		return ErrSessionCompleted
	}
	if s.now().After(sess.EndsAt) {
		return ErrSessionExpired
	}

	saved, err := s.store.SaveAnswers(ctx, sessionID, answers)
	if err != nil {
		return fmt.Errorf("save answers: %w", err)
	}
	if !saved {
		// Finalized between our status check and the write.
		return ErrSessionCompleted
	}
	return nil
}

// SubmitExam finalizes the session with the supplied answers. Submission is
// accepted after the end time as long as the expiry path hasn't finalized the
// session first: a client mid-submit when the clock runs out still lands.
func (s *ExamSessionService) SubmitExam(ctx context.Context, userID int, sessionID uuid.UUID, answers model.AnswerSheet) (*SubmitResult, error) {
	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status.Terminal() {
		return nil, ErrSessionCompleted
	}

	exam, err := s.catalog.GetExam(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load exam for scoring: %w", err)
	}

	score := scoreAnswers(exam.Questions, answers)
	completedAt := s.now()

	won, err := s.store.Finalize(ctx, sessionID, model.SessionStatusCompleted, answers, score, completedAt)
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	if !won {
		// Auto-submit landed first.
		return nil, ErrSessionCompleted
	}

	if sess.ScheduledJobID != nil {
		if err := s.sched.Cancel(ctx, *sess.ScheduledJobID); err != nil {
			// Harmless: a stray firing hits a terminal session and no-ops.
			s.log.Debug().Err(err).Str("session_id", sessionID.String()).Msg("Expiry job cancel failed")
		}
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Float64("score", score).
		Msg("Exam submitted")

	return &SubmitResult{
		Score:          score,
		TotalQuestions: len(exam.Questions),
		CompletedAt:    completedAt,
	}, nil
}

// ExpireSession is the scheduler-invoked finalization path. It is a no-op for
// missing or already-finalized sessions, which makes scheduler redelivery and
// the manual-submit race safe to attempt redundantly.
func (s *ExamSessionService) ExpireSession(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil || sess.Status.Terminal() {
		return nil
	}

	exam, err := s.catalog.GetExam(ctx, sess.ExamID)
	if err != nil {
		return fmt.Errorf("load exam for scoring: %w", err)
	}

	// Score whatever was last persisted. In-flight keystrokes the client
	// never saved are not included.
	score := scoreAnswers(exam.Questions, sess.Answers)

	won, err := s.store.Finalize(ctx, sessionID, model.SessionStatusAutoSubmitted, sess.Answers, score, s.now())
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if !won {
		return nil
	}

	s.log.Info().
		Str("session_id", sessionID.String()).
		Float64("score", score).
		Msg("Exam session auto-submitted")

	return nil
}

// loadOwned fetches a session and checks caller ownership. Foreign sessions
// are reported as not found so session ids can't be probed.
func (s *ExamSessionService) loadOwned(ctx context.Context, userID int, sessionID uuid.UUID) (*model.ExamSession, error) {
	sess, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if sess == nil || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// scoreAnswers sums each question's weight where the selected option matches.
// Unanswered questions and answer keys that reference no question contribute
// nothing.
func scoreAnswers(questions []model.Question, answers model.AnswerSheet) float64 {
	var score float64
	for _, q := range questions {
		if selected, ok := answers.Get(q.Number); ok && selected == q.CorrectOption {
			score += q.ScoreWeight
		}
	}
	return score
}
