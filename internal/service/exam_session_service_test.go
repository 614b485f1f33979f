package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/topikmate/topikmate-backend/internal/model"
)

// ---------------- In-memory fakes for SessionStore, ExamCatalog, Scheduler ----------------

type fakeCatalog struct {
	exams map[uuid.UUID]*model.Exam
}

func (c *fakeCatalog) GetExam(_ context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, ok := c.exams[examID]
	if !ok {
		return nil, ErrExamNotFound
	}
	return exam, nil
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.ExamSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[uuid.UUID]*model.ExamSession{}}
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) GetActive(_ context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(userID, examID), nil
}

func (s *fakeStore) activeLocked(userID int, examID uuid.UUID) *model.ExamSession {
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.ExamID == examID && sess.Status == model.SessionStatusInProgress {
			cp := *sess
			return &cp
		}
	}
	return nil
}

func (s *fakeStore) GetLatest(_ context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.ExamSession
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.ExamID != examID {
			continue
		}
		if latest == nil || sess.StartedAt.After(latest.StartedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *fakeStore) Create(_ context.Context, sess *model.ExamSession) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(sess.UserID, sess.ExamID) != nil {
		return false, nil
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return true, nil
}

func (s *fakeStore) SaveAnswers(_ context.Context, id uuid.UUID, answers model.AnswerSheet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != model.SessionStatusInProgress {
		return false, nil
	}
	sess.Answers = answers
	return true, nil
}

func (s *fakeStore) SetScheduledJob(_ context.Context, id uuid.UUID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.ScheduledJobID = &jobID
	}
	return nil
}

func (s *fakeStore) Finalize(_ context.Context, id uuid.UUID, status model.SessionStatus, answers model.AnswerSheet, score float64, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != model.SessionStatusInProgress {
		return false, nil
	}
	sess.Status = status
	sess.Answers = answers
	sess.Score = &score
	sess.CompletedAt = &completedAt
	sess.ScheduledJobID = nil
	return true, nil
}

func (s *fakeStore) ListByUser(_ context.Context, userID int) ([]model.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExamSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

type scheduledJob struct {
	jobID     string
	sessionID uuid.UUID
	fireAt    time.Time
}

type fakeScheduler struct {
	mu           sync.Mutex
	jobs         []scheduledJob
	cancelled    []string
	failSchedule bool
	failCancel   bool
}

func (f *fakeScheduler) ScheduleAt(_ context.Context, fireAt time.Time, sessionID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSchedule {
		return "", errors.New("scheduler unavailable")
	}
	jobID := uuid.New().String()
	f.jobs = append(f.jobs, scheduledJob{jobID: jobID, sessionID: sessionID, fireAt: fireAt})
	return jobID, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancel {
		return errors.New("job already fired")
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

// ---------------- Harness ----------------

type fixture struct {
	svc     *ExamSessionService
	store   *fakeStore
	catalog *fakeCatalog
	sched   *fakeScheduler
	now     time.Time
	examID  uuid.UUID
}

// Two questions: #1 worth 2 points (correct option 0), #2 worth 3 (correct 1).
func newFixture(t *testing.T) *fixture {
	t.Helper()

	examID := uuid.New()
	f := &fixture{
		store: newFakeStore(),
		catalog: &fakeCatalog{exams: map[uuid.UUID]*model.Exam{
			examID: {
				ID:              examID,
				Title:           "TOPIK I Mock Exam 1",
				Level:           "TOPIK I",
				DurationMinutes: 1,
				Questions: []model.Question{
					{Number: 1, Prompt: "…", Options: []string{"가", "나", "다", "라"}, CorrectOption: 0, ScoreWeight: 2},
					{Number: 2, Prompt: "…", Options: []string{"가", "나", "다", "라"}, CorrectOption: 1, ScoreWeight: 3},
				},
			},
		}},
		sched:  &fakeScheduler{},
		now:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		examID: examID,
	}
	f.svc = NewExamSessionService(f.store, f.catalog, f.sched, zerolog.Nop())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

const userID = 42

// ---------------- StartExam ----------------

func TestStartExamUnknownExam(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartExam(context.Background(), userID, uuid.New())
	if !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("expected ErrExamNotFound, got %v", err)
	}
}

func TestStartExamCreatesSessionAndSchedulesExpiry(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.StartExam(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("StartExam: %v", err)
	}
	if result.Resuming {
		t.Error("fresh start reported resuming=true")
	}
	if result.Status != model.SessionStatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", result.Status)
	}
	if len(result.Answers) != 0 {
		t.Errorf("fresh session has %d answers, want 0", len(result.Answers))
	}

	wantEnd := f.now.Add(time.Minute)
	if !result.EndsAt.Equal(wantEnd) {
		t.Errorf("ends_at = %v, want start + 1m = %v", result.EndsAt, wantEnd)
	}

	if len(f.sched.jobs) != 1 {
		t.Fatalf("scheduled %d jobs, want 1", len(f.sched.jobs))
	}
	job := f.sched.jobs[0]
	if job.sessionID != result.SessionID || !job.fireAt.Equal(wantEnd) {
		t.Errorf("job = %+v, want session %s firing at %v", job, result.SessionID, wantEnd)
	}

	stored, _ := f.store.GetByID(context.Background(), result.SessionID)
	if stored.ScheduledJobID == nil || *stored.ScheduledJobID != job.jobID {
		t.Error("job handle not persisted on session")
	}
}

func TestStartExamIdempotentResume(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.StartExam(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("first StartExam: %v", err)
	}

	f.advance(10 * time.Second)

	second, err := f.svc.StartExam(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("second StartExam: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("second start created a new session %s, want %s", second.SessionID, first.SessionID)
	}
	if !second.Resuming {
		t.Error("second start reported resuming=false")
	}
	if !second.EndsAt.Equal(first.EndsAt) {
		t.Error("resume recomputed the end time")
	}
	if len(f.sched.jobs) != 1 {
		t.Errorf("resume scheduled an extra expiry job (%d total)", len(f.sched.jobs))
	}
}

func TestStartExamLostCreateRaceResumesWinner(t *testing.T) {
	f := newFixture(t)

	// Simulate the winner landing between our GetActive miss and Create.
	winner := &model.ExamSession{
		ID:        uuid.New(),
		UserID:    userID,
		ExamID:    f.examID,
		Status:    model.SessionStatusInProgress,
		StartedAt: f.now.Add(-2 * time.Second),
		EndsAt:    f.now.Add(58 * time.Second),
		Answers:   model.AnswerSheet{},
	}

	calls := 0
	f.svc.store = &raceStore{fakeStore: f.store, onGetActive: func() {
		calls++
		if calls == 1 {
			f.store.sessions[winner.ID] = winner
		}
	}}

	result, err := f.svc.StartExam(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("StartExam: %v", err)
	}
	if result.SessionID != winner.ID || !result.Resuming {
		t.Errorf("lost race should resume winner session, got %+v", result)
	}
}

// raceStore injects a hook after each GetActive call.
type raceStore struct {
	*fakeStore
	onGetActive func()
}

func (r *raceStore) GetActive(ctx context.Context, userID int, examID uuid.UUID) (*model.ExamSession, error) {
	sess, err := r.fakeStore.GetActive(ctx, userID, examID)
	r.onGetActive()
	return sess, err
}

func TestStartExamSurvivesScheduleFailure(t *testing.T) {
	f := newFixture(t)
	f.sched.failSchedule = true

	result, err := f.svc.StartExam(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("StartExam should not fail when scheduling fails: %v", err)
	}

	stored, _ := f.store.GetByID(context.Background(), result.SessionID)
	if stored == nil || stored.Status != model.SessionStatusInProgress {
		t.Fatal("session was not created")
	}
	if stored.ScheduledJobID != nil {
		t.Error("session holds a job handle although scheduling failed")
	}
}

// ---------------- UpdateAnswers ----------------

func TestUpdateAnswersReplacesWholesale(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	ctx := context.Background()
	if err := f.svc.UpdateAnswers(ctx, userID, result.SessionID, model.AnswerSheet{"1": 0, "2": 2}); err != nil {
		t.Fatalf("first UpdateAnswers: %v", err)
	}
	// Second snapshot drops question 2: last write wins, no merge.
	if err := f.svc.UpdateAnswers(ctx, userID, result.SessionID, model.AnswerSheet{"1": 3}); err != nil {
		t.Fatalf("second UpdateAnswers: %v", err)
	}

	stored, _ := f.store.GetByID(ctx, result.SessionID)
	if len(stored.Answers) != 1 || stored.Answers["1"] != 3 {
		t.Errorf("answers = %v, want wholesale replacement {1:3}", stored.Answers)
	}
}

func TestUpdateAnswersUnknownSession(t *testing.T) {
	f := newFixture(t)

	err := f.svc.UpdateAnswers(context.Background(), userID, uuid.New(), model.AnswerSheet{"1": 0})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestUpdateAnswersForeignSessionHidden(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	err := f.svc.UpdateAnswers(context.Background(), userID+1, result.SessionID, model.AnswerSheet{"1": 0})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign session should look like not-found, got %v", err)
	}
}

func TestUpdateAnswersAfterFinalization(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	ctx := context.Background()
	if _, err := f.svc.SubmitExam(ctx, userID, result.SessionID, model.AnswerSheet{"1": 0}); err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}

	err := f.svc.UpdateAnswers(ctx, userID, result.SessionID, model.AnswerSheet{"1": 1})
	if !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("expected ErrSessionCompleted, got %v", err)
	}
}

func TestUpdateAnswersAfterDeadline(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	// Past the end time but before the expiry job fired: mutation is blocked
	// on the wall clock alone.
	f.advance(time.Minute + time.Second)

	err := f.svc.UpdateAnswers(context.Background(), userID, result.SessionID, model.AnswerSheet{"1": 0})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

// ---------------- SubmitExam ----------------

func TestSubmitExamScoring(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	// Question 1 correct (weight 2), question 2 wrong: score 2.
	got, err := f.svc.SubmitExam(context.Background(), userID, result.SessionID, model.AnswerSheet{"1": 0, "2": 2})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if got.Score != 2 {
		t.Errorf("score = %v, want 2", got.Score)
	}
	if got.TotalQuestions != 2 {
		t.Errorf("total_questions = %d, want 2", got.TotalQuestions)
	}
	if !got.CompletedAt.Equal(f.now) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, f.now)
	}

	stored, _ := f.store.GetByID(context.Background(), result.SessionID)
	if stored.Status != model.SessionStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", stored.Status)
	}
}

func TestSubmitExamIgnoresUnknownQuestionNumbers(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	got, err := f.svc.SubmitExam(context.Background(), userID, result.SessionID, model.AnswerSheet{"1": 0, "2": 1, "99": 0})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if got.Score != 5 {
		t.Errorf("score = %v, want 5 (unknown question number contributes 0)", got.Score)
	}
}

func TestSubmitExamAcceptedAfterDeadline(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	// The clock ran out but the expiry job hasn't fired: the in-flight
	// submission still lands.
	f.advance(time.Minute + 30*time.Second)

	got, err := f.svc.SubmitExam(context.Background(), userID, result.SessionID, model.AnswerSheet{"1": 0, "2": 1})
	if err != nil {
		t.Fatalf("late SubmitExam should succeed while IN_PROGRESS: %v", err)
	}
	if got.Score != 5 {
		t.Errorf("score = %v, want 5", got.Score)
	}
}

func TestSubmitExamCancelsExpiryJob(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	if _, err := f.svc.SubmitExam(context.Background(), userID, result.SessionID, model.AnswerSheet{}); err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}
	if len(f.sched.cancelled) != 1 || f.sched.cancelled[0] != f.sched.jobs[0].jobID {
		t.Errorf("cancelled = %v, want [%s]", f.sched.cancelled, f.sched.jobs[0].jobID)
	}
}

func TestSubmitExamSwallowsCancelFailure(t *testing.T) {
	f := newFixture(t)
	f.sched.failCancel = true
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	if _, err := f.svc.SubmitExam(context.Background(), userID, result.SessionID, model.AnswerSheet{}); err != nil {
		t.Fatalf("cancel failure must not surface to the caller: %v", err)
	}
}

// ---------------- ExpireSession & finalization race ----------------

func TestExpireSessionUnknownIsNoOp(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.ExpireSession(context.Background(), uuid.New()); err != nil {
		t.Fatalf("expiring a missing session must be a no-op: %v", err)
	}
}

func TestSubmitThenExpireFinalizesOnce(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	ctx := context.Background()
	got, err := f.svc.SubmitExam(ctx, userID, result.SessionID, model.AnswerSheet{"1": 0, "2": 1})
	if err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}

	f.advance(2 * time.Minute)
	if err := f.svc.ExpireSession(ctx, result.SessionID); err != nil {
		t.Fatalf("redundant ExpireSession: %v", err)
	}

	stored, _ := f.store.GetByID(ctx, result.SessionID)
	if stored.Status != model.SessionStatusCompleted {
		t.Errorf("expiry after submit changed status to %s", stored.Status)
	}
	if *stored.Score != got.Score {
		t.Errorf("expiry after submit changed score to %v", *stored.Score)
	}
	if !stored.CompletedAt.Equal(got.CompletedAt) {
		t.Errorf("expiry after submit changed completed_at to %v", *stored.CompletedAt)
	}
}

func TestExpireThenSubmitConflicts(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	ctx := context.Background()
	if err := f.svc.UpdateAnswers(ctx, userID, result.SessionID, model.AnswerSheet{"2": 1}); err != nil {
		t.Fatalf("UpdateAnswers: %v", err)
	}

	f.advance(time.Minute)
	if err := f.svc.ExpireSession(ctx, result.SessionID); err != nil {
		t.Fatalf("ExpireSession: %v", err)
	}

	_, err := f.svc.SubmitExam(ctx, userID, result.SessionID, model.AnswerSheet{"1": 0, "2": 1})
	if !errors.Is(err, ErrSessionCompleted) {
		t.Fatalf("submit after auto-submit should conflict, got %v", err)
	}

	// The auto-submitted score stands: only the persisted {2:1} counts.
	stored, _ := f.store.GetByID(ctx, result.SessionID)
	if stored.Status != model.SessionStatusAutoSubmitted {
		t.Errorf("status = %s, want AUTO_SUBMITTED", stored.Status)
	}
	if *stored.Score != 3 {
		t.Errorf("score = %v, want 3 from persisted answers", *stored.Score)
	}
}

func TestExpiryScoresLastPersistedAnswers(t *testing.T) {
	f := newFixture(t)

	// T0: start a 1-minute exam.
	result, err := f.svc.StartExam(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("StartExam: %v", err)
	}

	// T0+10s: the client autosaves {1:0}.
	f.advance(10 * time.Second)
	ctx := context.Background()
	if err := f.svc.UpdateAnswers(ctx, userID, result.SessionID, model.AnswerSheet{"1": 0}); err != nil {
		t.Fatalf("UpdateAnswers: %v", err)
	}

	// T0+60s: no further client action; the scheduler fires.
	f.advance(50 * time.Second)
	if err := f.svc.ExpireSession(ctx, result.SessionID); err != nil {
		t.Fatalf("ExpireSession: %v", err)
	}

	stored, _ := f.store.GetByID(ctx, result.SessionID)
	if stored.Status != model.SessionStatusAutoSubmitted {
		t.Errorf("status = %s, want AUTO_SUBMITTED", stored.Status)
	}
	if stored.Score == nil || *stored.Score != 2 {
		t.Errorf("score = %v, want 2 computed from the saved {1:0} only", stored.Score)
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(f.now) {
		t.Errorf("completed_at = %v, want expiry time %v", stored.CompletedAt, f.now)
	}
}

func TestExpireSessionRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	result, _ := f.svc.StartExam(context.Background(), userID, f.examID)

	ctx := context.Background()
	f.advance(time.Minute)
	if err := f.svc.ExpireSession(ctx, result.SessionID); err != nil {
		t.Fatalf("first ExpireSession: %v", err)
	}

	first, _ := f.store.GetByID(ctx, result.SessionID)

	f.advance(time.Minute)
	if err := f.svc.ExpireSession(ctx, result.SessionID); err != nil {
		t.Fatalf("redelivered ExpireSession: %v", err)
	}

	second, _ := f.store.GetByID(ctx, result.SessionID)
	if !second.CompletedAt.Equal(*first.CompletedAt) || *second.Score != *first.Score {
		t.Error("redelivery altered the finalized session")
	}
}

// ---------------- GetSession ----------------

func TestGetSessionNoneIsNil(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.GetSession(context.Background(), userID, f.examID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if view != nil {
		t.Errorf("expected nil view, got %+v", view)
	}
}

func TestGetSessionReturnsLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.svc.StartExam(ctx, userID, f.examID)
	if _, err := f.svc.SubmitExam(ctx, userID, first.SessionID, model.AnswerSheet{"1": 0}); err != nil {
		t.Fatalf("SubmitExam: %v", err)
	}

	// A finished attempt doesn't block a new one; latest should be the new one.
	f.advance(time.Hour)
	second, _ := f.svc.StartExam(ctx, userID, f.examID)
	if second.Resuming {
		t.Fatal("start after a finished attempt should be fresh")
	}

	view, err := f.svc.GetSession(ctx, userID, f.examID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if view.SessionID != second.SessionID {
		t.Errorf("latest session = %s, want %s", view.SessionID, second.SessionID)
	}
}
