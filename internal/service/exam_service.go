package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/topikmate/topikmate-backend/internal/config"
	"github.com/topikmate/topikmate-backend/internal/model"
	"github.com/topikmate/topikmate-backend/internal/repository"
)

// ErrExamNotFound is returned when the catalog has no exam for the given id.
var ErrExamNotFound = errors.New("exam not found")

// ExamService is the read side of the exam catalog, with a Redis read-through
// cache of full exam definitions so session scoring doesn't hit PostgreSQL on
// every expiry.
type ExamService struct {
	examRepo *repository.ExamRepository
	rdb      *redis.Client
	cfg      *config.Config
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(examRepo *repository.ExamRepository, rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *ExamService {
	return &ExamService{
		examRepo: examRepo,
		rdb:      rdb,
		cfg:      cfg,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// List returns the catalog listing.
func (s *ExamService) List(ctx context.Context) ([]model.ExamSummary, error) {
	return s.examRepo.ListSummaries(ctx)
}

// GetExam retrieves a full exam definition, answer key included. Cache hit
// path never touches PostgreSQL; a miss self-heals the cache.
func (s *ExamService) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamDefinitionKey(examID.String())

	raw, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		exam := &model.Exam{}
		if jsonErr := json.Unmarshal([]byte(raw), exam); jsonErr == nil {
			return exam, nil
		}
		// Corrupt cache entry. Fall through to the database and rewrite it.
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt exam cache entry")
	} else if !errors.Is(err, redis.Nil) {
		// Real Redis error. The catalog is still reachable through PostgreSQL.
		s.log.Warn().Err(err).Msg("Exam cache read failed")
	}

	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrExamNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	if err := s.warm(ctx, exam); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache write failed")
	}

	return exam, nil
}

// GetPaper returns the learner-facing view with the answer key stripped.
func (s *ExamService) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	questions := make([]model.QuestionForLearner, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		questions = append(questions, q.ForLearner())
	}

	return &model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		Level:           exam.Level,
		DurationMinutes: exam.DurationMinutes,
		Questions:       questions,
	}, nil
}

// PrewarmAllCaches loads every exam definition into Redis. Called at startup
// before traffic so the first wave of starts doesn't stampede PostgreSQL.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	ids, err := s.examRepo.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list exam ids: %w", err)
	}

	for _, id := range ids {
		exam, err := s.examRepo.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load exam %s: %w", id, err)
		}
		if err := s.warm(ctx, exam); err != nil {
			return fmt.Errorf("warm exam %s: %w", id, err)
		}
	}

	s.log.Info().Int("count", len(ids)).Msg("Exam cache prewarmed")
	return nil
}

func (s *ExamService) warm(ctx context.Context, exam *model.Exam) error {
	raw, err := json.Marshal(exam)
	if err != nil {
		return err
	}
	key := config.CacheKey.ExamDefinitionKey(exam.ID.String())
	return s.rdb.Set(ctx, key, raw, s.cfg.ExamCacheTTL).Err()
}
