package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is a mock exam definition from the catalog. The session engine never
// mutates exams; they are authored out of band and only read here.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Level           string     `json:"level"`
	DurationMinutes int        `json:"duration_minutes"`
	Questions       []Question `json:"questions,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Duration returns the exam's time limit as a time.Duration.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// ExamSummary is the catalog listing entry shown to learners.
type ExamSummary struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	Level           string    `json:"level"`
	DurationMinutes int       `json:"duration_minutes"`
	QuestionCount   int       `json:"question_count"`
}

// ExamPaper is the learner-facing view of an exam: questions without the
// correct option or score weight.
type ExamPaper struct {
	ExamID          uuid.UUID            `json:"exam_id"`
	Title           string               `json:"title"`
	Level           string               `json:"level"`
	DurationMinutes int                  `json:"duration_minutes"`
	Questions       []QuestionForLearner `json:"questions"`
}
