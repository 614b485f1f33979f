package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states. IN_PROGRESS is the only
// non-terminal state; COMPLETED and AUTO_SUBMITTED are mutually exclusive
// terminal outcomes.
type SessionStatus string

const (
	SessionStatusInProgress    SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted     SessionStatus = "COMPLETED"
	SessionStatusAutoSubmitted SessionStatus = "AUTO_SUBMITTED"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAutoSubmitted
}

// AnswerSheet maps a question number (as a decimal string, matching JSON
// object keys) to the selected option index.
type AnswerSheet map[string]int

// Get returns the selected option for a question number.
func (a AnswerSheet) Get(number int) (int, bool) {
	v, ok := a[strconv.Itoa(number)]
	return v, ok
}

// ExamSession is one learner's attempt at one exam, bounded by a fixed
// start/end time. EndsAt is computed at creation and never recomputed.
type ExamSession struct {
	ID             uuid.UUID     `json:"id"`
	UserID         int           `json:"user_id"`
	ExamID         uuid.UUID     `json:"exam_id"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndsAt         time.Time     `json:"ends_at"`
	Answers        AnswerSheet   `json:"answers"`
	Score          *float64      `json:"score,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ScheduledJobID *string       `json:"-"`
}

// UpdateAnswersRequest replaces the stored answer sheet wholesale.
type UpdateAnswersRequest struct {
	Answers AnswerSheet `json:"answers" binding:"required"`
}

// SubmitExamRequest carries the final answer sheet for manual submission.
type SubmitExamRequest struct {
	Answers AnswerSheet `json:"answers" binding:"required"`
}
