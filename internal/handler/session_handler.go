package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/topikmate/topikmate-backend/internal/middleware"
	"github.com/topikmate/topikmate-backend/internal/model"
	"github.com/topikmate/topikmate-backend/internal/response"
	"github.com/topikmate/topikmate-backend/internal/service"
	"github.com/topikmate/topikmate-backend/internal/validator"
)

// SessionHandler handles exam session lifecycle endpoints.
type SessionHandler struct {
	sessionService *service.ExamSessionService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.ExamSessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// StartExam godoc
// POST /api/v1/learn/exams/:exam_id/start
// Starts an attempt, or resumes the running one (resuming=true). Safe to call
// repeatedly: a refresh or reconnect never spawns a second timer.
func (h *SessionHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	result, err := h.sessionService.StartExam(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	status := http.StatusCreated
	if result.Resuming {
		status = http.StatusOK
	}
	response.Success(c, status, result)
}

// GetSession godoc
// GET /api/v1/learn/exams/:exam_id/session
// Returns the learner's most recent session for this exam, or null.
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	view, err := h.sessionService.GetSession(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session": view})
}

// ListSessions godoc
// GET /api/v1/learn/sessions
// Returns the learner's attempt history, newest first.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	views, err := h.sessionService.ListByUser(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": views})
}

// UpdateAnswers godoc
// PUT /api/v1/learn/sessions/:session_id/answers
// Replaces the saved answer sheet (client sends the full set each time).
func (h *SessionHandler) UpdateAnswers(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.UpdateAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.sessionService.UpdateAnswers(c.Request.Context(), claims.UserID, sessionID, req.Answers); err != nil {
		failSessionError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"saved": true})
}

// SubmitExam godoc
// POST /api/v1/learn/sessions/:session_id/submit
// Finalizes and scores the session. Accepted after the deadline as long as
// auto-submit hasn't landed first.
func (h *SessionHandler) SubmitExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.sessionService.SubmitExam(c.Request.Context(), claims.UserID, sessionID, req.Answers)
	if err != nil {
		failSessionError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// failSessionError maps session engine errors onto the response taxonomy.
func failSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotFound)
	case errors.Is(err, service.ErrSessionCompleted):
		response.Fail(c, http.StatusConflict, response.ErrSessionCompleted)
	case errors.Is(err, service.ErrSessionExpired):
		response.Fail(c, http.StatusGone, response.ErrSessionExpired)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
