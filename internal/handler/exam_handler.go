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
)

// ExamHandler handles catalog-facing endpoints (exam list, paper download).
type ExamHandler struct {
	examService    *service.ExamService
	sessionService *service.ExamSessionService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService, sessionService *service.ExamSessionService) *ExamHandler {
	return &ExamHandler{
		examService:    examService,
		sessionService: sessionService,
	}
}

// ListExams godoc
// GET /api/v1/learn/exams
func (h *ExamHandler) ListExams(c *gin.Context) {
	exams, err := h.examService.List(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if exams == nil {
		exams = []model.ExamSummary{}
	}
	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// GetExamPaper godoc
// GET /api/v1/learn/exams/:exam_id/paper
// Returns the question set without the answer key. Requires an IN_PROGRESS
// session, so learners cannot download papers for exams they haven't started.
func (h *ExamHandler) GetExamPaper(c *gin.Context) {
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
	if view == nil || view.Status.Terminal() {
		response.Fail(c, http.StatusForbidden, response.ErrNoActiveSession)
		return
	}

	paper, err := h.examService.GetPaper(c.Request.Context(), examID)
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, paper)
}
