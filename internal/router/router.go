package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/topikmate/topikmate-backend/internal/config"
	"github.com/topikmate/topikmate-backend/internal/handler"
	"github.com/topikmate/topikmate-backend/internal/middleware"
	"github.com/topikmate/topikmate-backend/internal/response"
	"github.com/topikmate/topikmate-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Exam    *handler.ExamHandler
	Session *handler.SessionHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Auth Group ─────────────────────────────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/login", handlers.Auth.Login)
		auth.POST("/logout", middleware.RequireUserJWT(authService), handlers.Auth.Logout)
		auth.GET("/me", middleware.RequireUserJWT(authService), handlers.Auth.Me)
	}

	// ─── 2. Learner Group (JWT + live login session) ───────────────────
	learnAPI := router.Group("/api/v1/learn")
	learnAPI.Use(
		middleware.RequireUserJWT(authService),
		middleware.CheckLoginSession(authService),
	)
	{
		learnAPI.GET("/exams", handlers.Exam.ListExams)
		learnAPI.GET("/exams/:exam_id/paper", handlers.Exam.GetExamPaper)

		learnAPI.POST("/exams/:exam_id/start", handlers.Session.StartExam)
		learnAPI.GET("/exams/:exam_id/session", handlers.Session.GetSession)

		learnAPI.GET("/sessions", handlers.Session.ListSessions)
		learnAPI.PUT("/sessions/:session_id/answers", handlers.Session.UpdateAnswers)
		learnAPI.POST("/sessions/:session_id/submit", handlers.Session.SubmitExam)
	}

	return router
}
