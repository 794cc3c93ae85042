package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/handler"
	"github.com/proctorly/proctorly-backend/internal/middleware"
	"github.com/proctorly/proctorly-backend/internal/response"
	"github.com/proctorly/proctorly-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	Monitor *handler.MonitorHandler
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Exam papers compress well; everything else is small enough that the
	// middleware passes it through.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Violation reports can arrive in bursts from detectors; cap per IP.
	violationLimiter := middleware.NewRateLimiter(cfg.ViolationRatePerMinute, time.Minute)

	// ─── Student Group (JWT) ───────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.POST("/attempts/start", handlers.Attempt.StartAttempt)
		studentAPI.GET("/attempts/active", handlers.Attempt.GetActiveAttempt)
		studentAPI.GET("/attempts/:attempt_id/state", handlers.Attempt.GetAttemptState)
		studentAPI.PUT("/attempts/:attempt_id/answer", handlers.Attempt.UpsertAnswer)
		studentAPI.POST("/attempts/:attempt_id/violation",
			violationLimiter.Middleware(),
			handlers.Attempt.RecordViolation,
		)
		studentAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
	}

	// ─── Proctor WebSocket Group ───────────────────────────────────────
	ws := router.Group("/ws/v1/proctor")
	ws.Use(middleware.RequireProctorWSAuth(authService))
	{
		ws.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamStream)
	}

	return router
}
