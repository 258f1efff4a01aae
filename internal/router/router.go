package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const exportPath = "/api/v1/admin/attempts/export"

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Exam    *handler.ExamHandler
	WS      *handler.WSHandler
	Attempt *handler.AttemptHandler
	Setting *handler.SettingHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// Limiters holds the rate limiters applied to route groups. A nil limiter
// disables limiting for its group.
type Limiters struct {
	Auth      *middleware.RateLimiter
	Candidate *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiters Limiters,
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
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Content-Disposition", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// xlsx is already zip-compressed.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality:   4,
		MinLength: 1024,
		SkipPaths: []string{exportPath},
	}))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 0. Public Group (No Auth) ─────────────────────────────────────
	publicAPI := router.Group("/api/v1/public")
	{
		publicAPI.GET("/exam/settings", handlers.Setting.GetPublicSettings)
	}

	// ─── 1. Auth Group (Public, Rate Limited per IP) ───────────────────
	auth := router.Group("/api/v1/auth")
	if limiters.Auth != nil {
		auth.Use(limiters.Auth.Middleware())
	}
	{
		auth.POST("/candidate/login", handlers.Auth.CandidateLogin)
		auth.POST("/admin/login", handlers.Auth.AdminLogin)

		// Authenticated profile routes
		auth.POST("/candidate/logout",
			middleware.RequireCandidateJWT(authService),
			middleware.CheckSingleDeviceSession(authService),
			handlers.Auth.CandidateLogout,
		)
		auth.GET("/candidate/me",
			middleware.RequireCandidateJWT(authService),
			middleware.CheckSingleDeviceSession(authService),
			handlers.Auth.GetCandidateProfile,
		)
		auth.GET("/admin/me", middleware.RequireAdminJWT(authService), handlers.Auth.GetAdminProfile)
	}

	// ─── 2. Candidate Group (JWT + Single Device) ──────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	// Exam rooms often share one NAT address, so limit per candidate.
	if limiters.Candidate != nil {
		candidateAPI.Use(limiters.Candidate.Middleware())
	}
	{
		candidateAPI.POST("/exam/start", handlers.Exam.StartExam)
		candidateAPI.POST("/exam/answer", handlers.Exam.RecordAnswer)
		candidateAPI.POST("/exam/report-event", handlers.Exam.ReportEvent)
		candidateAPI.POST("/exam/submit", handlers.Exam.SubmitExam)
		candidateAPI.GET("/exam/status", handlers.Exam.GetStatus)
		candidateAPI.GET("/exam/result", handlers.Exam.GetResult)
	}

	// ─── 3. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireCandidateWSAuth(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		ws.GET("/candidate/exam/stream", handlers.WS.ExamStream)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		// Exam settings
		adminAPI.GET("/exam/settings",
			middleware.RequirePermission(model.PermissionSettingsRead),
			handlers.Setting.GetExamSettings,
		)
		adminAPI.PUT("/exam/settings",
			middleware.RequirePermission(model.PermissionSettingsWrite),
			handlers.Setting.UpdateExamSettings,
		)

		// Live monitor
		adminAPI.GET("/exam/monitor",
			middleware.RequirePermission(model.PermissionAttemptsRead),
			handlers.Monitor.MonitorSSE,
		)

		// Attempts. The export route must be registered before /:id.
		adminAPI.GET("/attempts",
			middleware.RequirePermission(model.PermissionAttemptsRead),
			handlers.Attempt.ListAttempts,
		)
		adminAPI.GET("/attempts/export",
			middleware.RequirePermission(model.PermissionAttemptsRead),
			handlers.Attempt.ExportResults,
		)
		adminAPI.GET("/attempts/:id",
			middleware.RequirePermission(model.PermissionAttemptsRead),
			handlers.Attempt.GetAttempt,
		)
		adminAPI.POST("/attempts/sweep",
			middleware.RequirePermission(model.PermissionAttemptsWrite),
			handlers.Attempt.SweepExpired,
		)

		// Candidate sessions
		adminAPI.POST("/candidates/:id/reset-session",
			middleware.RequirePermission(model.PermissionAttemptsWrite),
			handlers.Auth.ResetCandidateSession,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			handlers.System.SystemMetrics, // Open to all admins
		)
	}

	return router
}
