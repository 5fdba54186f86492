package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exproctor-backend/internal/config"
	"github.com/stemsi/exproctor-backend/internal/handler"
	"github.com/stemsi/exproctor-backend/internal/middleware"
	"github.com/stemsi/exproctor-backend/internal/response"
	"github.com/stemsi/exproctor-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Proctor *handler.ProctorHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	debugLimiter *middleware.RateLimiter,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService))
	{
		studentAPI.POST("/papers/:paper_id/sessions", handlers.Session.StartSession)
		studentAPI.GET("/sessions/:id", handlers.Session.GetSession)
		studentAPI.PUT("/sessions/:id/answers/:question_id", handlers.Session.RecordAnswer)
		studentAPI.POST("/sessions/:id/questions/:question_id/debug-run",
			debugLimiter.Middleware(),
			handlers.Session.DebugRun,
		)
		studentAPI.GET("/sessions/:id/questions/:question_id/attempts", handlers.Session.ListAttempts)
		studentAPI.POST("/sessions/:id/submit", handlers.Session.SubmitSession)
		studentAPI.GET("/sessions/:id/evaluation", handlers.Session.GetEvaluation)
		studentAPI.POST("/sessions/:id/alerts", handlers.Session.RecordAlert)
		studentAPI.POST("/sessions/:id/detector-state", handlers.Session.ObserveDetector)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/sessions/:id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Proctor Group (JWT + RBAC) ─────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireProctorJWT(authService))
	{
		adminAPI.POST("/sessions/:id/evaluate",
			middleware.RequirePermission(service.PermSessionEvaluate),
			handlers.Proctor.EvaluateSession,
		)
		adminAPI.GET("/sessions/:id/ledger",
			middleware.RequirePermission(service.PermLedgerManage),
			handlers.Proctor.GetLedger,
		)
		adminAPI.DELETE("/sessions/:id/ledger",
			middleware.RequirePermission(service.PermLedgerManage),
			handlers.Proctor.ResetLedger,
		)
		adminAPI.GET("/sessions/:id/logs",
			middleware.RequirePermission(service.PermLogsRead),
			handlers.Proctor.ListLogs,
		)
		adminAPI.GET("/papers/:paper_id/monitor",
			middleware.RequirePermission(service.PermMonitorRead),
			handlers.Monitor.MonitorPaperSSE,
		)

		// System Monitoring
		adminAPI.GET("/system/metrics",
			middleware.RequireAnyPermission(service.PermMonitorRead, service.PermLogsRead),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
