// Package apiserver implements the Submission API (spec.md §4.1), the
// privileged Report endpoint, and the Auth & Service-Token surface (§4.6).
// Generalized from the teacher's GatewayServer/setupRoutes
// (api-gateway/main.go): same gin.Engine + CORS-middleware shape, same
// route-group-then-handlers layout, but backed by the Job Store/Job Stream
// instead of a gRPC orchestrator client.
package apiserver

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/jeffreysanford/soundforge/internal/auth"
	"github.com/jeffreysanford/soundforge/internal/config"
	"github.com/jeffreysanford/soundforge/internal/correlation"
	"github.com/jeffreysanford/soundforge/internal/job"
	"github.com/jeffreysanford/soundforge/internal/stream"
)

// Server is the Submission API process.
type Server struct {
	router    *gin.Engine
	rdb       *redis.Client
	jobs      *job.Store
	stream    *stream.Stream
	users     *auth.UserStore
	issuer    *auth.Issuer
	cfg       config.API
	logger    *slog.Logger
}

// New wires routes onto a fresh gin.Engine.
func New(rdb *redis.Client, jobs *job.Store, jobStream *stream.Stream, users *auth.UserStore, issuer *auth.Issuer, cfg config.API, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(correlation.Middleware())

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s := &Server{
		router: router,
		rdb:    rdb,
		jobs:   jobs,
		stream: jobStream,
		users:  users,
		issuer: issuer,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	authGroup := s.router.Group("/auth")
	{
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
		authGroup.GET("/session", auth.RequireRole(s.issuer), s.handleSession)
		authGroup.POST("/logout", auth.RequireRole(s.issuer), s.handleLogout)
		authGroup.POST("/service-tokens", auth.RequireRole(s.issuer, auth.RoleAdmin), s.handleIssueServiceToken)
	}

	s.router.POST("/songs/generate-song", auth.OptionalAuth(s.issuer), s.handleSubmitJob)
	s.router.GET("/jobs/:id", auth.OptionalAuth(s.issuer), s.handleGetJob)
	s.router.GET("/jobs", auth.RequireRole(s.issuer), s.handleListJobs)
	s.router.DELETE("/jobs/:id", auth.RequireRole(s.issuer), s.handleCancelJob)

	reportRoute := s.router.Group("/jobs")
	if s.cfg.Auth.RequireOrchestratorJWT {
		reportRoute.Use(auth.RequireRole(s.issuer, auth.RoleOrchestrator))
	} else {
		// Non-production relaxation; still requires *a* valid token of any role
		// so an unauthenticated caller is always rejected.
		reportRoute.Use(auth.RequireRole(s.issuer))
	}
	reportRoute.POST("/report", s.handleReport)

	s.router.GET("/admin/queue", auth.RequireRole(s.issuer, auth.RoleAdmin), s.handleAdminQueue)
}

// Router exposes the underlying gin.Engine for httptest-based tests and for
// cmd/api's http.Server.
func (s *Server) Router() http.Handler { return s.router }
