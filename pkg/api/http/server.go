package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/internal/application/engine"
	"github.com/taskherd/taskherd/internal/application/orchestrator"
	"github.com/taskherd/taskherd/internal/application/registry"
	"github.com/taskherd/taskherd/internal/application/state"
)

// Server is the HTTP API server. Read endpoints are served by every
// replica; write endpoints answer 503 NOT_LEADER unless this replica
// holds the leadership lease.
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	state        *state.Manager
	registry     *registry.Registry
	engine       *engine.Engine
	isLeader     func() bool
	logger       *zap.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Port         int
	Orchestrator *orchestrator.Manager
	State        *state.Manager
	Registry     *registry.Registry
	Engine       *engine.Engine
	IsLeader     func() bool
	Logger       *zap.Logger
}

// NewServer creates a new HTTP server.
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		state:        cfg.State,
		registry:     cfg.Registry,
		engine:       cfg.Engine,
		isLeader:     cfg.IsLeader,
		logger:       cfg.Logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		// Workflow endpoints
		v1.POST("/workflows", s.leaderOnly, s.handleSubmitWorkflow)
		v1.GET("/workflows", s.handleListWorkflows)
		v1.GET("/workflows/:id", s.handleGetWorkflow)
		v1.GET("/workflows/:id/status", s.handleGetStatus)
		v1.POST("/workflows/:id/cancel", s.leaderOnly, s.handleCancelWorkflow)

		// Shared state endpoints
		v1.GET("/workflows/:id/state", s.handleListState)
		v1.GET("/workflows/:id/state/:key", s.handleGetState)
		v1.PUT("/workflows/:id/state/:key", s.leaderOnly, s.handlePutState)

		// Agent endpoints; agents always talk to the leader
		v1.POST("/agents", s.leaderOnly, s.handleRegisterAgent)
		v1.GET("/agents", s.leaderOnly, s.handleListAgents)
		v1.POST("/agents/:id/heartbeat", s.leaderOnly, s.handleHeartbeat)
		v1.DELETE("/agents/:id", s.leaderOnly, s.handleDeregisterAgent)

		// Task reporting endpoints used by agents
		v1.POST("/tasks/:id/start", s.leaderOnly, s.handleTaskStart)
		v1.POST("/tasks/:id/result", s.leaderOnly, s.handleTaskResult)
	}
}

// SetupWebSocket adds the per-workflow event stream handler.
func (s *Server) SetupWebSocket(handler interface{}) {
	if wsHandler, ok := handler.(interface {
		HandleWorkflowStream(*gin.Context)
	}); ok {
		s.router.GET("/api/v1/workflows/:id/events", wsHandler.HandleWorkflowStream)
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
