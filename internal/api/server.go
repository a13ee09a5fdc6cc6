// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api serves the Polyad REST surface: agent control, action
// execution, learning and decision endpoints, media processing and system
// introspection. All routes except health and login require a bearer token.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/polyadai/polyad/internal/agent"
	"github.com/polyadai/polyad/internal/auth"
	"github.com/polyadai/polyad/internal/backup"
	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/monitoring"
	"github.com/polyadai/polyad/internal/ollama"
	"github.com/polyadai/polyad/internal/ratelimit"
	"github.com/polyadai/polyad/internal/store"
)

// ModelClient is the direct model surface used by the media endpoints.
// *ollama.Client satisfies it.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (*ollama.GenerateResult, error)
	GenerateWithImages(ctx context.Context, prompt string, images [][]byte) (*ollama.GenerateResult, error)
	ListModels(ctx context.Context) ([]ollama.ModelInfo, error)
}

// Server hosts the HTTP API.
type Server struct {
	config  *config.Config
	engine  *gin.Engine
	agent   *agent.Agent
	auth    *auth.Manager
	audit   store.AuditStore
	monitor *monitoring.Monitor
	backup  *backup.Manager
	llm     ModelClient

	limiter      *ratelimit.Limiter
	loginLimiter *ratelimit.Limiter

	httpServer *http.Server
}

// NewServer wires the handlers. monitor, backupMgr and llm may be nil; the
// corresponding endpoints then answer 503.
func NewServer(cfg *config.Config, ag *agent.Agent, am *auth.Manager, audit store.AuditStore, monitor *monitoring.Monitor, backupMgr *backup.Manager, llm ModelClient) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:       cfg,
		agent:        ag,
		auth:         am,
		audit:        audit,
		monitor:      monitor,
		backup:       backupMgr,
		llm:          llm,
		limiter:      ratelimit.New(&cfg.RateLimit),
		loginLimiter: ratelimit.NewLogin(&cfg.RateLimit),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestMetrics())

	s.engine = engine
	s.registerRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	if s.config.RateLimit.Enabled {
		api.Use(s.limiter.Middleware())
	}

	api.GET("/health", s.handleHealth)
	authGroup := api.Group("/auth")
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/refresh", s.handleRefresh)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(s.auth))

	agentGroup := protected.Group("/agent")
	agentGroup.POST("/start", s.handleAgentStart)
	agentGroup.POST("/stop", s.handleAgentStop)
	agentGroup.GET("/status", s.handleAgentStatus)

	actionGroup := protected.Group("/action")
	actionGroup.POST("/execute", s.handleActionExecute)
	actionGroup.GET("/history", s.handleActionHistory)
	actionGroup.GET("/queue", s.handleActionQueue)

	learningGroup := protected.Group("/learning")
	learningGroup.POST("/train", s.handleLearningTrain)
	learningGroup.POST("/evaluate", s.handleLearningEvaluate)
	learningGroup.GET("/progress", s.handleLearningProgress)

	decisionGroup := protected.Group("/decision")
	decisionGroup.POST("/goals", s.handleGoalCreate)
	decisionGroup.GET("/goals", s.handleGoalList)
	decisionGroup.PUT("/goals/:id/progress", s.handleGoalProgress)
	decisionGroup.POST("/decide", s.handleDecide)

	protected.POST("/vision/process", s.handleVision)
	protected.POST("/audio/transcribe", s.handleAudio)
	protected.POST("/query", s.handleQuery)

	systemGroup := protected.Group("/system")
	systemGroup.GET("/metrics", s.handleMetrics)
	systemGroup.GET("/metrics/ws", s.handleMetricsWS)
	systemGroup.GET("/logs", s.handleLogs)
	systemGroup.GET("/security/audit", s.handleAuditLog)
	systemGroup.POST("/maintenance", auth.RequireRole("admin"), s.handleMaintenance)
}

// requestMetrics tracks request latency and error rate per request.
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.monitor == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.monitor.Metrics().RecordRequest(c.Writer.Status() >= http.StatusInternalServerError)
		s.monitor.Metrics().Track("latency_ms", float64(time.Since(start).Microseconds())/1000)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully. The listener
// is capped at MaxConnections concurrent connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: failed to listen on %s: %w", addr, err)
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}

	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infof("API server listening on %s", addr)
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("api: server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown failed: %w", err)
	}
	log.Info("API server stopped")
	return nil
}

// respond helpers keep every payload in the envelope format.

func respondSuccess(c *gin.Context, data gin.H) {
	body := gin.H{"status": "success"}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func respondError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": "error", "message": message})
}
