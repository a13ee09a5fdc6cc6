// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/agent"
	"github.com/polyadai/polyad/internal/auth"
	"github.com/polyadai/polyad/internal/buildinfo"
	"github.com/polyadai/polyad/internal/decision"
	"github.com/polyadai/polyad/internal/store"
)

func (s *Server) handleHealth(c *gin.Context) {
	respondSuccess(c, gin.H{
		"version": buildinfo.Version,
		"commit":  buildinfo.Commit,
		"running": s.agent.IsRunning(),
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if ok, retry := s.loginLimiter.Allow(c.ClientIP()); !ok {
		c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())))
		respondError(c, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "username and password are required")
		return
	}

	roles, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.recordAudit(c, req.Username, "auth.login", "auth", "denied")
		respondError(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := s.auth.IssueTokens(req.Username, roles)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.recordAudit(c, req.Username, "auth.login", "auth", "success")
	respondSuccess(c, gin.H{"token": pair})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := s.auth.Refresh(req.RefreshToken)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	respondSuccess(c, gin.H{"token": pair})
}

func (s *Server) handleAgentStart(c *gin.Context) {
	if err := s.agent.Start(c.Request.Context()); err != nil {
		respondError(c, http.StatusConflict, err.Error())
		return
	}
	s.recordAudit(c, actorFrom(c), "agent.start", "agent", "success")
	respondSuccess(c, gin.H{"running": true})
}

func (s *Server) handleAgentStop(c *gin.Context) {
	s.agent.Stop()
	s.recordAudit(c, actorFrom(c), "agent.stop", "agent", "success")
	respondSuccess(c, gin.H{"running": false})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	respondSuccess(c, gin.H{"agent": s.agent.Status(c.Request.Context())})
}

func (s *Server) handleActionExecute(c *gin.Context) {
	var action agent.Action
	if err := c.ShouldBindJSON(&action); err != nil {
		respondError(c, http.StatusBadRequest, "invalid action payload")
		return
	}
	if err := agent.ValidateAction(action); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	result := s.agent.ExecuteAction(c.Request.Context(), action)
	if !result.Success {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": result.Error, "result": result})
		return
	}
	respondSuccess(c, gin.H{"result": result})
}

func (s *Server) handleActionHistory(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	respondSuccess(c, gin.H{"history": s.agent.History(limit)})
}

func (s *Server) handleActionQueue(c *gin.Context) {
	respondSuccess(c, gin.H{
		"entries": s.agent.Queue().List(),
		"size":    s.agent.Queue().Size(),
	})
}

type trainRequest struct {
	Passes int `json:"passes"`
}

func (s *Server) handleLearningTrain(c *gin.Context) {
	var req trainRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, "invalid train request")
		return
	}

	loss := s.agent.Learning().Train(req.Passes)
	respondSuccess(c, gin.H{"loss": loss, "progress": s.agent.Learning().Progress()})
}

func (s *Server) handleLearningEvaluate(c *gin.Context) {
	progress := s.agent.Learning().Progress()
	efficiency, _ := progress["efficiency"].(float64)

	grade := "poor"
	switch {
	case efficiency > 0.8:
		grade = "excellent"
	case efficiency >= 0.5:
		grade = "adequate"
	}
	respondSuccess(c, gin.H{"evaluation": gin.H{
		"efficiency": efficiency,
		"grade":      grade,
		"progress":   progress,
	}})
}

func (s *Server) handleLearningProgress(c *gin.Context) {
	respondSuccess(c, gin.H{"progress": s.agent.Learning().Progress()})
}

type goalRequest struct {
	Description string             `json:"description" binding:"required"`
	Priority    float64            `json:"priority"`
	Criteria    map[string]float64 `json:"criteria"`
	Deadline    *time.Time         `json:"deadline"`
	ParentID    string             `json:"parent_id"`
}

func (s *Server) handleGoalCreate(c *gin.Context) {
	var req goalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "goal description is required")
		return
	}

	id, err := s.agent.Decision().Planner().CreateGoal(req.Description, req.Priority, req.Criteria, req.Deadline, req.ParentID)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	respondSuccess(c, gin.H{"goal_id": id})
}

func (s *Server) handleGoalList(c *gin.Context) {
	respondSuccess(c, gin.H{"goals": s.agent.Decision().Planner().ActiveGoals()})
}

type progressRequest struct {
	Progress float64 `json:"progress"`
}

func (s *Server) handleGoalProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "progress is required")
		return
	}

	if err := s.agent.Decision().Planner().UpdateProgress(c.Param("id"), req.Progress); err != nil {
		respondError(c, http.StatusNotFound, err.Error())
		return
	}
	goal, _ := s.agent.Decision().Planner().Get(c.Param("id"))
	respondSuccess(c, gin.H{"goal": goal})
}

type decideRequest struct {
	Focus             string                 `json:"focus"`
	UserTrust         float64                `json:"user_trust"`
	TaskCriticality   float64                `json:"task_criticality"`
	SystemReliability float64                `json:"system_reliability"`
	Extra             map[string]interface{} `json:"extra"`
	Options           []*decision.Option     `json:"options" binding:"required"`
}

func (s *Server) handleDecide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "options are required")
		return
	}
	for _, o := range req.Options {
		if o == nil || o.ActionID == "" {
			respondError(c, http.StatusBadRequest, "every option needs an action_id")
			return
		}
	}

	best := s.agent.Decision().Decide(decision.Context{
		Focus:             req.Focus,
		UserTrust:         req.UserTrust,
		TaskCriticality:   req.TaskCriticality,
		SystemReliability: req.SystemReliability,
		Extra:             req.Extra,
	}, req.Options)
	if best == nil {
		respondError(c, http.StatusNotFound, "no option qualifies")
		return
	}
	respondSuccess(c, gin.H{"decision": best, "state": s.agent.Decision().State()})
}

type queryRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.agent.ProcessQuery(c.Request.Context(), req.Query)
	if err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	if s.monitor != nil {
		s.monitor.Metrics().RecordCacheOp(result.Cached)
	}
	respondSuccess(c, gin.H{"result": result})
}

func (s *Server) recordAudit(c *gin.Context, actor, action, resource, outcome string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(context.Background(), store.AuditEvent{
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		ClientIP: c.ClientIP(),
	})
	if err != nil {
		log.Warnf("Failed to record audit event: %v", err)
	}
}

func actorFrom(c *gin.Context) string {
	if claims := auth.ClaimsFrom(c); claims != nil {
		return claims.Username
	}
	return "anonymous"
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
