// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/logging"
)

// maxUploadBytes caps media uploads at 20 MB.
const maxUploadBytes = 20 << 20

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from a different origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleVision(c *gin.Context) {
	if s.llm == nil {
		respondError(c, http.StatusServiceUnavailable, "model client not configured")
		return
	}

	data, err := readUpload(c, "image")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	prompt := c.PostForm("prompt")
	if prompt == "" {
		prompt = "Describe this image in detail."
	}

	result, err := s.llm.GenerateWithImages(c.Request.Context(), prompt, [][]byte{data})
	if err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	respondSuccess(c, gin.H{"analysis": result.Response, "model": result.Model})
}

func (s *Server) handleAudio(c *gin.Context) {
	if s.llm == nil {
		respondError(c, http.StatusServiceUnavailable, "model client not configured")
		return
	}

	data, err := readUpload(c, "audio")
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	prompt := c.PostForm("prompt")
	if prompt == "" {
		prompt = "Transcribe and analyze this audio."
	}

	// The multimodal endpoint carries binary media the same way as images.
	result, err := s.llm.GenerateWithImages(c.Request.Context(), prompt, [][]byte{data})
	if err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	respondSuccess(c, gin.H{"transcription": result.Response, "model": result.Model})
}

func readUpload(c *gin.Context, field string) ([]byte, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, errMissingUpload(field)
	}
	if header.Size > maxUploadBytes {
		return nil, errUploadTooLarge(field)
	}

	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readAll(f)
}

func readAll(f multipart.File) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, maxUploadBytes))
}

type uploadError string

func (e uploadError) Error() string { return string(e) }

func errMissingUpload(field string) error {
	return uploadError("missing " + field + " upload")
}

func errUploadTooLarge(field string) error {
	return uploadError(field + " upload exceeds the size limit")
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.monitor == nil {
		respondError(c, http.StatusServiceUnavailable, "monitoring disabled")
		return
	}
	respondSuccess(c, gin.H{
		"metrics":        s.monitor.Metrics().Summaries(),
		"alerts":         s.monitor.Metrics().Alerts(20),
		"active_alerts":  s.monitor.Metrics().ActiveAlerts(),
		"uptime_seconds": s.monitor.Uptime().Seconds(),
	})
}

// handleMetricsWS streams metric snapshots over a websocket once per second
// until the client goes away.
func (s *Server) handleMetricsWS(c *gin.Context) {
	if s.monitor == nil {
		respondError(c, http.StatusServiceUnavailable, "monitoring disabled")
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	// Reader goroutine notices the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		snapshot, err := s.monitor.Snapshot()
		if err != nil {
			log.Warnf("Failed to build metrics snapshot for websocket: %v", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}

		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleLogs returns the tail of the active log file.
func (s *Server) handleLogs(c *gin.Context) {
	lines := intQuery(c, "lines", 100)

	data, err := os.ReadFile(logging.LogFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			respondSuccess(c, gin.H{"lines": []string{}})
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to read log file")
		return
	}

	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	respondSuccess(c, gin.H{"lines": all})
}

func (s *Server) handleAuditLog(c *gin.Context) {
	if s.audit == nil {
		respondError(c, http.StatusServiceUnavailable, "audit store not configured")
		return
	}

	events, err := s.audit.Recent(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondSuccess(c, gin.H{"events": events})
}

// handleMaintenance runs on-demand housekeeping: cache cleanup, queue purge
// and, when configured, a backup.
func (s *Server) handleMaintenance(c *gin.Context) {
	report := gin.H{}

	removed, err := s.agent.CleanupCache(c.Request.Context())
	if err != nil {
		report["cache_error"] = err.Error()
	} else {
		report["cache_removed"] = removed
	}

	report["queue_purged"] = s.agent.Queue().PurgeExpired()

	if s.backup != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
		defer cancel()
		path, err := s.backup.CreateBackup(ctx)
		if err != nil {
			report["backup_error"] = err.Error()
		} else {
			report["backup_path"] = path
		}
	}

	s.recordAudit(c, actorFrom(c), "system.maintenance", "system", "success")
	respondSuccess(c, gin.H{"maintenance": report})
}
