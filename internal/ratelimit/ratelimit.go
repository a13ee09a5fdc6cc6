// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ratelimit provides a sliding-window request limiter keyed by client
// identifier, with a burst allowance, temporary blocking for abusive clients
// and a whitelist. A stricter limiter guards the login endpoint.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

type clientState struct {
	// requests holds the timestamps inside the current window, oldest first.
	requests     []time.Time
	blockedUntil time.Time
}

// Limiter enforces a requests-per-minute rate with burst headroom. A client
// that exceeds rate+burst is blocked for the configured duration.
type Limiter struct {
	limit         int
	burst         int
	window        time.Duration
	blockDuration time.Duration
	whitelist     map[string]struct{}

	mu      sync.Mutex
	clients map[string]*clientState

	now func() time.Time
}

// New builds a limiter from configuration.
func New(cfg *config.RateLimitConfig) *Limiter {
	if cfg == nil {
		def := config.DefaultConfig().RateLimit
		cfg = &def
	}

	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, id := range cfg.Whitelist {
		whitelist[id] = struct{}{}
	}

	limit := cfg.RequestsPerMinute
	if limit <= 0 {
		limit = 50
	}
	blockDuration := cfg.BlockDuration
	if blockDuration <= 0 {
		blockDuration = 5 * time.Minute
	}

	return &Limiter{
		limit:         limit,
		burst:         cfg.Burst,
		window:        time.Minute,
		blockDuration: blockDuration,
		whitelist:     whitelist,
		clients:       make(map[string]*clientState),
		now:           time.Now,
	}
}

// NewLogin builds the stricter limiter for the login endpoint. Login abuse
// blocks for the same duration as regular abuse but allows no burst.
func NewLogin(cfg *config.RateLimitConfig) *Limiter {
	if cfg == nil {
		def := config.DefaultConfig().RateLimit
		cfg = &def
	}
	perMinute := cfg.LoginPerMinute
	if perMinute <= 0 {
		perMinute = 5
	}
	blockDuration := cfg.BlockDuration
	if blockDuration <= 0 {
		blockDuration = 5 * time.Minute
	}

	return &Limiter{
		limit:         perMinute,
		burst:         0,
		window:        time.Minute,
		blockDuration: blockDuration,
		whitelist:     make(map[string]struct{}),
		clients:       make(map[string]*clientState),
		now:           time.Now,
	}
}

// Allow reports whether the client may proceed, and when denied, how long
// until it should retry.
func (l *Limiter) Allow(clientID string) (bool, time.Duration) {
	if _, ok := l.whitelist[clientID]; ok {
		return true, 0
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.clients[clientID]
	if !ok {
		state = &clientState{}
		l.clients[clientID] = state
	}

	if now.Before(state.blockedUntil) {
		return false, state.blockedUntil.Sub(now)
	}

	// Drop requests that slid out of the window.
	cutoff := now.Add(-l.window)
	kept := state.requests[:0]
	for _, t := range state.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.requests = kept

	if len(state.requests) >= l.limit+l.burst {
		state.blockedUntil = now.Add(l.blockDuration)
		log.Warnf("Client %s exceeded rate limit, blocked for %s", clientID, l.blockDuration)
		return false, l.blockDuration
	}

	state.requests = append(state.requests, now)
	if len(state.requests) > l.limit {
		// Inside the burst allowance: allowed, but retry-after hints at the
		// window edge.
		return true, 0
	}
	return true, 0
}

// Remaining returns how many requests the client has left in the window.
func (l *Limiter) Remaining(clientID string) int {
	if _, ok := l.whitelist[clientID]; ok {
		return l.limit
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.clients[clientID]
	if !ok {
		return l.limit + l.burst
	}

	var used int
	for _, t := range state.requests {
		if t.After(cutoff) {
			used++
		}
	}
	remaining := l.limit + l.burst - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears all state for a client.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// Prune drops clients with no activity in the window and no active block.
// Called periodically to keep the map bounded.
func (l *Limiter) Prune() int {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, state := range l.clients {
		if now.Before(state.blockedUntil) {
			continue
		}
		active := false
		for _, t := range state.requests {
			if t.After(cutoff) {
				active = true
				break
			}
		}
		if !active {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// Middleware returns a gin handler enforcing the limit per client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.Allow(c.ClientIP())
		if !allowed {
			c.Header("Retry-After", retryAfter.Round(time.Second).String())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
