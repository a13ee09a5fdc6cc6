// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package agent orchestrates the Polyad components: it validates and executes
// actions, feeds outcomes back into the learning and decision engines, parks
// failures in the dead-letter queue and answers queries through the cache and
// the model.
package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/cache"
	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/decision"
	"github.com/polyadai/polyad/internal/dlq"
	"github.com/polyadai/polyad/internal/events"
	"github.com/polyadai/polyad/internal/knowledge"
	"github.com/polyadai/polyad/internal/learning"
	"github.com/polyadai/polyad/internal/ollama"
)

const historySize = 200

// LLM is the model client surface the agent needs. *ollama.Client satisfies
// it; tests substitute a stub.
type LLM interface {
	Generate(ctx context.Context, prompt string) (*ollama.GenerateResult, error)
	Chat(ctx context.Context, messages []ollama.Message) (*ollama.GenerateResult, error)
	Healthy(ctx context.Context) bool
	Model() string
}

// Searcher is the knowledge base surface the agent needs.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]knowledge.SearchResult, error)
}

// QueryResult is the answer to a ProcessQuery call.
type QueryResult struct {
	Response string        `json:"response"`
	Model    string        `json:"model"`
	Cached   bool          `json:"cached"`
	Duration time.Duration `json:"duration"`
}

// Agent wires the components together.
type Agent struct {
	config    *config.Config
	llm       LLM
	cache     cache.Cache
	learning  *learning.Engine
	decision  *decision.Engine
	knowledge Searcher
	queue     *dlq.Manager
	bus       *events.Bus

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	history   []ActionResult
	failures  int

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates the agent. The dead-letter queue retries through ExecuteAction,
// so resolved entries went through the full outcome pipeline again.
func New(cfg *config.Config, llm LLM, c cache.Cache, le *learning.Engine, de *decision.Engine, kb Searcher, bus *events.Bus) *Agent {
	a := &Agent{
		config:    cfg,
		llm:       llm,
		cache:     c,
		learning:  le,
		decision:  de,
		knowledge: kb,
		bus:       bus,
		stopChan:  make(chan struct{}),
	}
	a.queue = dlq.NewManager(&cfg.DLQ, a.retryAction)
	return a
}

// Queue exposes the dead-letter queue.
func (a *Agent) Queue() *dlq.Manager {
	return a.queue
}

// Learning exposes the learning engine for the API layer.
func (a *Agent) Learning() *learning.Engine {
	return a.learning
}

// Decision exposes the decision engine for the API layer.
func (a *Agent) Decision() *decision.Engine {
	return a.decision
}

// CleanupCache runs one cache cleanup pass on demand.
func (a *Agent) CleanupCache(ctx context.Context) (int, error) {
	if a.cache == nil {
		return 0, nil
	}
	return a.cache.Cleanup(ctx)
}

// Start brings the component loops up. Idempotent.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startedAt = time.Now()
	a.stopChan = make(chan struct{})
	a.mu.Unlock()

	if a.llm != nil && !a.llm.Healthy(ctx) {
		log.Warn("Ollama server not reachable at startup, model calls will fail until it comes up")
	}

	a.learning.Start()
	a.decision.Start()
	a.queue.Start()
	a.startCacheMaintenance()

	if a.bus != nil {
		a.bus.PublishAsync(events.NewPayload(events.EventAgentStarted, "agent", nil))
	}
	log.Info("Agent started")
	return nil
}

// Stop shuts the loops down in reverse order. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	a.queue.Stop()
	a.decision.Stop()
	a.learning.Stop()

	if a.bus != nil {
		a.bus.PublishAsync(events.NewPayload(events.EventAgentStopped, "agent", nil))
	}
	log.Info("Agent stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Agent) startCacheMaintenance() {
	interval := a.config.Cache.CleanupInterval
	if interval <= 0 || a.cache == nil {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-a.stopChan:
				return
			case <-ticker.C:
				removed, err := a.cache.Cleanup(context.Background())
				if err != nil {
					log.Warnf("Cache cleanup failed: %v", err)
					continue
				}
				if removed > 0 {
					log.Debugf("Cache cleanup removed %d entries", removed)
				}
				if a.bus != nil {
					a.bus.PublishAsync(events.NewPayload(events.EventCacheCleanup, "agent", map[string]interface{}{
						"removed": removed,
					}))
				}
			}
		}
	}()
}

// ExecuteAction validates and runs one action, records the outcome in the
// learning and decision engines and parks failures in the dead-letter queue.
func (a *Agent) ExecuteAction(ctx context.Context, action Action) ActionResult {
	result := ActionResult{
		ID:        uuid.NewString(),
		Type:      action.Type,
		Timestamp: time.Now(),
	}

	if err := ValidateAction(action); err != nil {
		result.Error = err.Error()
		a.finishAction(action, &result, false)
		return result
	}

	state := a.currentState(action.Type)
	start := time.Now()
	output, err := a.perform(ctx, action)
	result.Duration = time.Since(start)
	result.Output = output

	if err != nil {
		result.Error = err.Error()
		a.queue.Add(action.Type, action.Payload, err)
		a.finishAction(action, &result, false)
	} else {
		result.Success = true
		a.finishAction(action, &result, true)
	}

	a.recordExperience(state, action.Type, result.Success, result.Duration)
	return result
}

func (a *Agent) perform(ctx context.Context, action Action) (map[string]interface{}, error) {
	switch action.Type {
	case ActionGenerate:
		res, err := a.llm.Generate(ctx, stringField(action.Payload, "prompt"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"response": res.Response, "model": res.Model}, nil

	case ActionChat:
		messages, err := decodeMessages(action.Payload["messages"])
		if err != nil {
			return nil, err
		}
		res, err := a.llm.Chat(ctx, messages)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"response": res.Response, "model": res.Model}, nil

	case ActionSystem:
		return a.runCommand(ctx, stringField(action.Payload, "command"))

	case ActionKnowledge:
		if a.knowledge == nil {
			return nil, fmt.Errorf("agent: knowledge base not configured")
		}
		topK, _ := action.Payload["top_k"].(float64)
		results, err := a.knowledge.Search(ctx, stringField(action.Payload, "query"), int(topK))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results}, nil

	case ActionSequence:
		return a.runSequence(ctx, action)
	}
	return nil, fmt.Errorf("agent: unknown action type %q", action.Type)
}

// runSequence executes nested actions in order and stops at the first
// failure.
func (a *Agent) runSequence(ctx context.Context, action Action) (map[string]interface{}, error) {
	raw, ok := action.Payload["actions"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("agent: sequence actions must be a list")
	}

	var results []ActionResult
	for i, item := range raw {
		sub, err := decodeAction(item)
		if err != nil {
			return nil, fmt.Errorf("agent: sequence step %d: %w", i, err)
		}
		res := a.ExecuteAction(ctx, sub)
		results = append(results, res)
		if !res.Success {
			return map[string]interface{}{"steps": results},
				fmt.Errorf("agent: sequence stopped at step %d: %s", i, res.Error)
		}
	}
	return map[string]interface{}{"steps": results}, nil
}

func (a *Agent) runCommand(ctx context.Context, command string) (map[string]interface{}, error) {
	// ValidateAction already vetted the command against the allowlist.
	fields := strings.Fields(command)

	cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, fields[0], fields[1:]...).CombinedOutput()
	if err != nil {
		return map[string]interface{}{"output": string(out)}, fmt.Errorf("agent: command failed: %w", err)
	}
	return map[string]interface{}{"output": string(out)}, nil
}

// retryAction is the dead-letter queue hook: it re-runs the raw action and
// reports the error back so the queue can schedule the next attempt.
func (a *Agent) retryAction(actionType string, payload map[string]interface{}) error {
	result := a.replay(context.Background(), Action{Type: actionType, Payload: payload})
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// replay runs an action without re-enqueueing failures, so a retried entry
// cannot multiply in the queue.
func (a *Agent) replay(ctx context.Context, action Action) ActionResult {
	result := ActionResult{
		ID:        uuid.NewString(),
		Type:      action.Type,
		Timestamp: time.Now(),
	}

	if err := ValidateAction(action); err != nil {
		result.Error = err.Error()
		return result
	}

	state := a.currentState(action.Type)
	start := time.Now()
	output, err := a.perform(ctx, action)
	result.Duration = time.Since(start)
	result.Output = output

	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
	}
	a.recordExperience(state, action.Type, result.Success, result.Duration)
	return result
}

func (a *Agent) finishAction(action Action, result *ActionResult, success bool) {
	a.mu.Lock()
	a.history = append(a.history, *result)
	if len(a.history) > historySize {
		a.history = a.history[1:]
	}
	if success {
		a.failures = 0
	} else {
		a.failures++
	}
	a.mu.Unlock()

	a.decision.Maker().RecordOutcome(action.Type, result.Error, success)

	event := events.EventActionExecuted
	if !success {
		event = events.EventActionFailed
	}
	if a.bus != nil {
		a.bus.PublishAsync(events.NewPayload(event, "agent", map[string]interface{}{
			"action_id": result.ID,
			"type":      action.Type,
			"error":     result.Error,
		}))
	}
}

// recordExperience turns one action outcome into a learning transition.
// Fast successes earn a small bonus on top of the base reward.
func (a *Agent) recordExperience(state learning.State, actionType string, success bool, duration time.Duration) {
	reward := -1.0
	if success {
		reward = 1.0
		if duration < time.Second {
			reward += 0.2
		}
	}

	next := a.currentState(actionType)
	if !success {
		next.SystemStatus = "degraded"
	}
	a.learning.ProcessExperience(state, actionType, reward, next)
}

// currentState captures the agent's situation as a learning state.
func (a *Agent) currentState(taskType string) learning.State {
	a.mu.Lock()
	failures := a.failures
	a.mu.Unlock()

	status := "normal"
	if failures >= 3 {
		status = "degraded"
	}

	var goalIDs []string
	for _, g := range a.decision.Planner().ActiveGoals() {
		goalIDs = append(goalIDs, g.ID)
	}

	return learning.State{
		SystemStatus:  status,
		TaskType:      taskType,
		ActiveGoalIDs: goalIDs,
	}
}

// ProcessQuery answers a free-form query, serving repeated prompts from the
// cache.
func (a *Agent) ProcessQuery(ctx context.Context, query string) (*QueryResult, error) {
	if query == "" {
		return nil, fmt.Errorf("agent: query is required")
	}

	start := time.Now()
	key := cache.Key("query", a.llm.Model(), query)

	if a.cache != nil {
		if value, ok, err := a.cache.Get(ctx, key); err == nil && ok {
			return &QueryResult{
				Response: string(value),
				Model:    a.llm.Model(),
				Cached:   true,
				Duration: time.Since(start),
			}, nil
		}
	}

	prompt := a.augmentWithKnowledge(ctx, query)
	res, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("agent: query failed: %w", err)
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, key, []byte(res.Response), a.config.Cache.TTL); err != nil {
			log.Warnf("Failed to cache query response: %v", err)
		}
	}

	return &QueryResult{
		Response: res.Response,
		Model:    res.Model,
		Cached:   false,
		Duration: time.Since(start),
	}, nil
}

// augmentWithKnowledge prepends relevant knowledge entries to the prompt.
func (a *Agent) augmentWithKnowledge(ctx context.Context, query string) string {
	if a.knowledge == nil || !a.config.Knowledge.Enabled {
		return query
	}

	results, err := a.knowledge.Search(ctx, query, a.config.Knowledge.TopK)
	if err != nil || len(results) == 0 {
		if err != nil {
			log.Debugf("Knowledge lookup failed: %v", err)
		}
		return query
	}

	var b strings.Builder
	b.WriteString("Relevant context:\n")
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Entry.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// History returns the newest action results first.
func (a *Agent) History(limit int) []ActionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 || limit > len(a.history) {
		limit = len(a.history)
	}
	out := make([]ActionResult, 0, limit)
	for i := len(a.history) - 1; i >= len(a.history)-limit; i-- {
		out = append(out, a.history[i])
	}
	return out
}

// Status snapshots the agent and its components.
func (a *Agent) Status(ctx context.Context) map[string]interface{} {
	a.mu.Lock()
	running := a.running
	startedAt := a.startedAt
	executed := len(a.history)
	a.mu.Unlock()

	status := map[string]interface{}{
		"running":          running,
		"actions_recorded": executed,
		"queue_size":       a.queue.Size(),
		"learning":         a.learning.Progress(),
		"decision":         a.decision.State(),
	}
	if running {
		status["uptime_seconds"] = time.Since(startedAt).Seconds()
	}
	if a.llm != nil {
		status["ollama_healthy"] = a.llm.Healthy(ctx)
		status["model"] = a.llm.Model()
	}
	if a.cache != nil {
		if stats, err := a.cache.Stats(ctx); err == nil {
			status["cache"] = stats
		}
	}
	return status
}

func decodeMessages(raw interface{}) ([]ollama.Message, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("agent: chat messages must be a list")
	}

	out := make([]ollama.Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("agent: chat message must be an object")
		}
		msg := ollama.Message{
			Role:    stringField(m, "role"),
			Content: stringField(m, "content"),
		}
		if msg.Role == "" || msg.Content == "" {
			return nil, fmt.Errorf("agent: chat message needs role and content")
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("agent: chat needs at least one message")
	}
	return out, nil
}

func decodeAction(raw interface{}) (Action, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Action{}, fmt.Errorf("action must be an object")
	}
	payload, _ := m["payload"].(map[string]interface{})
	return Action{Type: stringField(m, "type"), Payload: payload}, nil
}
