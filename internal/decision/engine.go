// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package decision

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/events"
)

// Context carries the situational inputs for one decision.
type Context struct {
	// Focus selects which family of options applies (e.g. "system_resources").
	Focus string
	// UserTrust, TaskCriticality and SystemReliability drive the autonomy
	// adjustment, each within [0,1].
	UserTrust         float64
	TaskCriticality   float64
	SystemReliability float64
	// Extra feeds additional variables into rule evaluation.
	Extra map[string]interface{}
}

// failureGoalThreshold is the consecutive-failure streak for one action type
// that triggers a remediation goal.
const failureGoalThreshold = 3

// Engine ties the planner, maker and rule set together and runs the periodic
// goal maintenance loop.
type Engine struct {
	config  *config.DecisionConfig
	planner *Planner
	maker   *Maker
	rules   *RuleSet
	bus     *events.Bus

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	failures  map[string]int
	callbacks []func(map[string]interface{})
	subs      []*events.Subscription
}

// NewEngine builds a decision engine from configuration. bus may be nil.
func NewEngine(cfg *config.DecisionConfig, bus *events.Bus) (*Engine, error) {
	if cfg == nil {
		def := config.DefaultConfig().Decision
		cfg = &def
	}

	rules, err := CompileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	planner := NewPlanner()
	e := &Engine{
		config:   cfg,
		planner:  planner,
		maker:    NewMaker(planner, cfg.RiskTolerance, cfg.AutonomyLevel),
		rules:    rules,
		bus:      bus,
		stopChan: make(chan struct{}),
		failures: make(map[string]int),
	}
	planner.SetNotifier(e.publishGoalEvent)
	return e, nil
}

// OnUpdate registers a callback invoked with the engine state on every
// maintenance tick.
func (e *Engine) OnUpdate(fn func(map[string]interface{})) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

func (e *Engine) onActionExecuted(p *events.Payload) {
	actionType, _ := p.Data["type"].(string)
	if actionType == "" {
		return
	}
	e.mu.Lock()
	delete(e.failures, actionType)
	e.mu.Unlock()
}

func (e *Engine) onActionFailed(p *events.Payload) {
	actionType, _ := p.Data["type"].(string)
	if actionType == "" {
		return
	}

	e.mu.Lock()
	e.failures[actionType]++
	triggered := e.failures[actionType] >= failureGoalThreshold
	if triggered {
		e.failures[actionType] = 0
	}
	e.mu.Unlock()

	if !triggered {
		return
	}

	description := fmt.Sprintf("Restore reliability of %s actions", actionType)
	for _, g := range e.planner.ActiveGoals() {
		if g.Description == description {
			return
		}
	}
	if _, err := e.planner.CreateGoal(description, 0.8, map[string]float64{actionType: 1}, nil, ""); err != nil {
		log.Warnf("Failed to create remediation goal: %v", err)
	}
}

// Planner exposes goal management.
func (e *Engine) Planner() *Planner {
	return e.planner
}

// Maker exposes the decision maker.
func (e *Engine) Maker() *Maker {
	return e.maker
}

// Start launches the goal maintenance loop, which archives finished goals on
// each tick.
func (e *Engine) Start() {
	if !e.config.Enabled {
		return
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	// Fresh channel each start so the engine can be restarted after Stop.
	e.stopChan = make(chan struct{})
	stop := e.stopChan

	// Repeated failures of one action type spawn a remediation goal while
	// the engine runs.
	if e.bus != nil {
		e.subs = []*events.Subscription{
			e.bus.Subscribe(events.EventActionFailed, e.onActionFailed),
			e.bus.Subscribe(events.EventActionExecuted, e.onActionExecuted),
		}
	}
	e.mu.Unlock()

	interval := e.config.UpdateInterval
	if interval <= 0 {
		interval = time.Minute
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if archived := e.planner.ArchiveCompleted(); archived > 0 {
					log.Debugf("Archived %d finished goals", archived)
				}
				e.mu.Lock()
				callbacks := make([]func(map[string]interface{}), len(e.callbacks))
				copy(callbacks, e.callbacks)
				e.mu.Unlock()
				if len(callbacks) > 0 {
					state := e.State()
					for _, fn := range callbacks {
						fn(state)
					}
				}
			}
		}
	}()

	log.Info("Decision engine started")
}

// Stop stops the maintenance loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop := e.stopChan
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	close(stop)
	e.wg.Wait()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	log.Info("Decision engine stopped")
}

// Decide adjusts autonomy from the context, applies override rules and falls
// back to utility-based selection. It returns nil when no option qualifies.
func (e *Engine) Decide(ctx Context, options []*Option) *Option {
	e.maker.AdjustAutonomy(ctx.UserTrust, ctx.TaskCriticality, ctx.SystemReliability)

	if rule, ok := e.rules.Match(e.ruleEnv(ctx)); ok {
		for _, o := range options {
			if o.ActionID == rule.Action {
				e.maker.recordForced(o, rule.Name, len(options))
				e.publishDecision(o, rule.Name)
				log.Infof("Decision forced by rule %q: %s", rule.Name, o.ActionID)
				return o
			}
		}
		log.Warnf("Decision rule %q names unknown action %q, falling back to utility", rule.Name, rule.Action)
	}

	best := e.maker.SelectBest(options)
	if best != nil {
		e.publishDecision(best, "")
	}
	return best
}

func (e *Engine) ruleEnv(ctx Context) map[string]interface{} {
	env := map[string]interface{}{
		"focus":              ctx.Focus,
		"user_trust":         ctx.UserTrust,
		"task_criticality":   ctx.TaskCriticality,
		"system_reliability": ctx.SystemReliability,
		"risk_tolerance":     e.maker.RiskTolerance(),
		"autonomy_level":     e.maker.AutonomyLevel(),
		"active_goals":       len(e.planner.ActiveGoals()),
	}
	for k, v := range ctx.Extra {
		env[k] = v
	}
	return env
}

func (e *Engine) publishGoalEvent(event events.Event, goal Goal) {
	if e.bus == nil {
		return
	}
	e.bus.PublishAsync(events.NewPayload(event, "decision", map[string]interface{}{
		"goal_id":     goal.ID,
		"description": goal.Description,
		"priority":    goal.Priority,
		"progress":    goal.Progress,
	}))
}

func (e *Engine) publishDecision(o *Option, rule string) {
	if e.bus == nil {
		return
	}
	e.bus.PublishAsync(events.NewPayload(events.EventDecisionMade, "decision", map[string]interface{}{
		"action_id":     o.ActionID,
		"utility_score": o.UtilityScore,
		"forced_by":     rule,
	}))
}

// State summarizes the engine for the API.
func (e *Engine) State() map[string]interface{} {
	return map[string]interface{}{
		"active_goals":   e.planner.ActiveGoals(),
		"autonomy_level": e.maker.AutonomyLevel(),
		"risk_tolerance": e.maker.RiskTolerance(),
		"rules":          e.rules.Len(),
		"timestamp":      time.Now(),
	}
}
