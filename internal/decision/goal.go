// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package decision

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/events"
)

// GoalStatus tracks a goal through its lifecycle.
type GoalStatus string

const (
	GoalPending   GoalStatus = "pending"
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
)

// Goal is an objective the agent works toward. Progress is clamped to [0,1];
// reaching 1 completes the goal.
type Goal struct {
	ID          string `json:"goal_id"`
	Description string `json:"description"`
	// Priority weights the goal when computing alignment, 0 to 1.
	Priority float64 `json:"priority"`
	// SuccessCriteria maps a criterion name to its weight.
	SuccessCriteria map[string]float64 `json:"success_criteria"`
	Deadline        *time.Time         `json:"deadline,omitempty"`
	ParentID        string             `json:"parent_goal,omitempty"`
	Status          GoalStatus         `json:"status"`
	Progress        float64            `json:"progress"`
	CreatedAt       time.Time          `json:"created_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// Planner owns the goal set and its parent/child hierarchy.
type Planner struct {
	mu        sync.RWMutex
	goals     map[string]*Goal
	hierarchy map[string][]string
	history   []Goal

	// completions accumulates goals that transitioned to completed under the
	// lock; they are drained and notified after the lock is released.
	completions []Goal
	notify      func(events.Event, Goal)
}

// NewPlanner creates an empty planner.
func NewPlanner() *Planner {
	return &Planner{
		goals:     make(map[string]*Goal),
		hierarchy: make(map[string][]string),
	}
}

// SetNotifier registers a callback for goal lifecycle events. It must be set
// before the planner is shared between goroutines.
func (p *Planner) SetNotifier(fn func(events.Event, Goal)) {
	p.notify = fn
}

func (p *Planner) notifyGoal(event events.Event, goal Goal) {
	if p.notify != nil {
		p.notify(event, goal)
	}
}

// CreateGoal registers a new goal and returns its id. A non-empty parentID
// links it into the hierarchy; the parent must exist.
func (p *Planner) CreateGoal(description string, priority float64, criteria map[string]float64, deadline *time.Time, parentID string) (string, error) {
	if description == "" {
		return "", fmt.Errorf("decision: goal description is required")
	}
	if priority < 0 || priority > 1 {
		return "", fmt.Errorf("decision: goal priority must be within [0,1], got %v", priority)
	}

	p.mu.Lock()

	if parentID != "" {
		if _, ok := p.goals[parentID]; !ok {
			p.mu.Unlock()
			return "", fmt.Errorf("decision: parent goal %s not found", parentID)
		}
	}

	goal := &Goal{
		ID:              uuid.NewString(),
		Description:     description,
		Priority:        priority,
		SuccessCriteria: criteria,
		Deadline:        deadline,
		ParentID:        parentID,
		Status:          GoalPending,
		CreatedAt:       time.Now(),
	}
	p.goals[goal.ID] = goal

	if parentID != "" {
		p.hierarchy[parentID] = append(p.hierarchy[parentID], goal.ID)
	}
	created := *goal
	p.mu.Unlock()

	p.notifyGoal(events.EventGoalCreated, created)
	log.Infof("Goal created: %s - %s", created.ID, description)
	return created.ID, nil
}

// UpdateProgress sets a goal's progress, clamped to [0,1]. Completing a child
// goal rolls the average child progress up into its parent.
func (p *Planner) UpdateProgress(goalID string, progress float64) error {
	p.mu.Lock()
	err := p.updateProgressLocked(goalID, progress)
	done := p.completions
	p.completions = nil
	p.mu.Unlock()

	for _, g := range done {
		p.notifyGoal(events.EventGoalCompleted, g)
	}
	return err
}

func (p *Planner) updateProgressLocked(goalID string, progress float64) error {
	goal, ok := p.goals[goalID]
	if !ok {
		return fmt.Errorf("decision: goal %s not found", goalID)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	goal.Progress = progress
	if goal.Progress >= 1 {
		if goal.Status != GoalCompleted {
			goal.Status = GoalCompleted
			now := time.Now()
			goal.CompletedAt = &now
			p.completions = append(p.completions, *goal)
		}
	} else if goal.Status == GoalPending && goal.Progress > 0 {
		goal.Status = GoalActive
	}

	if goal.Status == GoalCompleted && goal.ParentID != "" {
		p.rollUpParentLocked(goal.ParentID)
	}
	return nil
}

func (p *Planner) rollUpParentLocked(parentID string) {
	children := p.hierarchy[parentID]
	if _, ok := p.goals[parentID]; !ok || len(children) == 0 {
		return
	}

	var total float64
	for _, childID := range children {
		if child, ok := p.goals[childID]; ok {
			total += child.Progress
		}
	}
	_ = p.updateProgressLocked(parentID, total/float64(len(children)))
}

// Get returns a copy of the goal with the given id.
func (p *Planner) Get(goalID string) (Goal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	goal, ok := p.goals[goalID]
	if !ok {
		return Goal{}, false
	}
	return *goal, true
}

// ActiveGoals returns pending and active goals that have not expired, sorted
// by priority descending with goal id breaking ties.
func (p *Planner) ActiveGoals() []Goal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeGoalsLocked()
}

func (p *Planner) activeGoalsLocked() []Goal {
	now := time.Now()
	var active []Goal
	for _, goal := range p.goals {
		if goal.Status != GoalPending && goal.Status != GoalActive {
			continue
		}
		if goal.Deadline != nil && now.After(*goal.Deadline) {
			goal.Status = GoalFailed
			continue
		}
		active = append(active, *goal)
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// GoalAlignment scores each outcome against the active goals: an outcome that
// contains a goal's success criterion (case-insensitive substring) accrues
// criterion weight times goal priority. Scores are normalized so the best
// outcome maps to 1.
func (p *Planner) GoalAlignment(outcomes []string) map[string]float64 {
	alignment := make(map[string]float64, len(outcomes))
	for _, outcome := range outcomes {
		alignment[outcome] = 0
	}

	active := p.ActiveGoals()
	if len(active) == 0 {
		return alignment
	}

	for _, outcome := range outcomes {
		lower := strings.ToLower(outcome)
		for _, goal := range active {
			for criterion, weight := range goal.SuccessCriteria {
				if strings.Contains(lower, strings.ToLower(criterion)) {
					alignment[outcome] += weight * goal.Priority
				}
			}
		}
	}

	var max float64
	for _, v := range alignment {
		if v > max {
			max = v
		}
	}
	if max > 0 {
		for outcome := range alignment {
			alignment[outcome] /= max
		}
	}
	return alignment
}

// ArchiveCompleted moves completed, failed and expired goals into the history
// and removes them from the hierarchy. It returns the number archived.
func (p *Planner) ArchiveCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var toArchive []string
	for id, goal := range p.goals {
		expired := goal.Deadline != nil && now.After(*goal.Deadline)
		if expired && goal.Status != GoalCompleted {
			goal.Status = GoalFailed
		}
		if goal.Status == GoalCompleted || goal.Status == GoalFailed {
			toArchive = append(toArchive, id)
		}
	}

	// Stable archive order keeps history deterministic.
	sort.Strings(toArchive)
	for _, id := range toArchive {
		p.history = append(p.history, *p.goals[id])
		delete(p.goals, id)
		delete(p.hierarchy, id)
		for parentID, children := range p.hierarchy {
			for i, childID := range children {
				if childID == id {
					p.hierarchy[parentID] = append(children[:i], children[i+1:]...)
					break
				}
			}
			if len(p.hierarchy[parentID]) == 0 {
				delete(p.hierarchy, parentID)
			}
		}
	}
	return len(toArchive)
}

// History returns the most recent archived goals, newest last.
func (p *Planner) History(limit int) []Goal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	out := make([]Goal, limit)
	copy(out, p.history[len(p.history)-limit:])
	return out
}
