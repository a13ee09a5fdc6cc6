// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package decision

import (
	"sort"
	"sync"
	"time"
)

// OutcomeRecord captures the result of an executed action.
type OutcomeRecord struct {
	Outcome   string    `json:"outcome"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Record summarizes one decision for the audit trail.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	OptionsEvaluated int       `json:"options_evaluated"`
	Selected         Option    `json:"selected_option"`
	ForcedByRule     string    `json:"forced_by_rule,omitempty"`
	AutonomyLevel    float64   `json:"autonomy_level"`
	RiskTolerance    float64   `json:"risk_tolerance"`
}

// Maker evaluates options against the planner's goals and adapts its risk
// tolerance and autonomy level from observed outcomes.
type Maker struct {
	planner *Planner

	mu            sync.RWMutex
	riskTolerance float64
	autonomyLevel float64
	outcomes      map[string]OutcomeRecord
	history       []Record
}

// NewMaker creates a decision maker. Initial risk tolerance and autonomy must
// already be validated to [0.1, 1.0] by config.
func NewMaker(planner *Planner, riskTolerance, autonomyLevel float64) *Maker {
	return &Maker{
		planner:       planner,
		riskTolerance: riskTolerance,
		autonomyLevel: autonomyLevel,
		outcomes:      make(map[string]OutcomeRecord),
	}
}

// Evaluate scores the options and returns them sorted by utility descending,
// with action id breaking ties so ordering is stable.
func (m *Maker) Evaluate(options []*Option) []*Option {
	if len(options) == 0 {
		return nil
	}

	var outcomes []string
	for _, o := range options {
		for name := range o.ExpectedOutcomes {
			outcomes = append(outcomes, name)
		}
	}
	alignment := m.planner.GoalAlignment(outcomes)

	m.mu.RLock()
	risk := m.riskTolerance
	m.mu.RUnlock()

	for _, o := range options {
		o.Utility(alignment, risk)
	}

	sorted := make([]*Option, len(options))
	copy(sorted, options)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UtilityScore != sorted[j].UtilityScore {
			return sorted[i].UtilityScore > sorted[j].UtilityScore
		}
		return sorted[i].ActionID < sorted[j].ActionID
	})
	return sorted
}

// SelectBest evaluates the options, drops those whose prerequisites have not
// been satisfied by a recorded outcome, and returns the highest-utility
// survivor. It returns nil when no option qualifies.
func (m *Maker) SelectBest(options []*Option) *Option {
	evaluated := m.Evaluate(options)
	if len(evaluated) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Option
	for _, o := range evaluated {
		if m.prerequisitesMetLocked(o) {
			best = o
			break
		}
	}
	if best == nil {
		return nil
	}

	m.history = append(m.history, Record{
		Timestamp:        time.Now(),
		OptionsEvaluated: len(evaluated),
		Selected:         *best,
		AutonomyLevel:    m.autonomyLevel,
		RiskTolerance:    m.riskTolerance,
	})
	return best
}

func (m *Maker) prerequisitesMetLocked(o *Option) bool {
	for _, prereq := range o.Prerequisites {
		if _, ok := m.outcomes[prereq]; !ok {
			return false
		}
	}
	return true
}

// RecordOutcome stores an action result and adapts risk tolerance: +0.05 per
// success up to 1.0, -0.1 per failure down to 0.1.
func (m *Maker) RecordOutcome(actionID, outcome string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomes[actionID] = OutcomeRecord{
		Outcome:   outcome,
		Success:   success,
		Timestamp: time.Now(),
	}

	if success {
		m.riskTolerance += 0.05
		if m.riskTolerance > 1.0 {
			m.riskTolerance = 1.0
		}
	} else {
		m.riskTolerance -= 0.1
		if m.riskTolerance < 0.1 {
			m.riskTolerance = 0.1
		}
	}
}

// AdjustAutonomy recomputes the autonomy level from context:
//
//	level = 0.4*userTrust + 0.4*systemReliability - 0.2*taskCriticality
//
// clamped to [0.1, 1.0] and moving at most 0.2 per adjustment.
func (m *Maker) AdjustAutonomy(userTrust, taskCriticality, systemReliability float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	level := userTrust*0.4 + systemReliability*0.4 - taskCriticality*0.2
	if level < 0.1 {
		level = 0.1
	}
	if level > 1.0 {
		level = 1.0
	}

	const maxChange = 0.2
	if level > m.autonomyLevel+maxChange {
		level = m.autonomyLevel + maxChange
	} else if level < m.autonomyLevel-maxChange {
		level = m.autonomyLevel - maxChange
	}

	m.autonomyLevel = level
	return level
}

// CanActAutonomously reports whether the option clears the autonomy gate:
// confidence above 0.3 + 0.7*autonomy, and cost below the autonomy level.
func (m *Maker) CanActAutonomously(o *Option) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threshold := 0.3 + m.autonomyLevel*0.7
	return o.Confidence > threshold && o.ResourceCost < m.autonomyLevel
}

// RiskTolerance returns the current risk tolerance.
func (m *Maker) RiskTolerance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.riskTolerance
}

// AutonomyLevel returns the current autonomy level.
func (m *Maker) AutonomyLevel() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autonomyLevel
}

// History returns the most recent decision records, newest last.
func (m *Maker) History(limit int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Record, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// recordForced appends a decision record for a rule-forced selection.
func (m *Maker) recordForced(selected *Option, rule string, evaluated int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, Record{
		Timestamp:        time.Now(),
		OptionsEvaluated: evaluated,
		Selected:         *selected,
		ForcedByRule:     rule,
		AutonomyLevel:    m.autonomyLevel,
		RiskTolerance:    m.riskTolerance,
	})
}
