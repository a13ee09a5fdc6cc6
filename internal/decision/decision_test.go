// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/events"
)

func TestOption_Utility(t *testing.T) {
	o := &Option{
		ActionID:         "clear_cache",
		ExpectedOutcomes: map[string]float64{"freed_memory": 0.9, "temporary_slowdown": 0.4},
		ResourceCost:     0.2,
		Confidence:       0.9,
	}
	alignment := map[string]float64{"freed_memory": 1.0, "temporary_slowdown": 0.0}

	// alignment = 0.9*1.0 = 0.9
	// utility = 0.9*0.9 - (1-0.9)*(1-0.5) - 0.2*(1-0.5) = 0.81 - 0.05 - 0.1 = 0.66
	got := o.Utility(alignment, 0.5)
	assert.InDelta(t, 0.66, got, 1e-9)
	assert.Equal(t, got, o.UtilityScore)
}

func TestOption_UtilityHigherRiskToleranceReducesPenalties(t *testing.T) {
	o := &Option{ExpectedOutcomes: map[string]float64{"x": 0.5}, ResourceCost: 0.5, Confidence: 0.5}
	alignment := map[string]float64{"x": 1.0}

	cautious := o.Utility(alignment, 0.1)
	bold := o.Utility(alignment, 0.9)
	assert.Greater(t, bold, cautious)
}

func TestPlanner_CreateAndProgress(t *testing.T) {
	p := NewPlanner()

	id, err := p.CreateGoal("optimize resources", 0.8, map[string]float64{"optimization": 0.7}, nil, "")
	require.NoError(t, err)

	require.NoError(t, p.UpdateProgress(id, 0.5))
	goal, ok := p.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0.5, goal.Progress)
	assert.Equal(t, GoalActive, goal.Status)

	require.NoError(t, p.UpdateProgress(id, 1.5)) // clamped
	goal, _ = p.Get(id)
	assert.Equal(t, 1.0, goal.Progress)
	assert.Equal(t, GoalCompleted, goal.Status)
	assert.NotNil(t, goal.CompletedAt)
}

func TestPlanner_RejectsInvalidGoals(t *testing.T) {
	p := NewPlanner()

	_, err := p.CreateGoal("", 0.5, nil, nil, "")
	assert.Error(t, err)

	_, err = p.CreateGoal("g", 1.5, nil, nil, "")
	assert.Error(t, err)

	_, err = p.CreateGoal("g", 0.5, nil, nil, "missing-parent")
	assert.Error(t, err)

	assert.Error(t, p.UpdateProgress("missing", 0.5))
}

func TestPlanner_ParentProgressRollsUp(t *testing.T) {
	p := NewPlanner()

	parent, err := p.CreateGoal("parent", 0.9, nil, nil, "")
	require.NoError(t, err)
	childA, err := p.CreateGoal("child a", 0.5, nil, nil, parent)
	require.NoError(t, err)
	childB, err := p.CreateGoal("child b", 0.5, nil, nil, parent)
	require.NoError(t, err)

	require.NoError(t, p.UpdateProgress(childA, 1.0))
	goal, _ := p.Get(parent)
	assert.InDelta(t, 0.5, goal.Progress, 1e-9)

	require.NoError(t, p.UpdateProgress(childB, 1.0))
	goal, _ = p.Get(parent)
	assert.Equal(t, GoalCompleted, goal.Status)
}

func TestPlanner_ActiveGoalsSortedAndExpired(t *testing.T) {
	p := NewPlanner()

	past := time.Now().Add(-time.Hour)
	_, err := p.CreateGoal("expired", 0.9, nil, &past, "")
	require.NoError(t, err)
	low, err := p.CreateGoal("low", 0.2, nil, nil, "")
	require.NoError(t, err)
	high, err := p.CreateGoal("high", 0.8, nil, nil, "")
	require.NoError(t, err)

	active := p.ActiveGoals()
	require.Len(t, active, 2)
	assert.Equal(t, high, active[0].ID)
	assert.Equal(t, low, active[1].ID)
}

func TestPlanner_GoalAlignment(t *testing.T) {
	p := NewPlanner()

	_, err := p.CreateGoal("optimize", 0.8, map[string]float64{"memory": 0.7}, nil, "")
	require.NoError(t, err)

	alignment := p.GoalAlignment([]string{"freed_memory", "unrelated_outcome"})
	assert.Equal(t, 1.0, alignment["freed_memory"]) // normalized to the max
	assert.Equal(t, 0.0, alignment["unrelated_outcome"])

	// No active goals yields all zeros.
	empty := NewPlanner().GoalAlignment([]string{"x"})
	assert.Equal(t, 0.0, empty["x"])
}

func TestPlanner_ArchiveCompleted(t *testing.T) {
	p := NewPlanner()

	done, err := p.CreateGoal("done", 0.5, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, p.UpdateProgress(done, 1.0))
	_, err = p.CreateGoal("open", 0.5, nil, nil, "")
	require.NoError(t, err)

	assert.Equal(t, 1, p.ArchiveCompleted())
	_, ok := p.Get(done)
	assert.False(t, ok)
	assert.Len(t, p.ActiveGoals(), 1)
	assert.Len(t, p.History(10), 1)
}

func TestMaker_SelectBestOrdersByUtility(t *testing.T) {
	p := NewPlanner()
	_, err := p.CreateGoal("free memory", 0.9, map[string]float64{"memory": 0.8}, nil, "")
	require.NoError(t, err)

	m := NewMaker(p, 0.5, 0.5)

	options := []*Option{
		{ActionID: "slow", ExpectedOutcomes: map[string]float64{"freed_memory": 0.3}, ResourceCost: 0.5, Confidence: 0.5},
		{ActionID: "good", ExpectedOutcomes: map[string]float64{"freed_memory": 0.9}, ResourceCost: 0.2, Confidence: 0.9},
	}

	best := m.SelectBest(options)
	require.NotNil(t, best)
	assert.Equal(t, "good", best.ActionID)
	assert.Len(t, m.History(10), 1)
}

func TestMaker_TieBreaksByActionID(t *testing.T) {
	m := NewMaker(NewPlanner(), 1.0, 0.5) // risk tolerance 1 removes penalties

	options := []*Option{
		{ActionID: "zeta", Confidence: 0.5},
		{ActionID: "alpha", Confidence: 0.5},
	}
	best := m.SelectBest(options)
	require.NotNil(t, best)
	assert.Equal(t, "alpha", best.ActionID)
}

func TestMaker_PrerequisitesFilter(t *testing.T) {
	m := NewMaker(NewPlanner(), 1.0, 0.5)

	gated := &Option{ActionID: "gated", Confidence: 0.9, Prerequisites: []string{"setup"}}
	assert.Nil(t, m.SelectBest([]*Option{gated}))

	m.RecordOutcome("setup", "done", true)
	assert.Equal(t, "gated", m.SelectBest([]*Option{gated}).ActionID)
}

func TestMaker_RiskToleranceAdapts(t *testing.T) {
	m := NewMaker(NewPlanner(), 0.5, 0.5)

	m.RecordOutcome("a", "ok", true)
	assert.InDelta(t, 0.55, m.RiskTolerance(), 1e-9)

	m.RecordOutcome("b", "fail", false)
	assert.InDelta(t, 0.45, m.RiskTolerance(), 1e-9)

	for i := 0; i < 20; i++ {
		m.RecordOutcome("c", "ok", true)
	}
	assert.Equal(t, 1.0, m.RiskTolerance())

	for i := 0; i < 20; i++ {
		m.RecordOutcome("d", "fail", false)
	}
	assert.InDelta(t, 0.1, m.RiskTolerance(), 1e-9)
}

func TestMaker_AdjustAutonomy(t *testing.T) {
	m := NewMaker(NewPlanner(), 0.5, 0.5)

	// 0.9*0.4 + 0.9*0.4 - 0.1*0.2 = 0.7, within the 0.2 step from 0.5.
	assert.InDelta(t, 0.7, m.AdjustAutonomy(0.9, 0.1, 0.9), 1e-9)

	// A large drop is limited to 0.2 per adjustment.
	assert.InDelta(t, 0.5, m.AdjustAutonomy(0.0, 1.0, 0.0), 1e-9)
	assert.InDelta(t, 0.3, m.AdjustAutonomy(0.0, 1.0, 0.0), 1e-9)
	assert.InDelta(t, 0.1, m.AdjustAutonomy(0.0, 1.0, 0.0), 1e-9)
	assert.InDelta(t, 0.1, m.AdjustAutonomy(0.0, 1.0, 0.0), 1e-9) // floor holds
}

func TestMaker_CanActAutonomously(t *testing.T) {
	m := NewMaker(NewPlanner(), 0.5, 0.5)

	// threshold = 0.3 + 0.5*0.7 = 0.65
	assert.True(t, m.CanActAutonomously(&Option{Confidence: 0.9, ResourceCost: 0.2}))
	assert.False(t, m.CanActAutonomously(&Option{Confidence: 0.6, ResourceCost: 0.2}))
	assert.False(t, m.CanActAutonomously(&Option{Confidence: 0.9, ResourceCost: 0.6}))
}

func TestCompileRules_RejectsBadExpressions(t *testing.T) {
	_, err := CompileRules([]config.RuleConfig{{Name: "bad", When: "1 +", Action: "a"}})
	assert.Error(t, err)

	_, err = CompileRules([]config.RuleConfig{{Name: "", When: "true", Action: "a"}})
	assert.Error(t, err)
}

func TestEngine_RuleForcesSelection(t *testing.T) {
	cfg := &config.DecisionConfig{
		Enabled:       true,
		RiskTolerance: 0.5,
		AutonomyLevel: 0.5,
		Rules: []config.RuleConfig{
			{Name: "panic-button", When: `focus == "system_resources" && cpu_percent > 90.0`, Action: "clear_cache"},
		},
	}
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	options := []*Option{
		{ActionID: "optimize", ExpectedOutcomes: map[string]float64{"x": 0.9}, Confidence: 0.9},
		{ActionID: "clear_cache", ExpectedOutcomes: map[string]float64{"x": 0.1}, Confidence: 0.5},
	}

	ctx := Context{
		Focus:     "system_resources",
		UserTrust: 0.5, SystemReliability: 0.5, TaskCriticality: 0.5,
		Extra: map[string]interface{}{"cpu_percent": 95.0},
	}
	best := e.Decide(ctx, options)
	require.NotNil(t, best)
	assert.Equal(t, "clear_cache", best.ActionID)

	records := e.Maker().History(1)
	require.Len(t, records, 1)
	assert.Equal(t, "panic-button", records[0].ForcedByRule)

	// Below the threshold the rule does not fire and utility wins.
	ctx.Extra["cpu_percent"] = 10.0
	best = e.Decide(ctx, options)
	require.NotNil(t, best)
	assert.Equal(t, "optimize", best.ActionID)
}

func TestEngine_StateSnapshot(t *testing.T) {
	e, err := NewEngine(&config.DecisionConfig{Enabled: true, RiskTolerance: 0.5, AutonomyLevel: 0.5}, nil)
	require.NoError(t, err)

	_, err = e.Planner().CreateGoal("g", 0.5, nil, nil, "")
	require.NoError(t, err)

	state := e.State()
	assert.Equal(t, 0.5, state["risk_tolerance"])
	assert.Len(t, state["active_goals"], 1)
}

func TestEngine_StartStop(t *testing.T) {
	e, err := NewEngine(&config.DecisionConfig{
		Enabled:        true,
		UpdateInterval: 10 * time.Millisecond,
		RiskTolerance:  0.5,
		AutonomyLevel:  0.5,
	}, nil)
	require.NoError(t, err)

	id, err := e.Planner().CreateGoal("g", 0.5, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Planner().UpdateProgress(id, 1.0))

	e.Start()
	time.Sleep(50 * time.Millisecond)
	e.Stop()
	e.Stop() // idempotent

	_, ok := e.Planner().Get(id)
	assert.False(t, ok) // maintenance loop archived it
}

func TestPlanner_NotifierReceivesLifecycleEvents(t *testing.T) {
	p := NewPlanner()

	var got []events.Event
	p.SetNotifier(func(event events.Event, goal Goal) {
		got = append(got, event)
	})

	parentID, err := p.CreateGoal("parent", 0.9, nil, nil, "")
	require.NoError(t, err)
	childID, err := p.CreateGoal("child", 0.5, nil, nil, parentID)
	require.NoError(t, err)

	// Completing the only child rolls up and completes the parent too.
	require.NoError(t, p.UpdateProgress(childID, 1.0))

	assert.Equal(t, []events.Event{
		events.EventGoalCreated,
		events.EventGoalCreated,
		events.EventGoalCompleted,
		events.EventGoalCompleted,
	}, got)
}

func TestEngine_FailureStreakSpawnsRemediationGoal(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	e, err := NewEngine(&config.DecisionConfig{Enabled: true, RiskTolerance: 0.5, AutonomyLevel: 0.5}, bus)
	require.NoError(t, err)
	e.Start()
	defer e.Stop()

	failed := events.NewPayload(events.EventActionFailed, "agent", map[string]interface{}{"type": "system"})
	executed := events.NewPayload(events.EventActionExecuted, "agent", map[string]interface{}{"type": "system"})

	// A success in between resets the streak.
	bus.Publish(failed)
	bus.Publish(failed)
	bus.Publish(executed)
	bus.Publish(failed)
	bus.Publish(failed)
	assert.Empty(t, e.Planner().ActiveGoals())

	bus.Publish(failed)
	goals := e.Planner().ActiveGoals()
	require.Len(t, goals, 1)
	assert.Equal(t, "Restore reliability of system actions", goals[0].Description)

	// Another streak while the goal is open does not duplicate it.
	bus.Publish(failed)
	bus.Publish(failed)
	bus.Publish(failed)
	assert.Len(t, e.Planner().ActiveGoals(), 1)
}

func TestEngine_OnUpdateCallbackRunsEachTick(t *testing.T) {
	e, err := NewEngine(&config.DecisionConfig{
		Enabled:        true,
		UpdateInterval: 10 * time.Millisecond,
		RiskTolerance:  0.5,
		AutonomyLevel:  0.5,
	}, nil)
	require.NoError(t, err)

	states := make(chan map[string]interface{}, 1)
	e.OnUpdate(func(state map[string]interface{}) {
		select {
		case states <- state:
		default:
		}
	})

	e.Start()
	defer e.Stop()

	select {
	case state := <-states:
		assert.Contains(t, state, "autonomy_level")
		assert.Contains(t, state, "active_goals")
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestEngine_RestartAfterStop(t *testing.T) {
	e, err := NewEngine(&config.DecisionConfig{
		Enabled:        true,
		UpdateInterval: 10 * time.Millisecond,
		RiskTolerance:  0.5,
		AutonomyLevel:  0.5,
	}, nil)
	require.NoError(t, err)

	e.Start()
	e.Stop()

	// The maintenance loop must come back after a restart.
	id, err := e.Planner().CreateGoal("g", 0.5, nil, nil, "")
	require.NoError(t, err)
	require.NoError(t, e.Planner().UpdateProgress(id, 1.0))

	e.Start()
	require.Eventually(t, func() bool {
		_, ok := e.Planner().Get(id)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
	e.Stop()
}
