// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package learning implements the reinforcement learning engine that adapts
// action selection over time. A tabular Q-learner scores state/action pairs,
// an experience replay buffer feeds periodic batch updates and the engine
// tunes the exploration rate based on recent success.
package learning

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
)

// State captures the observable features used to index the Q-table.
type State struct {
	SystemStatus  string   `json:"system_status"`
	UserSentiment string   `json:"user_sentiment"`
	TaskType      string   `json:"task_type"`
	ContextType   string   `json:"context_type"`
	ActiveGoalIDs []string `json:"active_goal_ids,omitempty"`
}

// Key flattens the state into the colon-joined string used as a Q-table row.
// Empty features fall back to their neutral values so equivalent states map
// to the same row.
func (s State) Key() string {
	status := s.SystemStatus
	if status == "" {
		status = "normal"
	}
	sentiment := s.UserSentiment
	if sentiment == "" {
		sentiment = "neutral"
	}
	task := s.TaskType
	if task == "" {
		task = "unknown"
	}
	ctx := s.ContextType
	if ctx == "" {
		ctx = "general"
	}

	parts := []string{status, sentiment, task, ctx}
	parts = append(parts, s.ActiveGoalIDs...)
	return strings.Join(parts, ":")
}

// Experience is one observed transition stored for replay.
type Experience struct {
	State      string  `json:"state"`
	Action     string  `json:"action"`
	Reward     float64 `json:"reward"`
	NextState  string  `json:"next_state"`
	NextAction string  `json:"next_action,omitempty"`
}

// Stats tracks learning outcomes over time. RecentRewards is a sliding
// window of the last 100 rewards.
type Stats struct {
	TotalEpisodes     int       `json:"total_episodes"`
	SuccessCount      int       `json:"success_count"`
	FailureCount      int       `json:"failure_count"`
	AverageReward     float64   `json:"average_reward"`
	RecentRewards     []float64 `json:"recent_rewards"`
	BestEpisodeReward float64   `json:"best_episode_reward"`
}

// QLearner is a tabular Q-learning implementation. All methods are safe for
// concurrent use.
type QLearner struct {
	mu sync.RWMutex

	alpha   float64
	gamma   float64
	epsilon float64

	qTable map[string]map[string]float64

	replay    []Experience
	maxReplay int

	stats Stats

	rng *rand.Rand
}

// NewQLearner creates a learner with the given hyperparameters. rng drives
// exploration and batch sampling; pass a seeded source in tests for
// deterministic behavior.
func NewQLearner(alpha, gamma, epsilon float64, maxReplay int, rng *rand.Rand) *QLearner {
	if maxReplay <= 0 {
		maxReplay = 10000
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &QLearner{
		alpha:     alpha,
		gamma:     gamma,
		epsilon:   epsilon,
		qTable:    make(map[string]map[string]float64),
		maxReplay: maxReplay,
		stats:     Stats{BestEpisodeReward: 0},
		rng:       rng,
	}
}

// QValue returns the learned value for a state/action pair, zero if unseen.
func (q *QLearner) QValue(state, action string) float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.qTable[state][action]
}

// Update applies one Q-learning step:
//
//	Q(s,a) += alpha * (r + gamma * max_a' Q(s',a') - Q(s,a))
//
// When nextAction is non-empty its value is used instead of the maximum
// (SARSA-style update).
func (q *QLearner) Update(state, action string, reward float64, nextState, nextAction string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateLocked(state, action, reward, nextState, nextAction)
}

func (q *QLearner) updateLocked(state, action string, reward float64, nextState, nextAction string) {
	current := q.qTable[state][action]

	var next float64
	if row, ok := q.qTable[nextState]; ok && len(row) > 0 {
		if nextAction != "" {
			next = row[nextAction]
		} else {
			first := true
			for _, v := range row {
				if first || v > next {
					next = v
					first = false
				}
			}
		}
	}

	if q.qTable[state] == nil {
		q.qTable[state] = make(map[string]float64)
	}
	q.qTable[state][action] = current + q.alpha*(reward+q.gamma*next-current)
}

// ChooseAction picks an action epsilon-greedily. With probability epsilon a
// random action is explored; otherwise the highest-valued available action
// wins, with lexicographic order breaking ties so selection is stable.
func (q *QLearner) ChooseAction(state string, available []string) string {
	if len(available) == 0 {
		return ""
	}

	q.mu.Lock()
	explore := q.rng.Float64() < q.epsilon
	var pick string
	if explore {
		pick = available[q.rng.Intn(len(available))]
	}
	q.mu.Unlock()

	if explore {
		return pick
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	row := q.qTable[state]
	sorted := make([]string, len(available))
	copy(sorted, available)
	sort.Strings(sorted)

	best := sorted[0]
	bestValue := row[best]
	for _, action := range sorted[1:] {
		if v := row[action]; v > bestValue {
			best = action
			bestValue = v
		}
	}
	return best
}

// AddExperience appends a transition to the replay buffer, dropping the
// oldest entry when full, and folds the reward into the running statistics.
func (q *QLearner) AddExperience(exp Experience) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.replay = append(q.replay, exp)
	if len(q.replay) > q.maxReplay {
		q.replay = q.replay[1:]
	}

	q.stats.TotalEpisodes++
	if exp.Reward > 0 {
		q.stats.SuccessCount++
	} else {
		q.stats.FailureCount++
	}

	q.stats.RecentRewards = append(q.stats.RecentRewards, exp.Reward)
	if len(q.stats.RecentRewards) > 100 {
		q.stats.RecentRewards = q.stats.RecentRewards[1:]
	}
	var sum float64
	for _, r := range q.stats.RecentRewards {
		sum += r
	}
	q.stats.AverageReward = sum / float64(len(q.stats.RecentRewards))

	if q.stats.TotalEpisodes == 1 || exp.Reward > q.stats.BestEpisodeReward {
		q.stats.BestEpisodeReward = exp.Reward
	}
}

// Replay samples up to batchSize experiences without replacement and applies
// a Q-update for each. It returns the mean squared TD error of the batch, or
// zero when the buffer holds fewer than batchSize entries.
func (q *QLearner) Replay(batchSize int) float64 {
	if batchSize <= 0 {
		batchSize = 32
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.replay) < batchSize {
		return 0
	}

	indices := q.rng.Perm(len(q.replay))[:batchSize]

	var totalLoss float64
	for _, i := range indices {
		exp := q.replay[i]
		q.updateLocked(exp.State, exp.Action, exp.Reward, exp.NextState, exp.NextAction)

		current := q.qTable[exp.State][exp.Action]
		nextAction := exp.NextAction
		if nextAction == "" {
			nextAction = exp.Action
		}
		target := exp.Reward + q.gamma*q.qTable[exp.NextState][nextAction]
		diff := target - current
		totalLoss += diff * diff
	}
	return totalLoss / float64(batchSize)
}

// Efficiency is the overall success rate, zero before any episode.
func (q *QLearner) Efficiency() float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stats.TotalEpisodes == 0 {
		return 0
	}
	return float64(q.stats.SuccessCount) / float64(q.stats.TotalEpisodes)
}

// DecayEpsilon shrinks exploration when learning is going well and grows it
// when it is not. Epsilon stays within [0.05, 0.3] once adjusted.
func (q *QLearner) DecayEpsilon(efficiency float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case efficiency > 0.8:
		q.epsilon *= 0.95
		if q.epsilon < 0.05 {
			q.epsilon = 0.05
		}
	case efficiency < 0.5:
		q.epsilon *= 1.05
		if q.epsilon > 0.3 {
			q.epsilon = 0.3
		}
	}
}

// Epsilon returns the current exploration rate.
func (q *QLearner) Epsilon() float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.epsilon
}

// Stats returns a copy of the learning statistics.
func (q *QLearner) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := q.stats
	s.RecentRewards = append([]float64(nil), q.stats.RecentRewards...)
	return s
}

// ReplaySize returns the number of buffered experiences.
func (q *QLearner) ReplaySize() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.replay)
}

// snapshot returns deep copies of the Q-table and stats for persistence.
func (q *QLearner) snapshot() (map[string]map[string]float64, Stats, float64) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	table := make(map[string]map[string]float64, len(q.qTable))
	for state, row := range q.qTable {
		cp := make(map[string]float64, len(row))
		for a, v := range row {
			cp[a] = v
		}
		table[state] = cp
	}
	s := q.stats
	s.RecentRewards = append([]float64(nil), q.stats.RecentRewards...)
	return table, s, q.epsilon
}

// restore replaces the Q-table, stats and epsilon from a persisted snapshot.
func (q *QLearner) restore(table map[string]map[string]float64, stats Stats, epsilon float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if table != nil {
		q.qTable = table
	}
	q.stats = stats
	if epsilon > 0 {
		q.epsilon = epsilon
	}
}
