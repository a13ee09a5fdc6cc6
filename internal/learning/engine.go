// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package learning

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

// Engine runs the reinforcement learning loop: it collects experiences from
// the agent, replays batches on a timer, adapts the exploration rate and
// persists the model to disk.
type Engine struct {
	config  *config.LearningConfig
	learner *QLearner

	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// modelFile is the on-disk snapshot format.
type modelFile struct {
	QTable  map[string]map[string]float64 `json:"q_table"`
	Stats   Stats                         `json:"learning_stats"`
	Epsilon float64                       `json:"epsilon"`
	SavedAt time.Time                     `json:"saved_at"`
}

// NewEngine creates a learning engine. A previously saved model at
// cfg.ModelPath is loaded if present.
func NewEngine(cfg *config.LearningConfig) (*Engine, error) {
	if cfg == nil {
		def := config.DefaultConfig().Learning
		cfg = &def
	}

	learner := NewQLearner(cfg.Alpha, cfg.Gamma, cfg.Epsilon, cfg.MaxReplaySize, rand.New(rand.NewSource(time.Now().UnixNano())))

	e := &Engine{
		config:   cfg,
		learner:  learner,
		stopChan: make(chan struct{}),
	}

	if cfg.ModelPath != "" {
		if err := e.Load(cfg.ModelPath); err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("Failed to load learning model: %v", err)
			}
		}
	}

	return e, nil
}

// Learner exposes the underlying Q-learner for action selection.
func (e *Engine) Learner() *QLearner {
	return e.learner
}

// Start launches the background replay loop.
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
				e.step()
			}
		}
	}()

	log.Info("Learning engine started")
}

// Stop stops the background loop and saves a final snapshot.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop := e.stopChan
	e.mu.Unlock()

	close(stop)
	e.wg.Wait()

	if e.config.ModelPath != "" {
		if err := e.Save(e.config.ModelPath); err != nil {
			log.Errorf("Failed to save learning model on shutdown: %v", err)
		}
	}
	log.Info("Learning engine stopped")
}

// step runs one replay pass, adapts epsilon and persists when the buffer has
// accumulated enough experience.
func (e *Engine) step() {
	loss := e.learner.Replay(e.config.BatchSize)
	e.learner.DecayEpsilon(e.learner.Efficiency())

	if loss > 0 {
		log.Debugf("Learning replay pass complete (loss: %.4f, epsilon: %.3f)", loss, e.learner.Epsilon())
	}

	if e.config.ModelPath != "" && e.learner.ReplaySize() > 1000 {
		if err := e.Save(e.config.ModelPath); err != nil {
			log.Errorf("Failed to save learning model: %v", err)
		}
	}
}

// ProcessExperience records one observed transition and updates the Q-table
// immediately so the next selection benefits from it.
func (e *Engine) ProcessExperience(state State, action string, reward float64, nextState State) {
	exp := Experience{
		State:     state.Key(),
		Action:    action,
		Reward:    reward,
		NextState: nextState.Key(),
	}
	e.learner.AddExperience(exp)
	e.learner.Update(exp.State, exp.Action, exp.Reward, exp.NextState, "")
}

// ChooseAction selects an action for the given state.
func (e *Engine) ChooseAction(state State, available []string) string {
	return e.learner.ChooseAction(state.Key(), available)
}

// Progress summarizes the learning state for the API.
func (e *Engine) Progress() map[string]interface{} {
	stats := e.learner.Stats()
	return map[string]interface{}{
		"total_episodes":      stats.TotalEpisodes,
		"success_count":       stats.SuccessCount,
		"failure_count":       stats.FailureCount,
		"average_reward":      stats.AverageReward,
		"best_episode_reward": stats.BestEpisodeReward,
		"efficiency":          e.learner.Efficiency(),
		"epsilon":             e.learner.Epsilon(),
		"replay_size":         e.learner.ReplaySize(),
	}
}

// Train runs replay passes on demand and returns the final loss.
func (e *Engine) Train(passes int) float64 {
	if passes <= 0 {
		passes = 1
	}
	var loss float64
	for i := 0; i < passes; i++ {
		loss = e.learner.Replay(e.config.BatchSize)
	}
	e.learner.DecayEpsilon(e.learner.Efficiency())
	return loss
}

// Save writes the model snapshot atomically via a temp file rename.
func (e *Engine) Save(path string) error {
	table, stats, epsilon := e.learner.snapshot()

	data, err := json.MarshalIndent(modelFile{
		QTable:  table,
		Stats:   stats,
		Epsilon: epsilon,
		SavedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("learning: failed to encode model: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("learning: failed to create model directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("learning: failed to write model: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("learning: failed to replace model file: %w", err)
	}
	return nil
}

// Load restores a model snapshot from disk.
func (e *Engine) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m modelFile
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("learning: failed to decode model: %w", err)
	}

	e.learner.restore(m.QTable, m.Stats, m.Epsilon)
	log.Infof("Learning model loaded from %s (%d states)", path, len(m.QTable))
	return nil
}
