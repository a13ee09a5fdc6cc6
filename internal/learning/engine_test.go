// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package learning

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyadai/polyad/internal/config"
)

func testLearningConfig(t *testing.T) *config.LearningConfig {
	t.Helper()
	return &config.LearningConfig{
		Enabled:        true,
		Alpha:          0.1,
		Gamma:          0.99,
		Epsilon:        0.1,
		MaxReplaySize:  100,
		BatchSize:      4,
		UpdateInterval: time.Hour,
		ModelPath:      filepath.Join(t.TempDir(), "model.json"),
	}
}

func TestEngine_ProcessExperienceUpdatesImmediately(t *testing.T) {
	e, err := NewEngine(testLearningConfig(t))
	require.NoError(t, err)

	state := State{TaskType: "vision"}
	e.ProcessExperience(state, "analyze", 1.0, State{TaskType: "idle"})

	assert.Greater(t, e.Learner().QValue(state.Key(), "analyze"), 0.0)
	assert.Equal(t, 1, e.Learner().ReplaySize())
}

func TestEngine_TrainReturnsLoss(t *testing.T) {
	e, err := NewEngine(testLearningConfig(t))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		e.ProcessExperience(State{TaskType: "chat"}, "respond", 1.0, State{})
	}

	loss := e.Train(3)
	assert.GreaterOrEqual(t, loss, 0.0)
}

func TestEngine_SaveLoadRoundTrip(t *testing.T) {
	cfg := testLearningConfig(t)
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	state := State{TaskType: "vision"}
	e.ProcessExperience(state, "analyze", 1.0, State{})
	require.NoError(t, e.Save(cfg.ModelPath))

	e2, err := NewEngine(cfg) // loads the saved model
	require.NoError(t, err)

	assert.Equal(t,
		e.Learner().QValue(state.Key(), "analyze"),
		e2.Learner().QValue(state.Key(), "analyze"))
	assert.Equal(t, 1, e2.Learner().Stats().TotalEpisodes)
}

func TestEngine_LoadMissingModelIsNotFatal(t *testing.T) {
	cfg := testLearningConfig(t)
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing", "model.json")

	_, err := NewEngine(cfg)
	assert.NoError(t, err)
}

func TestEngine_Progress(t *testing.T) {
	e, err := NewEngine(testLearningConfig(t))
	require.NoError(t, err)

	e.ProcessExperience(State{}, "a", 1.0, State{})
	e.ProcessExperience(State{}, "a", -1.0, State{})

	p := e.Progress()
	assert.Equal(t, 2, p["total_episodes"])
	assert.Equal(t, 1, p["success_count"])
	assert.Equal(t, 0.5, p["efficiency"])
	assert.Equal(t, 2, p["replay_size"])
}

func TestEngine_StartStop(t *testing.T) {
	cfg := testLearningConfig(t)
	cfg.UpdateInterval = 10 * time.Millisecond

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	e.Start()
	e.ProcessExperience(State{}, "a", 1.0, State{})
	time.Sleep(30 * time.Millisecond)
	e.Stop()
	e.Stop() // second stop is a no-op

	// Shutdown persisted a snapshot.
	e2, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, e2.Learner().Stats().TotalEpisodes)
}

func TestEngine_DisabledDoesNotStart(t *testing.T) {
	cfg := testLearningConfig(t)
	cfg.Enabled = false

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	e.Start()
	e.Stop() // must not block or panic
}

func TestEngine_RestartAfterStop(t *testing.T) {
	cfg := testLearningConfig(t)
	cfg.UpdateInterval = 10 * time.Millisecond

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	e.Start()
	e.Stop()

	// The replay loop must come back after a restart, and the second
	// shutdown must persist a snapshot just like the first.
	e.Start()
	e.ProcessExperience(State{}, "a", 1.0, State{})
	time.Sleep(30 * time.Millisecond)
	e.Stop()

	e2, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, e2.Learner().Stats().TotalEpisodes)
}
