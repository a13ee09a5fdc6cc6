// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "disk", cfg.Cache.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 0.1, cfg.Learning.Alpha)
	assert.Equal(t, 0.99, cfg.Learning.Gamma)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.Host)
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
port: 8080
debug: true
cache:
  backend: memory
  ttl: 1h
learning:
  alpha: 0.2
ollama:
  model: test-model
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 0.2, cfg.Learning.Alpha)
	assert.Equal(t, "test-model", cfg.Ollama.Model)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.99, cfg.Learning.Gamma)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, `
port: 8080
debug: true
ollama:
  model: file-model
`)

	t.Setenv("POLYAD_DEBUG", "false")
	t.Setenv("POLYAD_MODEL_NAME", "env-model")
	t.Setenv("POLYAD_PORT", "9090")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Environment wins over file values.
	assert.False(t, cfg.Debug)
	assert.Equal(t, "env-model", cfg.Ollama.Model)
	assert.Equal(t, 9090, cfg.Port)
}

func TestLoadConfig_MalformedEnvFallsBack(t *testing.T) {
	path := writeConfig(t, "port: 8080\n")

	t.Setenv("POLYAD_PORT", "not-a-number")
	t.Setenv("POLYAD_DEBUG", "maybe")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Malformed values are ignored, file value wins.
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.Debug)
}

func TestLoadConfig_EmptyEnvIgnored(t *testing.T) {
	t.Setenv("POLYAD_MODEL_NAME", "   ")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Ollama.Model, cfg.Ollama.Model)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "port: [not, a, scalar\n")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"bad backend", func(c *Config) { c.Cache.Backend = "tape" }},
		{"alpha out of range", func(c *Config) { c.Learning.Alpha = 1.5 }},
		{"epsilon negative", func(c *Config) { c.Learning.Epsilon = -0.1 }},
		{"risk tolerance too low", func(c *Config) { c.Decision.RiskTolerance = 0.0 }},
		{"users without secret", func(c *Config) {
			c.Auth.Users = []UserConfig{{Username: "admin"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8080\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("port: 9091\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9091, cfg.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
