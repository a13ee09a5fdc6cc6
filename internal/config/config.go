// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the polyad server.
// It handles loading and parsing YAML configuration files, applies
// environment variable overrides on top of file values, and provides
// structured access to application settings for every subsystem.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
// Environment variables override file values; file values override defaults.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for local-only access.
	Host string `yaml:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsMaxTotalSizeMB limits the total size (in MB) of log files under the logs
	// directory. When exceeded, the oldest log files are deleted until within the
	// limit. Set to 0 to disable.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb"`

	// DataDir is the base directory for all persistent state (cache db, knowledge
	// db, learning snapshots, backups).
	DataDir string `yaml:"data-dir"`

	// MaxConnections caps the number of concurrently served TCP connections.
	MaxConnections int `yaml:"max-connections"`

	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	Learning   LearningConfig   `yaml:"learning"`
	Decision   DecisionConfig   `yaml:"decision"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	RateLimit  RateLimitConfig  `yaml:"rate-limit"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Backup     BackupConfig     `yaml:"backup"`
	Audit      AuditConfig      `yaml:"audit"`
}

// AuthConfig controls JWT issuance and the credential set accepted by login.
type AuthConfig struct {
	// JWTSecret signs access tokens. Required outside debug mode.
	JWTSecret string `yaml:"jwt-secret"`
	// TokenTTL is the access token lifetime. Default one hour.
	TokenTTL time.Duration `yaml:"token-ttl"`
	// Users maps usernames to bcrypt password hashes.
	Users []UserConfig `yaml:"users"`
}

// UserConfig is a single login credential entry.
type UserConfig struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password-hash"`
	Roles        []string `yaml:"roles"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	// Backend is one of "disk", "memory", "redis".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file used by the disk backend.
	Path string `yaml:"path"`
	// TTL is the entry lifetime. Expired entries are misses.
	TTL time.Duration `yaml:"ttl"`
	// MaxSizeMB caps the on-disk database size before eviction kicks in.
	MaxSizeMB int `yaml:"max-size-mb"`
	// MaxEntries caps the in-memory backend.
	MaxEntries int `yaml:"max-entries"`
	// CleanupInterval is the period of the background cleanup loop.
	CleanupInterval time.Duration `yaml:"cleanup-interval"`
	// RedisAddr is the host:port of the Redis server for the redis backend.
	RedisAddr string `yaml:"redis-addr"`
	// RedisDB selects the Redis logical database.
	RedisDB int `yaml:"redis-db"`
	// RedisPassword authenticates against Redis when set.
	RedisPassword string `yaml:"redis-password"`
}

// LearningConfig tunes the reinforcement learning engine.
type LearningConfig struct {
	Enabled bool `yaml:"enabled"`
	// Alpha is the learning rate, Gamma the discount factor, Epsilon the
	// exploration rate. All within [0,1].
	Alpha   float64 `yaml:"alpha"`
	Gamma   float64 `yaml:"gamma"`
	Epsilon float64 `yaml:"epsilon"`
	// MaxReplaySize bounds the experience replay buffer.
	MaxReplaySize int `yaml:"max-replay-size"`
	// BatchSize is the number of experiences sampled per replay pass.
	BatchSize int `yaml:"batch-size"`
	// UpdateInterval is the period of the background learning loop.
	UpdateInterval time.Duration `yaml:"update-interval"`
	// ModelPath is where the Q-table snapshot is persisted.
	ModelPath string `yaml:"model-path"`
}

// DecisionConfig tunes the decision engine.
type DecisionConfig struct {
	Enabled bool `yaml:"enabled"`
	// UpdateInterval is the period of the goal maintenance loop.
	UpdateInterval time.Duration `yaml:"update-interval"`
	// RiskTolerance is the initial risk tolerance within [0.1, 1.0].
	RiskTolerance float64 `yaml:"risk-tolerance"`
	// AutonomyLevel is the initial autonomy level within [0.1, 1.0].
	AutonomyLevel float64 `yaml:"autonomy-level"`
	// Rules are user-defined decision rules evaluated before utility scoring.
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is a user-defined decision rule. When evaluates to a boolean
// using expr syntax over the rule environment; Action names the option id to
// force when the rule matches.
type RuleConfig struct {
	Name   string `yaml:"name"`
	When   string `yaml:"when"`
	Action string `yaml:"action"`
}

// OllamaConfig configures the local Ollama server integration.
type OllamaConfig struct {
	// Host is the base URL of the Ollama server.
	Host string `yaml:"host"`
	// Model is the default generation model.
	Model string `yaml:"model"`
	// EmbedModel is the model used for embeddings.
	EmbedModel string `yaml:"embed-model"`
	// Timeout bounds each request.
	Timeout time.Duration `yaml:"timeout"`
	// MaxPromptTokens rejects prompts exceeding this token count. 0 disables.
	MaxPromptTokens int `yaml:"max-prompt-tokens"`
}

// KnowledgeConfig configures the knowledge base.
type KnowledgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db-path"`
	// TopK is the default number of search results.
	TopK int `yaml:"top-k"`
	// MinSimilarity filters out weak matches.
	MinSimilarity float64 `yaml:"min-similarity"`
}

// MonitoringConfig configures the system monitor and alert thresholds.
type MonitoringConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// SnapshotPath is the JSON metrics file consumed by the dashboard.
	SnapshotPath string `yaml:"snapshot-path"`
	// Thresholds maps metric name to warning/critical levels.
	Thresholds map[string]Threshold `yaml:"thresholds"`
}

// Threshold holds the warning and critical levels for one metric.
type Threshold struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int `yaml:"requests-per-minute"`
	// Burst is the extra allowance above the sustained rate.
	Burst int `yaml:"burst"`
	// BlockDuration is how long a repeatedly bursting client stays blocked.
	BlockDuration time.Duration `yaml:"block-duration"`
	// Whitelist lists client identifiers exempt from limiting.
	Whitelist []string `yaml:"whitelist"`
	// LoginPerMinute is the stricter rate applied to the login endpoint.
	LoginPerMinute int `yaml:"login-per-minute"`
}

// DLQConfig configures the dead-letter queue for failed actions.
type DLQConfig struct {
	MaxRetries int           `yaml:"max-retries"`
	RetryDelay time.Duration `yaml:"retry-delay"`
	Retention  time.Duration `yaml:"retention"`
	MaxSize    int           `yaml:"max-size"`
}

// BackupConfig configures periodic backups of the data directory.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	// Keep is the number of archives retained locally.
	Keep int `yaml:"keep"`
	// S3 uploads archives to an S3-compatible endpoint when configured.
	S3 S3Config `yaml:"s3"`
}

// S3Config holds credentials for an S3-compatible object store.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	UseSSL    bool   `yaml:"use-ssl"`
}

// AuditConfig configures the security audit store.
type AuditConfig struct {
	// PostgresDSN enables the Postgres-backed store when set. Without it,
	// events are kept in a bounded in-memory ring.
	PostgresDSN string `yaml:"postgres-dsn"`
	// Table is the audit table name.
	Table string `yaml:"table"`
	// MemoryLimit bounds the in-memory ring.
	MemoryLimit int `yaml:"memory-limit"`
}

// DefaultConfig returns a configuration populated with defaults suitable for
// local development.
func DefaultConfig() *Config {
	return &Config{
		Host:               "",
		Port:               5000,
		Debug:              false,
		LoggingToFile:      false,
		LogsMaxTotalSizeMB: 100,
		DataDir:            "data",
		MaxConnections:     256,
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Cache: CacheConfig{
			Backend:         "disk",
			Path:            "data/cache.db",
			TTL:             24 * time.Hour,
			MaxSizeMB:       500,
			MaxEntries:      10000,
			CleanupInterval: time.Hour,
			RedisAddr:       "localhost:6379",
		},
		Learning: LearningConfig{
			Enabled:        true,
			Alpha:          0.1,
			Gamma:          0.99,
			Epsilon:        0.1,
			MaxReplaySize:  10000,
			BatchSize:      32,
			UpdateInterval: time.Minute,
			ModelPath:      "data/learning_model.json",
		},
		Decision: DecisionConfig{
			Enabled:        true,
			UpdateInterval: time.Minute,
			RiskTolerance:  0.5,
			AutonomyLevel:  0.5,
		},
		Ollama: OllamaConfig{
			Host:            "http://localhost:11434",
			Model:           "gemma3:12b-it-q4_K_M",
			EmbedModel:      "nomic-embed-text",
			Timeout:         120 * time.Second,
			MaxPromptTokens: 0,
		},
		Knowledge: KnowledgeConfig{
			Enabled:       true,
			DBPath:        "data/knowledge.db",
			TopK:          5,
			MinSimilarity: 0.2,
		},
		Monitoring: MonitoringConfig{
			Enabled:      true,
			Interval:     5 * time.Second,
			SnapshotPath: "data/metrics.json",
			Thresholds: map[string]Threshold{
				"cpu_percent":    {Warning: 80, Critical: 90},
				"memory_percent": {Warning: 80, Critical: 90},
				"error_rate":     {Warning: 0.05, Critical: 0.10},
				"response_time":  {Warning: 2.0, Critical: 5.0},
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 50,
			Burst:             10,
			BlockDuration:     5 * time.Minute,
			LoginPerMinute:    5,
		},
		DLQ: DLQConfig{
			MaxRetries: 3,
			RetryDelay: 30 * time.Second,
			Retention:  24 * time.Hour,
			MaxSize:    1000,
		},
		Backup: BackupConfig{
			Enabled:  false,
			Dir:      "backups",
			Interval: 24 * time.Hour,
			Keep:     7,
		},
		Audit: AuditConfig{
			Table:       "audit_events",
			MemoryLimit: 1000,
		},
	}
}

// LoadConfig reads the configuration file at configFile, merges it over the
// defaults and applies environment variable overrides. A missing file is not
// an error: defaults plus environment are used. A malformed file is.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", configFile, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", configFile, err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps POLYAD_* environment variables over file values.
// Malformed numeric values are ignored and the file value (or default) wins.
func (cfg *Config) applyEnvOverrides() {
	if v, ok := lookupEnv("POLYAD_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := lookupEnv("POLYAD_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			cfg.Port = p
		}
	}
	if v, ok := lookupEnv("POLYAD_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v, ok := lookupEnv("POLYAD_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnv("POLYAD_JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookupEnv("POLYAD_CACHE_BACKEND"); ok {
		cfg.Cache.Backend = v
	}
	if v, ok := lookupEnv("POLYAD_REDIS_ADDR"); ok {
		cfg.Cache.RedisAddr = v
	}
	if v, ok := lookupEnv("POLYAD_REDIS_PASSWORD"); ok {
		cfg.Cache.RedisPassword = v
	}
	if v, ok := lookupEnv("POLYAD_OLLAMA_HOST"); ok {
		cfg.Ollama.Host = v
	}
	if v, ok := lookupEnv("POLYAD_MODEL_NAME"); ok {
		cfg.Ollama.Model = v
	}
	if v, ok := lookupEnv("POLYAD_EMBED_MODEL"); ok {
		cfg.Ollama.EmbedModel = v
	}
	if v, ok := lookupEnv("POLYAD_POSTGRES_DSN"); ok {
		cfg.Audit.PostgresDSN = v
	}
	if v, ok := lookupEnv("POLYAD_S3_ENDPOINT"); ok {
		cfg.Backup.S3.Endpoint = v
	}
	if v, ok := lookupEnv("POLYAD_S3_ACCESS_KEY"); ok {
		cfg.Backup.S3.AccessKey = v
	}
	if v, ok := lookupEnv("POLYAD_S3_SECRET_KEY"); ok {
		cfg.Backup.S3.SecretKey = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing runtime failures.
func (cfg *Config) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	switch cfg.Cache.Backend {
	case "disk", "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache backend %q", cfg.Cache.Backend)
	}
	if cfg.Learning.Alpha < 0 || cfg.Learning.Alpha > 1 {
		return fmt.Errorf("config: learning alpha must be within [0,1], got %v", cfg.Learning.Alpha)
	}
	if cfg.Learning.Gamma < 0 || cfg.Learning.Gamma > 1 {
		return fmt.Errorf("config: learning gamma must be within [0,1], got %v", cfg.Learning.Gamma)
	}
	if cfg.Learning.Epsilon < 0 || cfg.Learning.Epsilon > 1 {
		return fmt.Errorf("config: learning epsilon must be within [0,1], got %v", cfg.Learning.Epsilon)
	}
	if cfg.Decision.RiskTolerance < 0.1 || cfg.Decision.RiskTolerance > 1.0 {
		return fmt.Errorf("config: risk tolerance must be within [0.1,1.0], got %v", cfg.Decision.RiskTolerance)
	}
	if cfg.Decision.AutonomyLevel < 0.1 || cfg.Decision.AutonomyLevel > 1.0 {
		return fmt.Errorf("config: autonomy level must be within [0.1,1.0], got %v", cfg.Decision.AutonomyLevel)
	}
	if !cfg.Debug && cfg.Auth.JWTSecret == "" && len(cfg.Auth.Users) > 0 {
		return fmt.Errorf("config: auth users configured without a jwt-secret")
	}
	return nil
}
