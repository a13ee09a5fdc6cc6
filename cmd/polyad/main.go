// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Polyad is an autonomous agent server: a reinforcement-learning action
// loop, a goal-driven decision engine and a response cache behind a REST
// API, backed by a local Ollama model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"

	"github.com/polyadai/polyad/internal/agent"
	"github.com/polyadai/polyad/internal/api"
	"github.com/polyadai/polyad/internal/auth"
	"github.com/polyadai/polyad/internal/backup"
	"github.com/polyadai/polyad/internal/buildinfo"
	"github.com/polyadai/polyad/internal/cache"
	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/decision"
	"github.com/polyadai/polyad/internal/events"
	"github.com/polyadai/polyad/internal/knowledge"
	"github.com/polyadai/polyad/internal/learning"
	"github.com/polyadai/polyad/internal/logging"
	"github.com/polyadai/polyad/internal/monitoring"
	"github.com/polyadai/polyad/internal/ollama"
	"github.com/polyadai/polyad/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	port := flag.Int("port", 0, "override the configured listen port")
	debug := flag.Bool("debug", false, "enable debug logging")
	openDashboard := flag.Bool("open", false, "open the dashboard in a browser after startup")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("polyad %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// .env is optional; values feed the POLYAD_* overrides in config loading.
	_ = godotenv.Load()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsMaxTotalSizeMB); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	log.Infof("Starting polyad %s (commit %s)", buildinfo.Version, buildinfo.Commit)

	if err := run(cfg, *configPath, *openDashboard); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(cfg *config.Config, configPath string, openDashboard bool) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	bus := events.NewBus()
	defer bus.Shutdown()

	llm, err := ollama.NewClient(&cfg.Ollama)
	if err != nil {
		return fmt.Errorf("failed to create ollama client: %w", err)
	}

	cacheStore, err := cache.New(&cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer cacheStore.Close()

	learningEngine, err := learning.NewEngine(&cfg.Learning)
	if err != nil {
		return fmt.Errorf("failed to create learning engine: %w", err)
	}

	decisionEngine, err := decision.NewEngine(&cfg.Decision, bus)
	if err != nil {
		return fmt.Errorf("failed to create decision engine: %w", err)
	}

	var kb agent.Searcher
	if cfg.Knowledge.Enabled {
		base, err := knowledge.NewBase(&cfg.Knowledge, llm)
		if err != nil {
			return fmt.Errorf("failed to open knowledge base: %w", err)
		}
		defer base.Close()
		kb = base
	}

	authManager, err := auth.NewManager(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create auth manager: %w", err)
	}

	auditStore, err := store.New(&cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer auditStore.Close()

	monitor := monitoring.NewMonitor(&cfg.Monitoring, bus)
	if cfg.Monitoring.Enabled {
		if err := monitor.Start(context.Background()); err != nil {
			log.Warnf("Monitoring not started: %v", err)
		} else {
			defer monitor.Stop()
		}
	}

	backupManager, err := backup.NewManager(&cfg.Backup, cfg.DataDir, bus)
	if err != nil {
		return fmt.Errorf("failed to create backup manager: %w", err)
	}
	backupManager.Start()
	defer backupManager.Stop()

	polyad := agent.New(cfg, llm, cacheStore, learningEngine, decisionEngine, kb, bus)
	if err := polyad.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer polyad.Stop()

	// Hot reload only announces the change; components pick the new values
	// up on their next construction. A restart applies everything.
	watcher, err := config.NewWatcher(configPath, func(fresh *config.Config) {
		bus.PublishAsync(events.NewPayload(events.EventConfigReloaded, "main", map[string]interface{}{
			"path": configPath,
		}))
	})
	if err != nil {
		log.Warnf("Config watcher not started: %v", err)
	} else {
		defer watcher.Stop()
	}

	server := api.NewServer(cfg, polyad, authManager, auditStore, monitor, backupManager, llm)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if openDashboard {
		url := fmt.Sprintf("http://localhost:%d/api/health", cfg.Port)
		go func() {
			if err := open.Run(url); err != nil {
				log.Warnf("Failed to open %s: %v", url, err)
			}
		}()
	}

	return server.Run(ctx)
}
