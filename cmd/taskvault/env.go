package main

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/agent/command"
	"github.com/fentz26/taskvault/internal/agent/rules"
	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/logging"
	"github.com/fentz26/taskvault/internal/metrics"
	"github.com/fentz26/taskvault/internal/orchestrator"
	"github.com/fentz26/taskvault/internal/status"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
	"github.com/fentz26/taskvault/internal/watcher"
)

// env holds the components every command shares.
type env struct {
	root     string
	config   *config.Reloader
	logger   *zap.Logger
	store    *store.Store
	vault    *vault.Vault
	audit    *audit.Log
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

// resolveRoot picks the vault root: an explicit argument wins over --root.
func resolveRoot(args []string) (string, error) {
	root := vaultRoot
	if len(args) > 0 {
		root = args[0]
	}
	return filepath.Abs(root)
}

func resolveConfig(root string) string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath(root)
}

// openEnv loads configuration, builds the logger and opens the store. The
// vault layout must already exist.
func openEnv(root string) (*env, error) {
	initial, err := config.LoadConfig(resolveConfig(root))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(initial.Log)
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewReloader(resolveConfig(root), logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	v := vault.New(root)
	if missing := v.MissingFolders(); len(missing) > 0 {
		return nil, fmt.Errorf("vault %s is missing folders %v (run 'taskvault init')", root, missing)
	}

	s, err := store.New(config.DBPath(root))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &env{
		root:     root,
		config:   cfg,
		logger:   logger,
		store:    s,
		vault:    v,
		audit:    audit.NewLog(filepath.Join(v.LogsDir(), "audit")),
		registry: reg,
		metrics:  metrics.NewCollector(metrics.Namespace, reg, logger),
	}, nil
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("database close error", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// newAgent builds the configured agent behind the invocation rate limit.
func (e *env) newAgent() agent.Agent {
	cfg := e.config.Current().Agent
	var a agent.Agent
	switch cfg.Type {
	case "command":
		a = command.New(cfg, e.root)
	default:
		a = rules.New(cfg.Sensitive)
	}
	return agent.WithRateLimit(a, cfg.RatePerMinute)
}

func (e *env) newWatcher() *watcher.Watcher {
	return watcher.New(e.store, e.vault, e.audit, e.config, e.metrics, e.logger)
}

func (e *env) newOrchestrator(a agent.Agent) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Deps{
		Store:   e.store,
		Vault:   e.vault,
		Audit:   e.audit,
		Config:  e.config,
		Agent:   a,
		Metrics: e.metrics,
		Logger:  e.logger,
	})
}

func (e *env) newReporter() *status.Reporter {
	return status.New(e.store, e.vault, e.audit, e.config, e.logger)
}
