package config

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reloader re-reads the config file when its modification time changes.
// Loops call Refresh at cycle boundaries so a new config never applies mid-cycle.
type Reloader struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *Config
	modTime time.Time
}

// NewReloader loads the initial configuration from path.
func NewReloader(path string, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	r := &Reloader{
		path:    path,
		logger:  logger.With(zap.String("component", "config")),
		current: cfg,
	}
	if info, err := os.Stat(path); err == nil {
		r.modTime = info.ModTime()
	}
	return r, nil
}

// Static wraps a fixed configuration that never reloads.
func Static(cfg *Config) *Reloader {
	return &Reloader{current: cfg, logger: zap.NewNop()}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Refresh reloads the file if it changed. An invalid file keeps the previous
// configuration in place and reports false.
func (r *Reloader) Refresh() bool {
	if r.path == "" {
		return false
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}

	r.mu.RLock()
	unchanged := info.ModTime().Equal(r.modTime)
	r.mu.RUnlock()
	if unchanged {
		return false
	}

	cfg, err := LoadConfig(r.path)
	if err != nil {
		r.logger.Warn("config reload rejected, keeping previous", zap.Error(err))
		r.mu.Lock()
		r.modTime = info.ModTime()
		r.mu.Unlock()
		return false
	}

	r.mu.Lock()
	r.current = cfg
	r.modTime = info.ModTime()
	r.mu.Unlock()
	r.logger.Info("config reloaded", zap.String("path", r.path))
	return true
}
