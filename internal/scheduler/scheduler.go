// Package scheduler runs periodic work. A loop never overlaps itself:
// the next cycle starts one interval after the previous one finished.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/metrics"
)

// Task is one cycle of work.
type Task func(ctx context.Context) error

// Stats describes a loop's history.
type Stats struct {
	Name     string        `json:"name"`
	Cycles   int           `json:"cycles"`
	Failures int           `json:"failures"`
	Running  bool          `json:"running"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Scheduler drives a Task on an interval.
type Scheduler struct {
	name    string
	task    Task
	config  *Config
	metrics *metrics.Collector
	logger  *zap.Logger

	// busy serializes cycles between the loop and RunOnce callers.
	busy    sync.Mutex
	trigger chan struct{}

	mu    sync.Mutex
	stats Stats

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. metrics may be nil.
func New(name string, task Task, cfg *Config, m *metrics.Collector, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		name:    name,
		task:    task,
		config:  cfg,
		metrics: m,
		logger:  logger.With(zap.String("loop", name)),
		trigger: make(chan struct{}, 1),
		stats:   Stats{Name: name},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the loop in the background.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(s.ctx)
	}()
	s.logger.Info("loop started")
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("loop stopped")
}

// Run drives the loop until ctx is canceled. It always returns nil so it
// can sit in an errgroup next to other loops; cycle errors are logged.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("loop started")
	s.loop(ctx)
	s.logger.Info("loop stopped")
	return nil
}

// Trigger asks for a cycle now instead of at the next tick.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	if !s.config.Delayed {
		s.RunOnce(ctx)
	}

	timer := time.NewTimer(s.config.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.RunOnce(ctx)
		timer.Reset(s.config.interval())
	}
}

// RunOnce runs a single cycle, waiting for any cycle already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.busy.Lock()
	defer s.busy.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if s.config.Reloader != nil && s.config.Reloader.Refresh() {
		s.logger.Info("configuration reloaded")
	}

	s.setRunning(true)
	start := time.Now()
	err := s.task(ctx)
	took := time.Since(start)

	s.mu.Lock()
	s.stats.Running = false
	s.stats.Cycles++
	s.stats.LastRun = start
	s.stats.LastTook = took
	s.stats.LastErr = ""
	if err != nil && ctx.Err() == nil {
		s.stats.Failures++
		s.stats.LastErr = err.Error()
	}
	s.mu.Unlock()

	s.metrics.RecordCycle(s.name, took, err)
	switch {
	case err == nil:
		s.logger.Debug("cycle finished", zap.Duration("took", took))
	case ctx.Err() != nil:
		s.logger.Info("cycle interrupted by shutdown")
	default:
		s.logger.Error("cycle failed", zap.Duration("took", took), zap.Error(err))
	}
	return err
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.stats.Running = v
	s.mu.Unlock()
}

// Stats returns a snapshot of the loop's history.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
