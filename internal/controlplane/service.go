// Package controlplane provides the HTTP API and service layer for taskvault.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/orchestrator"
	"github.com/fentz26/taskvault/internal/scheduler"
	"github.com/fentz26/taskvault/internal/status"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Service provides the control plane business logic. It reads the store
// and the audit log; the only write it performs is relocating an approval
// document, the same move an operator makes by hand.
type Service struct {
	store    *store.Store
	vault    *vault.Vault
	log      *audit.Log
	reporter *status.Reporter
	logger   *zap.Logger

	agent agent.Agent
	loops []*scheduler.Scheduler
	// onDecision runs after an approval document was moved.
	onDecision func()
}

// NewService creates a new control plane service.
func NewService(s *store.Store, v *vault.Vault, log *audit.Log, r *status.Reporter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    s,
		vault:    v,
		log:      log,
		reporter: r,
		logger:   logger.With(zap.String("component", "controlplane")),
	}
}

// WithAgent reports the agent's availability in health checks.
func (s *Service) WithAgent(a agent.Agent) *Service {
	s.agent = a
	return s
}

// WithLoops reports loop stats in health checks. The last loop given is
// triggered after every decision so it is picked up without waiting.
func (s *Service) WithLoops(loops ...*scheduler.Scheduler) *Service {
	s.loops = loops
	if len(loops) > 0 {
		last := loops[len(loops)-1]
		s.onDecision = last.Trigger
	}
	return s
}

// Health describes the daemon's dependencies.
type Health struct {
	OK      bool              `json:"ok"`
	DB      string            `json:"db"`
	Vault   string            `json:"vault"`
	Agent   *agent.Status     `json:"agent,omitempty"`
	Loops   []scheduler.Stats `json:"loops,omitempty"`
	Version string            `json:"version"`
	Time    string            `json:"time"`
}

// Health checks the store, the vault layout and the agent.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{
		OK:      true,
		DB:      "ok",
		Vault:   "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.Ping(pingCtx); err != nil {
		h.OK = false
		h.DB = "error: " + err.Error()
	}
	if missing := s.vault.MissingFolders(); len(missing) > 0 {
		h.OK = false
		h.Vault = fmt.Sprintf("missing folders: %v", missing)
	}
	if p, ok := s.agent.(agent.Prober); ok {
		st := p.Probe()
		h.Agent = &st
	}
	for _, l := range s.loops {
		h.Loops = append(h.Loops, l.Stats())
	}
	return h
}

// Status renders a fresh snapshot.
func (s *Service) Status(ctx context.Context) (*models.StatusSnapshot, error) {
	return s.reporter.Render(ctx)
}

// ListRecords returns records, optionally filtered by state and kind.
func (s *Service) ListRecords(ctx context.Context, state, kind string) ([]models.TaskRecord, error) {
	f := store.Filter{State: models.State(state), Kind: models.Kind(kind)}
	if state != "" && !f.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidFilter, state)
	}
	if kind != "" && !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, kind)
	}
	return s.store.ListRecords(ctx, f)
}

// RecordDetail is a record with its agent runs.
type RecordDetail struct {
	Record *models.TaskRecord `json:"record"`
	Runs   []models.AgentRun  `json:"runs"`
}

// GetRecord returns a record and its agent runs.
func (s *Service) GetRecord(ctx context.Context, id string) (*RecordDetail, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	runs, err := s.store.GetRunsForRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []models.AgentRun{}
	}
	return &RecordDetail{Record: rec, Runs: runs}, nil
}

// Decide approves or rejects a pending approval request.
func (s *Service) Decide(ctx context.Context, id string, approve bool) (models.State, error) {
	to, err := orchestrator.Decide(ctx, s.store, s.vault, id, approve)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return "", ErrNotFound
	case errors.Is(err, orchestrator.ErrNotPending), errors.Is(err, vault.ErrNotFound):
		return "", fmt.Errorf("%w: %v", ErrNotPending, err)
	case err != nil:
		return "", err
	}

	s.logger.Info("decision recorded", zap.String("record_id", id), zap.String("to", string(to)))
	if s.onDecision != nil {
		s.onDecision()
	}
	return to, nil
}

// Audit returns the newest n audit entries, oldest first.
func (s *Service) Audit(n int) ([]models.AuditEntry, error) {
	entries, err := s.log.Tail(n)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	return entries, nil
}
