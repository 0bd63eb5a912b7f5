// Package orchestrator drives records through the pipeline states. Each
// cycle first reconciles the vault mirror with the store (human decisions,
// acknowledgements, integrity checks), then advances every active record in
// creation order. Every transition is appended to the audit log before the
// store commit and the mirror move.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/metrics"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

var (
	ErrTransient = agent.ErrTransient
	ErrPermanent = agent.ErrPermanent
	ErrIntegrity = errors.New("integrity violation")
)

// AuditLog is the append and read surface the orchestrator needs.
type AuditLog interface {
	audit.Sink
	Scan(from, to time.Time, fn func(models.AuditEntry) error) error
}

// Deps are the collaborators of an Orchestrator. Metrics and Logger may be nil.
type Deps struct {
	Store   *store.Store
	Vault   *vault.Vault
	Audit   AuditLog
	Config  *config.Reloader
	Agent   agent.Agent
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Started           time.Time     `json:"started"`
	Duration          time.Duration `json:"duration"`
	Decisions         int           `json:"decisions"`
	Triaged           int           `json:"triaged"`
	PlansCreated      int           `json:"plans_created"`
	StepsCompleted    int           `json:"steps_completed"`
	ApprovalsRequired int           `json:"approvals_requested"`
	Archived          int           `json:"archived"`
	Retries           int           `json:"retries"`
	Quarantined       int           `json:"quarantined"`
	Failed            int           `json:"failed"`
	Violations        int           `json:"violations"`
}

// Orchestrator is the pipeline state machine.
type Orchestrator struct {
	store   *store.Store
	vault   *vault.Vault
	audit   AuditLog
	config  *config.Reloader
	agent   agent.Agent
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	last *CycleStats
	// flagged holds the last reported violation per record so a stuck
	// mirror is audited once, not every cycle.
	flagged map[string]string
	// lagging holds records whose mirror move failed after a commit, keyed
	// by the state the document was left in.
	lagging map[string]models.State
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:   d.Store,
		vault:   d.Vault,
		audit:   d.Audit,
		config:  d.Config,
		agent:   d.Agent,
		metrics: d.Metrics,
		logger:  logger.With(zap.String("component", "orchestrator")),
		now:     time.Now,
		flagged: make(map[string]string),
		lagging: make(map[string]models.State),
	}
}

// LastCycle returns the stats of the most recent completed cycle, or nil.
func (o *Orchestrator) LastCycle() *CycleStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	c := *o.last
	return &c
}

// RunCycle performs one orchestration pass. Cancellation is checked
// between records, never inside a transition. An audit append failure
// halts the cycle and is returned wrapped in audit.ErrAppend.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleStats, error) {
	stats := &CycleStats{Started: o.now().UTC()}
	cfg := o.config.Current()
	policy := o.readPolicy(cfg)

	o.resync(ctx)
	if err := o.reconcile(ctx, stats); err != nil {
		return stats, err
	}

	records, err := o.store.ListRecords(ctx, store.Filter{})
	if err != nil {
		return stats, fmt.Errorf("list records: %w", err)
	}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if o.isFlagged(records[i].ID) || o.isLagging(records[i].ID) {
			continue
		}
		if err := o.advance(ctx, cfg, policy, records[i].ID, stats); err != nil {
			if errors.Is(err, audit.ErrAppend) {
				o.logger.Error("audit log unavailable, halting cycle", zap.Error(err))
				return stats, err
			}
			o.logger.Warn("record skipped", zap.String("record_id", records[i].ID), zap.Error(err))
		}
	}

	if counts, err := o.store.CountByState(ctx); err == nil {
		o.metrics.SetStateCounts(counts)
	}
	stats.Duration = o.now().Sub(stats.Started)

	o.mu.Lock()
	o.last = stats
	o.mu.Unlock()
	return stats, nil
}

// advance moves one record forward by at most one transition. The record
// is re-read so changes made earlier in the cycle are visible.
func (o *Orchestrator) advance(ctx context.Context, cfg *config.Config, policy, id string, stats *CycleStats) error {
	rec, err := o.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	now := o.now()

	switch {
	case rec.State == models.StateRejected && rec.Kind == models.KindApprovalRequest:
		return o.settleRejected(ctx, rec, stats)
	case rec.State == models.StateApproved && rec.Kind == models.KindApprovalRequest:
		return o.settleApproved(ctx, rec, stats)
	case rec.Status == models.TaskStatusFailed:
		return nil
	case rec.State == models.StateInbox && rec.Kind == models.KindFileDrop:
		return o.triage(ctx, rec, stats)
	case rec.State == models.StateNeedsAction && rec.Kind == models.KindFileDrop:
		return o.createPlan(ctx, cfg, rec, stats)
	case rec.State == models.StatePlans && rec.Kind == models.KindPlan:
		if rec.Field(models.FieldAwaitingApproval) != "" || !rec.Due(now) {
			return nil
		}
		return o.executeStep(ctx, cfg, policy, rec, stats)
	}
	return nil
}

func (o *Orchestrator) readPolicy(cfg *config.Config) string {
	path := cfg.PolicyPath(o.vault.Root())
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			o.logger.Warn("could not read policy", zap.String("path", path), zap.Error(err))
		}
		return ""
	}
	return string(data)
}

// change is the unit of work behind one transition: audit entries first,
// then one store commit, then the mirror.
type change struct {
	entries []*models.AuditEntry
	creates []*models.TaskRecord
	updates []*models.TaskRecord
	from    []models.State
}

func (c *change) log(e *models.AuditEntry) {
	c.entries = append(c.entries, e)
}

func (c *change) create(rec *models.TaskRecord, e *models.AuditEntry) {
	c.creates = append(c.creates, rec)
	if e != nil {
		c.log(e)
	}
}

func (c *change) update(rec *models.TaskRecord, from models.State, e *models.AuditEntry) {
	c.updates = append(c.updates, rec)
	c.from = append(c.from, from)
	if e != nil {
		c.log(e)
	}
}

func (o *Orchestrator) apply(ctx context.Context, c *change) error {
	for _, e := range c.entries {
		if err := o.audit.Append(e); err != nil {
			return err
		}
	}

	if err := o.store.Commit(ctx, store.Changeset{Creates: c.creates, Updates: c.updates}); err != nil {
		// The entries describe a transition that never happened; mark them so
		// recovery does not replay them.
		for _, e := range c.entries {
			void := *e
			void.ID = ""
			void.Timestamp = time.Time{}
			void.Result = models.ResultFailure
			void.Detail = fmt.Sprintf("not applied: %v", err)
			if aerr := o.audit.Append(&void); aerr != nil {
				return aerr
			}
		}
		return fmt.Errorf("commit: %w", err)
	}

	for _, e := range c.entries {
		o.metrics.RecordTransition(*e)
	}
	for _, rec := range c.creates {
		if err := o.vault.Write(rec); err != nil {
			o.logger.Error("mirror write failed", zap.String("record_id", rec.ID), zap.Error(err))
			o.markLagging(rec.ID, rec.State)
		}
	}
	for i, rec := range c.updates {
		if err := o.vault.Sync(rec, c.from[i]); err != nil {
			o.logger.Error("mirror move failed", zap.String("record_id", rec.ID), zap.Error(err))
			o.markLagging(rec.ID, c.from[i])
		}
	}
	return nil
}

// entry builds an audit entry for rec. from and to may be empty.
func (o *Orchestrator) entry(action string, actor models.Actor, rec *models.TaskRecord, from, to models.State, result models.Result, detail string) *models.AuditEntry {
	return &models.AuditEntry{
		ActionType: action,
		Actor:      actor,
		RecordID:   rec.ID,
		RecordKind: rec.Kind,
		FromState:  from,
		ToState:    to,
		Result:     result,
		Detail:     detail,
		InputsHash: audit.HashInputs(map[string]interface{}{
			"id":      rec.ID,
			"version": rec.Version,
			"action":  action,
			"from":    from,
			"to":      to,
		}),
	}
}

// resync retries mirror moves that failed after their commit.
func (o *Orchestrator) resync(ctx context.Context) {
	o.mu.Lock()
	pending := make(map[string]models.State, len(o.lagging))
	for id, st := range o.lagging {
		pending[id] = st
	}
	o.mu.Unlock()

	for id, from := range pending {
		rec, err := o.store.GetRecord(ctx, id)
		if err != nil {
			continue
		}
		if rec != nil {
			if err := o.vault.Sync(rec, from); err != nil {
				o.logger.Warn("mirror still lagging", zap.String("record_id", id), zap.Error(err))
				continue
			}
		}
		o.mu.Lock()
		delete(o.lagging, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) markLagging(id string, from models.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.lagging[id]; !ok {
		o.lagging[id] = from
	}
}

func (o *Orchestrator) isLagging(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.lagging[id]
	return ok
}

func (o *Orchestrator) isFlagged(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.flagged[id]
	return ok
}
