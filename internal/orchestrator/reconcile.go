package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/plan"
	"github.com/fentz26/taskvault/internal/store"
)

// reconcile compares every record's mirror location with its stored state.
// A relocation the operator is allowed to make is applied as a transition;
// anything else is an integrity violation and the record is left alone.
func (o *Orchestrator) reconcile(ctx context.Context, stats *CycleStats) error {
	locs, err := o.vault.Scan()
	if err != nil {
		return fmt.Errorf("scan vault: %w", err)
	}
	records, corrupt, err := o.store.ListRecordsChecked(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	for _, cr := range corrupt {
		rec := &models.TaskRecord{ID: cr.ID, Kind: cr.Kind, State: cr.State}
		if err := o.violation(rec, "", "unreadable record: "+cr.Err.Error(), stats); err != nil {
			return err
		}
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &records[i]
		if o.isLagging(rec.ID) {
			continue
		}
		states := locs[rec.ID]
		if len(states) != 1 {
			// Scan reads the folders one after another, so a document the
			// operator moves meanwhile can look missing or doubled.
			states = o.vault.Find(rec.ID)
		}

		var err error
		switch {
		case len(states) == 0:
			o.missing(rec)
		case len(states) > 1:
			err = o.violation(rec, "", fmt.Sprintf("document present in %d folders: %v", len(states), states), stats)
		case states[0] != rec.State:
			err = o.relocatedAt(ctx, rec.ID, states[0], stats)
		default:
			o.clearFlag(rec.ID)
		}
		if err != nil {
			if errors.Is(err, audit.ErrAppend) {
				return err
			}
			o.logger.Warn("reconcile skipped record", zap.String("record_id", rec.ID), zap.Error(err))
		}
	}
	return nil
}

// missing handles a record with no mirror document. Active records get
// their document back; terminal documents may have been removed by
// retention and are not recreated.
func (o *Orchestrator) missing(rec *models.TaskRecord) {
	if rec.State.Terminal() {
		o.logger.Debug("terminal document absent", zap.String("record_id", rec.ID), zap.String("state", string(rec.State)))
		return
	}
	o.logger.Warn("mirror document missing, rewriting", zap.String("record_id", rec.ID))
	if err := o.vault.Write(rec); err != nil {
		o.logger.Error("mirror rewrite failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}

// relocatedAt re-reads the record before treating its document in to as an
// operator move, since an earlier transition this cycle may already have
// put it there.
func (o *Orchestrator) relocatedAt(ctx context.Context, id string, to models.State, stats *CycleStats) error {
	rec, err := o.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.State == to {
		o.clearFlag(id)
		return nil
	}
	return o.relocated(ctx, rec, to, stats)
}

// relocated handles a document the operator moved from rec.State to to.
func (o *Orchestrator) relocated(ctx context.Context, rec *models.TaskRecord, to models.State, stats *CycleStats) error {
	from := rec.State
	var err error
	switch {
	case rec.Kind == models.KindApprovalRequest && from == models.StatePendingApproval && to == models.StateApproved:
		err = o.grant(ctx, rec)
	case rec.Kind == models.KindApprovalRequest && from == models.StatePendingApproval && to == models.StateRejected:
		err = o.reject(ctx, rec)
	case to == models.StateDone && acknowledgeable(rec):
		err = o.acknowledge(ctx, rec)
	default:
		return o.violation(rec, to, fmt.Sprintf("moved from %s to %s", from, to), stats)
	}
	if err != nil {
		return err
	}
	o.clearFlag(rec.ID)
	stats.Decisions++
	return nil
}

// acknowledgeable reports whether the operator may file rec under Done.
func acknowledgeable(rec *models.TaskRecord) bool {
	switch {
	case rec.State == models.StateQuarantine:
		return true
	case rec.State == models.StateNeedsAction && (rec.Kind == models.KindError || rec.Kind == models.KindAlert):
		return true
	case rec.State.Active() && rec.Status == models.TaskStatusFailed:
		return true
	}
	return false
}

func (o *Orchestrator) grant(ctx context.Context, approval *models.TaskRecord) error {
	c := &change{}
	a := approval.Clone()
	a.State = models.StateApproved
	a.Status = models.TaskStatusInProgress
	c.update(a, models.StatePendingApproval, o.entry(models.ActionApprovalGranted, models.ActorHuman, a,
		models.StatePendingApproval, models.StateApproved, models.ResultSuccess, a.Field(models.FieldAction)))

	p, err := o.waitingPlan(ctx, approval)
	if err != nil {
		return err
	}
	if p != nil {
		p.SetField(models.FieldAwaitingApproval, "")
		p.SetField(models.FieldApprovalGrant, approval.ID)
		p.Body = plan.AppendNote(p.Body, fmt.Sprintf("Approved: %s (%s)", approval.ID, approval.Field(models.FieldAction)))
		c.update(p, models.StatePlans, nil)
	}

	if err := o.apply(ctx, c); err != nil {
		return err
	}
	o.logger.Info("approval granted", zap.String("record_id", approval.ID), zap.String("action", approval.Field(models.FieldAction)))
	return nil
}

func (o *Orchestrator) reject(ctx context.Context, approval *models.TaskRecord) error {
	c := &change{}
	a := approval.Clone()
	a.State = models.StateRejected
	a.Status = models.TaskStatusCompleted
	c.update(a, models.StatePendingApproval, o.entry(models.ActionApprovalRejected, models.ActorHuman, a,
		models.StatePendingApproval, models.StateRejected, models.ResultSuccess, a.Field(models.FieldAction)))

	p, err := o.waitingPlan(ctx, approval)
	if err != nil {
		return err
	}
	if p != nil {
		// The plan stops here; archiving happens when the rejection settles.
		p.SetField(models.FieldAwaitingApproval, "")
		p.SetField(models.FieldFailureKind, "rejected")
		p.Status = models.TaskStatusFailed
		p.NextAttempt = nil
		p.Body = plan.AppendNote(p.Body, fmt.Sprintf("Rejected: %s (%s)", approval.ID, approval.Field(models.FieldAction)))
		c.update(p, models.StatePlans, nil)
	}

	if err := o.apply(ctx, c); err != nil {
		return err
	}
	o.logger.Info("approval rejected", zap.String("record_id", approval.ID), zap.String("action", approval.Field(models.FieldAction)))
	return nil
}

// waitingPlan returns a copy of the plan blocked on approval, or nil when
// no plan is waiting for it.
func (o *Orchestrator) waitingPlan(ctx context.Context, approval *models.TaskRecord) (*models.TaskRecord, error) {
	p, err := o.store.GetRecord(ctx, approval.Field(models.FieldPlanID))
	if err != nil {
		return nil, err
	}
	if p == nil || p.State != models.StatePlans || p.Field(models.FieldAwaitingApproval) != approval.ID {
		o.logger.Warn("no plan waiting for approval", zap.String("record_id", approval.ID))
		return nil, nil
	}
	return p.Clone(), nil
}

func (o *Orchestrator) acknowledge(ctx context.Context, rec *models.TaskRecord) error {
	c := &change{}
	next := rec.Clone()
	next.State = models.StateDone
	if next.Status != models.TaskStatusFailed {
		next.Status = models.TaskStatusCompleted
	}
	next.NextAttempt = nil
	c.update(next, rec.State, o.entry(models.ActionAcknowledged, models.ActorHuman, next,
		rec.State, models.StateDone, models.ResultSuccess, string(rec.Kind)))

	for _, id := range companions(rec) {
		other, err := o.store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if other == nil || other.State != rec.State {
			continue
		}
		n := other.Clone()
		n.State = models.StateDone
		if n.Status != models.TaskStatusFailed {
			n.Status = models.TaskStatusCompleted
		}
		n.NextAttempt = nil
		c.update(n, other.State, o.entry(models.ActionAcknowledged, models.ActorHuman, n,
			other.State, models.StateDone, models.ResultSuccess, "with "+rec.ID))
	}

	if err := o.apply(ctx, c); err != nil {
		return err
	}
	o.logger.Info("record acknowledged", zap.String("record_id", rec.ID), zap.String("from", string(rec.State)))
	return nil
}

// companions lists records that are filed under Done together with rec
// when they still sit beside it.
func companions(rec *models.TaskRecord) []string {
	switch rec.Kind {
	case models.KindPlan:
		if rec.SourceRef != "" {
			return []string{rec.SourceRef}
		}
	case models.KindQuarantine:
		var ids []string
		for _, id := range strings.Split(rec.Field(models.FieldCovers), ",") {
			if id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}

// violation audits an illegal mirror state once per distinct observation.
func (o *Orchestrator) violation(rec *models.TaskRecord, observed models.State, detail string, stats *CycleStats) error {
	key := string(observed) + "|" + detail
	o.mu.Lock()
	seen := o.flagged[rec.ID] == key
	o.mu.Unlock()
	if seen {
		return nil
	}

	e := o.entry(models.ActionIntegrityError, models.ActorOrchestrator, rec, rec.State, observed, models.ResultFailure, detail)
	if err := o.audit.Append(e); err != nil {
		return err
	}
	o.metrics.RecordTransition(*e)
	o.logger.Error("integrity violation",
		zap.String("record_id", rec.ID),
		zap.String("state", string(rec.State)),
		zap.String("detail", detail),
		zap.Error(ErrIntegrity),
	)

	o.mu.Lock()
	o.flagged[rec.ID] = key
	o.mu.Unlock()
	stats.Violations++
	return nil
}

func (o *Orchestrator) clearFlag(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.flagged, id)
}
