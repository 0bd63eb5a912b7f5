package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/models"
)

// RecoveryReport lists what Recover repaired.
type RecoveryReport struct {
	Scanned  int `json:"scanned"`
	Replayed int `json:"replayed"`
	Mirrors  int `json:"mirrors"`
}

// replayable are transitions that carry no side effect beyond the move
// itself. Anything else is redone by the next cycle.
var replayable = map[string]bool{
	models.ActionTriaged:      true,
	models.ActionAcknowledged: true,
}

// Recover reconciles the store and mirror with the audit log after an
// unclean shutdown. For each record, the latest successful transition in
// the recovery window is examined: a lagging mirror is moved forward, and
// a logged move that never reached the store is replayed.
func (o *Orchestrator) Recover(ctx context.Context) (*RecoveryReport, error) {
	cfg := o.config.Current()
	report := &RecoveryReport{}
	if cfg.Orchestrator.RecoveryDays <= 0 {
		return report, nil
	}
	now := o.now().UTC()
	from := now.Add(-time.Duration(cfg.Orchestrator.RecoveryDays) * 24 * time.Hour)

	latest := make(map[string]models.AuditEntry)
	var order []string
	err := o.audit.Scan(from, now.Add(time.Minute), func(e models.AuditEntry) error {
		if e.RecordID == "" || e.ActionType == models.ActionIntegrityError {
			return nil
		}
		if _, ok := latest[e.RecordID]; !ok {
			order = append(order, e.RecordID)
		}
		latest[e.RecordID] = e
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan audit log: %w", err)
	}

	locs, err := o.vault.Scan()
	if err != nil {
		return report, fmt.Errorf("scan vault: %w", err)
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		e := latest[id]
		if e.Result != models.ResultSuccess || !e.IsTransition() {
			continue
		}
		report.Scanned++

		rec, err := o.store.GetRecord(ctx, id)
		if err != nil {
			return report, err
		}
		if rec == nil {
			continue
		}

		switch {
		case rec.State == e.ToState:
			if at, ok := locs.Locate(id); ok && at == e.FromState {
				if err := o.vault.Move(id, e.FromState, e.ToState); err != nil {
					o.logger.Warn("could not repair mirror", zap.String("record_id", id), zap.Error(err))
					continue
				}
				report.Mirrors++
				o.logger.Info("mirror moved forward", zap.String("record_id", id), zap.String("state", string(e.ToState)))
			}
		case rec.State == e.FromState && replayable[e.ActionType]:
			if err := o.replay(ctx, rec, e); err != nil {
				return report, err
			}
			report.Replayed++
		}
	}
	return report, nil
}

func (o *Orchestrator) replay(ctx context.Context, rec *models.TaskRecord, e models.AuditEntry) error {
	next := rec.Clone()
	next.State = e.ToState
	if next.State == models.StateDone && next.Status != models.TaskStatusFailed {
		next.Status = models.TaskStatusCompleted
	}
	c := &change{}
	c.update(next, rec.State, o.entry(models.ActionReplayed, models.ActorOrchestrator, next, e.FromState, e.ToState,
		models.ResultSuccess, fmt.Sprintf("replay of %s (%s)", e.ID, e.ActionType)))
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	o.logger.Info("transition replayed",
		zap.String("record_id", rec.ID),
		zap.String("action", e.ActionType),
		zap.String("to", string(e.ToState)),
	)
	return nil
}
