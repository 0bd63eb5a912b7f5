package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/plan"
	"github.com/fentz26/taskvault/internal/record"
)

func (o *Orchestrator) triage(ctx context.Context, rec *models.TaskRecord, stats *CycleStats) error {
	c := &change{}
	next := rec.Clone()
	next.State = models.StateNeedsAction
	c.update(next, models.StateInbox, o.entry(models.ActionTriaged, models.ActorOrchestrator, next,
		models.StateInbox, models.StateNeedsAction, models.ResultSuccess, string(rec.Priority)))
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.Triaged++
	return nil
}

// createPlan turns a file_drop in NeedsAction into a plan record and moves
// the source alongside it into Plans.
func (o *Orchestrator) createPlan(ctx context.Context, cfg *config.Config, src *models.TaskRecord, stats *CycleStats) error {
	action := src.Field(models.FieldSuggestedAction)
	planID, err := o.store.UniqueID(ctx, record.PlanID(src.ID))
	if err != nil {
		return err
	}
	now := o.now().UTC()

	objective := fmt.Sprintf("Process %s (%s, %s priority). Suggested action: %s.", src.Source, src.Category, src.Priority, action)
	p := &models.TaskRecord{
		ID:        planID,
		Kind:      models.KindPlan,
		State:     models.StatePlans,
		Priority:  src.Priority,
		Status:    models.TaskStatusPending,
		Source:    src.Source,
		SourceRef: src.ID,
		Category:  src.Category,
		Body:      plan.Render("Plan: "+src.Source, objective, cfg.PlanSteps(action)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.SetField(models.FieldSuggestedAction, action)

	next := src.Clone()
	next.State = models.StatePlans
	next.Status = models.TaskStatusInProgress
	next.SetField(models.FieldPlanID, planID)

	c := &change{}
	c.create(p, o.entry(models.ActionPlanCreated, models.ActorOrchestrator, p, "", models.StatePlans, models.ResultSuccess, "source "+src.ID))
	c.update(next, models.StateNeedsAction, o.entry(models.ActionPlanCreated, models.ActorOrchestrator, next,
		models.StateNeedsAction, models.StatePlans, models.ResultSuccess, "plan "+planID))
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.PlansCreated++
	o.logger.Info("plan created", zap.String("record_id", planID), zap.String("source", src.ID), zap.String("action", action))
	return nil
}

// executeStep asks the agent to perform the plan's first unchecked step.
func (o *Orchestrator) executeStep(ctx context.Context, cfg *config.Config, policy string, p *models.TaskRecord, stats *CycleStats) error {
	idx, step, ok := plan.Next(p.Body)
	if !ok {
		c := &change{}
		next := p.Clone()
		if err := o.archivePlan(ctx, c, next, "all steps complete"); err != nil {
			return err
		}
		if err := o.apply(ctx, c); err != nil {
			return err
		}
		stats.Archived++
		return nil
	}

	approval, err := o.grantFor(ctx, p)
	if err != nil {
		return err
	}
	req := agent.Request{
		RecordID:  p.ID,
		SourceRef: p.SourceRef,
		Action:    p.Field(models.FieldSuggestedAction),
		Priority:  string(p.Priority),
		Step:      step,
		StepIndex: idx,
		Body:      p.Body,
		Policy:    policy,
	}
	if approval != nil {
		req.Grant = &agent.Grant{ApprovalID: approval.ID, Action: approval.Field(models.FieldAction), Step: step}
	}

	outcome, err := o.invoke(ctx, req)
	if err != nil {
		return o.fail(ctx, cfg, p, err, stats)
	}

	switch outcome.Kind {
	case agent.ApprovalNeeded:
		return o.requestApproval(ctx, p, approval, idx, step, outcome, stats)
	default:
		return o.completeStep(ctx, p, approval, idx, step, outcome, stats)
	}
}

// grantFor returns the approved request the plan is resuming under, if any.
func (o *Orchestrator) grantFor(ctx context.Context, p *models.TaskRecord) (*models.TaskRecord, error) {
	id := p.Field(models.FieldApprovalGrant)
	if id == "" {
		return nil, nil
	}
	a, err := o.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil || a.State != models.StateApproved {
		return nil, nil
	}
	return a, nil
}

// invoke calls the agent outside the cycle's cancellation so shutdown
// never interrupts a step halfway. The agent's own timeout still applies.
func (o *Orchestrator) invoke(ctx context.Context, req agent.Request) (agent.Outcome, error) {
	started := o.now().UTC()
	outcome, err := o.agent.Invoke(context.WithoutCancel(ctx), req)
	ended := o.now().UTC()

	run := &models.AgentRun{
		RecordID:  req.RecordID,
		Agent:     o.agent.Name(),
		Step:      req.Step,
		StartedAt: started,
		EndedAt:   ended,
	}
	if err != nil {
		kind, detail := agent.Classify(err)
		run.Outcome = "failure_" + string(kind)
		run.Detail = detail
	} else {
		run.Outcome = string(outcome.Kind)
		run.Detail = outcome.Detail
	}
	if rerr := o.store.CreateRun(ctx, run); rerr != nil {
		o.logger.Warn("could not record agent run", zap.String("record_id", req.RecordID), zap.Error(rerr))
	}
	o.metrics.RecordAgentInvocation(o.agent.Name(), run.Outcome, ended.Sub(started))
	return outcome, err
}

func (o *Orchestrator) completeStep(ctx context.Context, p, approval *models.TaskRecord, idx int, step string, outcome agent.Outcome, stats *CycleStats) error {
	c := &change{}
	next := p.Clone()
	next.Body = plan.AppendCompleted(next.Body, step, outcome.Detail)
	next.Status = models.TaskStatusInProgress
	next.NextAttempt = nil
	next.SetField(models.FieldApprovalGrant, "")
	c.log(o.entry(models.ActionStepCompleted, models.ActorAgent, next, "", "", models.ResultSuccess,
		fmt.Sprintf("step %d: %s", idx+1, step)))

	if approval != nil {
		o.archiveApproval(c, approval, "step completed")
	}

	if plan.Complete(next.Body) {
		if err := o.archivePlan(ctx, c, next, "all steps complete"); err != nil {
			return err
		}
		stats.Archived++
	} else {
		c.update(next, models.StatePlans, nil)
	}

	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.StepsCompleted++
	o.logger.Info("step completed", zap.String("record_id", p.ID), zap.Int("step", idx+1), zap.String("name", step))
	return nil
}

func (o *Orchestrator) requestApproval(ctx context.Context, p, prior *models.TaskRecord, idx int, step string, outcome agent.Outcome, stats *CycleStats) error {
	id, err := o.store.UniqueID(ctx, record.ApprovalID(p.ID, idx+1))
	if err != nil {
		return err
	}
	now := o.now().UTC()

	a := &models.TaskRecord{
		ID:        id,
		Kind:      models.KindApprovalRequest,
		State:     models.StatePendingApproval,
		Priority:  p.Priority,
		Status:    models.TaskStatusPending,
		Source:    p.Source,
		SourceRef: p.ID,
		Category:  p.Category,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.SetField(models.FieldAction, outcome.Action)
	a.SetField(models.FieldRiskReason, outcome.Risk)
	a.SetField(models.FieldPlanID, p.ID)
	a.SetField(models.FieldStepIndex, strconv.Itoa(idx+1))
	a.Body = approvalBody(p, idx, step, outcome)

	next := p.Clone()
	next.Status = models.TaskStatusInProgress
	next.NextAttempt = nil
	next.SetField(models.FieldAwaitingApproval, id)
	next.SetField(models.FieldApprovalGrant, "")
	next.Body = plan.AppendNote(next.Body, fmt.Sprintf("Step %d (%s) awaiting approval %s", idx+1, step, id))

	c := &change{}
	c.create(a, o.entry(models.ActionApprovalRequested, models.ActorOrchestrator, a, "", models.StatePendingApproval,
		models.ResultSuccess, fmt.Sprintf("%s: %s", outcome.Action, outcome.Risk)))
	c.update(next, models.StatePlans, nil)
	if prior != nil {
		o.archiveApproval(c, prior, "superseded by "+id)
	}
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.ApprovalsRequired++
	o.logger.Info("approval requested",
		zap.String("record_id", id),
		zap.String("plan", p.ID),
		zap.String("action", outcome.Action),
	)
	return nil
}

func approvalBody(p *models.TaskRecord, idx int, step string, outcome agent.Outcome) string {
	var b strings.Builder
	b.WriteString("# Approval Required\n\n")
	fmt.Fprintf(&b, "- **Action:** %s\n", outcome.Action)
	fmt.Fprintf(&b, "- **Plan:** %s (step %d: %s)\n", p.ID, idx+1, step)
	fmt.Fprintf(&b, "- **Source:** %s\n", p.Source)
	fmt.Fprintf(&b, "- **Priority:** %s\n", strings.ToUpper(string(p.Priority)))
	if outcome.Risk != "" {
		fmt.Fprintf(&b, "- **Reason:** %s\n", outcome.Risk)
	}
	if outcome.Detail != "" {
		fmt.Fprintf(&b, "\n%s\n", outcome.Detail)
	}
	b.WriteString("\n## To Approve\nMove this file to the Approved folder.\n")
	b.WriteString("\n## To Reject\nMove this file to the Rejected folder.\n")
	return b.String()
}

// archiveApproval files a settled approval request under Done.
func (o *Orchestrator) archiveApproval(c *change, approval *models.TaskRecord, detail string) {
	a := approval.Clone()
	a.State = models.StateDone
	a.Status = models.TaskStatusCompleted
	c.update(a, approval.State, o.entry(models.ActionArchived, models.ActorOrchestrator, a,
		approval.State, models.StateDone, models.ResultSuccess, detail))
}

// archivePlan moves p and, when it is still in Plans, its source to Done.
// p must be a copy owned by the caller.
func (o *Orchestrator) archivePlan(ctx context.Context, c *change, p *models.TaskRecord, detail string) error {
	status := models.TaskStatusCompleted
	if p.Status == models.TaskStatusFailed {
		status = models.TaskStatusFailed
	}
	from := p.State
	p.State = models.StateDone
	p.Status = status
	p.NextAttempt = nil
	c.update(p, from, o.entry(models.ActionArchived, models.ActorOrchestrator, p, from, models.StateDone, models.ResultSuccess, detail))

	if p.SourceRef == "" {
		return nil
	}
	src, err := o.store.GetRecord(ctx, p.SourceRef)
	if err != nil {
		return err
	}
	if src == nil || src.State != models.StatePlans {
		return nil
	}
	s := src.Clone()
	s.State = models.StateDone
	s.Status = status
	c.update(s, models.StatePlans, o.entry(models.ActionArchived, models.ActorOrchestrator, s,
		models.StatePlans, models.StateDone, models.ResultSuccess, "plan "+p.ID))
	return nil
}

// settleApproved archives an approval no plan is waiting to use.
func (o *Orchestrator) settleApproved(ctx context.Context, approval *models.TaskRecord, stats *CycleStats) error {
	p, err := o.store.GetRecord(ctx, approval.Field(models.FieldPlanID))
	if err != nil {
		return err
	}
	if p != nil && p.State == models.StatePlans && p.Status != models.TaskStatusFailed &&
		p.Field(models.FieldApprovalGrant) == approval.ID {
		return nil
	}
	c := &change{}
	o.archiveApproval(c, approval, "no plan waiting")
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.Archived++
	return nil
}

// settleRejected archives a rejected approval together with its plan.
func (o *Orchestrator) settleRejected(ctx context.Context, approval *models.TaskRecord, stats *CycleStats) error {
	c := &change{}
	o.archiveApproval(c, approval, "rejected")

	p, err := o.store.GetRecord(ctx, approval.Field(models.FieldPlanID))
	if err != nil {
		return err
	}
	if p != nil && p.State == models.StatePlans {
		next := p.Clone()
		next.Status = models.TaskStatusFailed
		next.SetField(models.FieldAwaitingApproval, "")
		if err := o.archivePlan(ctx, c, next, "approval "+approval.ID+" rejected"); err != nil {
			return err
		}
	}
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.Archived++
	return nil
}

// fail applies the retry policy to a failed agent call on rec.
func (o *Orchestrator) fail(ctx context.Context, cfg *config.Config, rec *models.TaskRecord, cause error, stats *CycleStats) error {
	kind, detail := agent.Classify(cause)
	if kind == agent.Permanent {
		return o.permanentFailure(ctx, rec, detail, stats)
	}
	return o.transientFailure(ctx, cfg, rec, detail, stats)
}

func (o *Orchestrator) transientFailure(ctx context.Context, cfg *config.Config, rec *models.TaskRecord, detail string, stats *CycleStats) error {
	next := rec.Clone()
	next.AttemptCount++
	if next.AttemptCount >= cfg.Retry.MaxAttempts {
		return o.quarantine(ctx, next, rec.State, detail, stats)
	}

	at := o.now().UTC().Add(cfg.Retry.Backoff(next.AttemptCount))
	next.NextAttempt = &at
	c := &change{}
	c.update(next, rec.State, o.entry(models.ActionRetryScheduled, models.ActorOrchestrator, next, "", "", models.ResultFailure,
		fmt.Sprintf("attempt %d/%d failed: %s; next attempt at %s", next.AttemptCount, cfg.Retry.MaxAttempts, detail, at.Format(time.RFC3339))))
	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.Retries++
	o.logger.Warn("transient failure, retry scheduled",
		zap.String("record_id", rec.ID),
		zap.Int("attempt", next.AttemptCount),
		zap.Time("next_attempt", at),
		zap.String("detail", detail),
	)
	return nil
}

// quarantine moves an exhausted record, and its source when it travels
// with it, to Quarantine and raises an alert.
func (o *Orchestrator) quarantine(ctx context.Context, next *models.TaskRecord, from models.State, detail string, stats *CycleStats) error {
	next.State = models.StateQuarantine
	next.Status = models.TaskStatusFailed
	next.NextAttempt = nil
	next.SetField(models.FieldFailureKind, string(agent.Transient))

	c := &change{}
	c.update(next, from, o.entry(models.ActionQuarantined, models.ActorOrchestrator, next, from, models.StateQuarantine, models.ResultFailure,
		fmt.Sprintf("%d attempts exhausted: %s", next.AttemptCount, detail)))
	covers := []string{next.ID}

	if next.Kind == models.KindPlan && next.SourceRef != "" {
		src, err := o.store.GetRecord(ctx, next.SourceRef)
		if err != nil {
			return err
		}
		if src != nil && src.State == from {
			s := src.Clone()
			s.State = models.StateQuarantine
			s.Status = models.TaskStatusFailed
			c.update(s, from, o.entry(models.ActionQuarantined, models.ActorOrchestrator, s, from, models.StateQuarantine,
				models.ResultFailure, "plan "+next.ID))
			covers = append(covers, s.ID)
		}
	}

	note, err := o.quarantineNote(ctx, next, covers, detail)
	if err != nil {
		return err
	}
	c.create(note, o.entry(models.ActionAlertRaised, models.ActorOrchestrator, note, "", models.StateQuarantine,
		models.ResultSuccess, "review "+next.ID))

	alert, err := o.raise(ctx, models.KindAlert, next, record.AlertID(next.ID, o.now()), agent.Transient,
		fmt.Sprintf("Moved to Quarantine after %d failed attempts.\n\nLast error: %s", next.AttemptCount, detail))
	if err != nil {
		return err
	}
	c.create(alert, o.entry(models.ActionAlertRaised, models.ActorOrchestrator, alert, "", models.StateNeedsAction, models.ResultSuccess, "quarantine "+next.ID))

	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.Quarantined++
	o.logger.Error("record quarantined", zap.String("record_id", next.ID), zap.Int("attempts", next.AttemptCount), zap.String("detail", detail))
	return nil
}

func (o *Orchestrator) permanentFailure(ctx context.Context, rec *models.TaskRecord, detail string, stats *CycleStats) error {
	next := rec.Clone()
	next.Status = models.TaskStatusFailed
	next.NextAttempt = nil
	next.SetField(models.FieldFailureKind, string(agent.Permanent))

	c := &change{}
	c.update(next, rec.State, o.entry(models.ActionPermanentFailure, models.ActorOrchestrator, next, "", "", models.ResultFailure, detail))

	if rec.Kind == models.KindPlan {
		// The task ends here: the source stops with the plan and a granted
		// approval has nothing left to authorize.
		approval, err := o.grantFor(ctx, rec)
		if err != nil {
			return err
		}
		if approval != nil {
			o.archiveApproval(c, approval, "plan "+rec.ID+" failed")
		}
		next.SetField(models.FieldApprovalGrant, "")

		if rec.SourceRef != "" {
			src, err := o.store.GetRecord(ctx, rec.SourceRef)
			if err != nil {
				return err
			}
			if src != nil && src.State == rec.State && src.Status != models.TaskStatusFailed {
				s := src.Clone()
				s.Status = models.TaskStatusFailed
				s.SetField(models.FieldFailureKind, string(agent.Permanent))
				c.update(s, src.State, o.entry(models.ActionPermanentFailure, models.ActorOrchestrator, s, "", "",
					models.ResultFailure, "plan "+rec.ID))
			}
		}
	}

	errRec, err := o.raise(ctx, models.KindError, next, record.ErrorID(next.ID, o.now()), agent.Permanent,
		fmt.Sprintf("Permanent failure, not retried.\n\nError: %s", detail))
	if err != nil {
		return err
	}
	c.create(errRec, o.entry(models.ActionAlertRaised, models.ActorOrchestrator, errRec, "", models.StateNeedsAction, models.ResultSuccess, "error "+next.ID))

	if err := o.apply(ctx, c); err != nil {
		return err
	}
	stats.Failed++
	o.logger.Error("permanent failure", zap.String("record_id", rec.ID), zap.String("detail", detail))
	return nil
}

// quarantineNote builds the review note filed in Quarantine beside the
// records in covers.
func (o *Orchestrator) quarantineNote(ctx context.Context, subject *models.TaskRecord, covers []string, detail string) (*models.TaskRecord, error) {
	id, err := o.store.UniqueID(ctx, record.QuarantineID(subject.ID))
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()

	var b strings.Builder
	fmt.Fprintf(&b, "# Quarantined: %s\n\n", subject.ID)
	fmt.Fprintf(&b, "- **Attempts:** %d\n", subject.AttemptCount)
	fmt.Fprintf(&b, "- **Last error:** %s\n", detail)
	b.WriteString("- **Records:**\n")
	for _, id := range covers {
		fmt.Fprintf(&b, "  - %s\n", id)
	}
	b.WriteString("\nInspect the records above. Moving this file to the Done folder files all of them under Done.\n")

	rec := &models.TaskRecord{
		ID:        id,
		Kind:      models.KindQuarantine,
		State:     models.StateQuarantine,
		Priority:  subject.Priority,
		Status:    models.TaskStatusPending,
		Source:    subject.Source,
		SourceRef: subject.ID,
		Category:  subject.Category,
		Body:      b.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec.SetField(models.FieldCovers, strings.Join(covers, ","))
	rec.SetField(models.FieldFailureKind, string(agent.Transient))
	return rec, nil
}

// raise builds an error or alert record about subject in NeedsAction.
func (o *Orchestrator) raise(ctx context.Context, kind models.Kind, subject *models.TaskRecord, base string, fk agent.FailureKind, detail string) (*models.TaskRecord, error) {
	id, err := o.store.UniqueID(ctx, base)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	title := "Error"
	if kind == models.KindAlert {
		title = "Alert"
	}
	rec := &models.TaskRecord{
		ID:        id,
		Kind:      kind,
		State:     models.StateNeedsAction,
		Priority:  models.PriorityHigh,
		Status:    models.TaskStatusPending,
		Source:    subject.Source,
		SourceRef: subject.ID,
		Category:  subject.Category,
		CreatedAt: now,
		UpdatedAt: now,
		Body: fmt.Sprintf("# %s: %s\n\n%s\n\nMove this file to the Done folder once handled.\n",
			title, subject.ID, detail),
	}
	rec.SetField(models.FieldFailureKind, string(fk))
	return rec, nil
}
