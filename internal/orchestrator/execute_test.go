package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/agent/rules"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/record"
)

func permanentAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
		return agent.Outcome{}, agent.NewPermanent("malformed plan", nil)
	})
}

func TestPermanentFailure_SourceFailsWithPlan(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(permanentAgent(), nil)

	src := e.drop(t, "data.csv", "a,b\n1,2\n")
	e.cycle(t, o)
	e.cycle(t, o)
	planID := record.PlanID(src)

	s := e.get(t, src)
	assert.Equal(t, models.StatePlans, s.State)
	assert.Equal(t, models.TaskStatusFailed, s.Status)
	assert.Equal(t, "permanent", s.Field(models.FieldFailureKind))

	errs := e.ofKind(t, models.KindError)
	require.Len(t, errs, 1)

	// Filing the error and the plan under Done closes the whole task.
	require.NoError(t, e.vault.Move(errs[0].ID, models.StateNeedsAction, models.StateDone))
	require.NoError(t, e.vault.Move(planID, models.StatePlans, models.StateDone))
	stats := e.cycle(t, o)
	assert.Equal(t, 0, stats.Violations)

	for _, id := range []string{errs[0].ID, planID, src} {
		rec := e.get(t, id)
		assert.Equal(t, models.StateDone, rec.State, id)
		e.assertMirror(t, id, models.StateDone)
	}
	assert.Equal(t, models.TaskStatusFailed, e.get(t, planID).Status)
	assert.Equal(t, models.TaskStatusFailed, e.get(t, src).Status)
	assert.Empty(t, e.entries(t, models.ActionIntegrityError))
}

func TestPermanentFailure_SourceFiledFirst(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(permanentAgent(), nil)

	src := e.drop(t, "data.csv", "a,b\n1,2\n")
	e.cycle(t, o)
	e.cycle(t, o)
	planID := record.PlanID(src)

	require.NoError(t, e.vault.Move(src, models.StatePlans, models.StateDone))
	e.cycle(t, o)
	require.NoError(t, e.vault.Move(planID, models.StatePlans, models.StateDone))
	e.cycle(t, o)

	assert.Equal(t, models.StateDone, e.get(t, src).State)
	assert.Equal(t, models.StateDone, e.get(t, planID).State)
	assert.Empty(t, e.entries(t, models.ActionIntegrityError))
}

func TestPermanentFailure_ReleasesGrantedApproval(t *testing.T) {
	e := newEnv(t)
	base := rules.New(e.cfg.Agent.Sensitive)
	a := counting(agent.Func(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
		if req.Grant != nil {
			return agent.Outcome{}, agent.NewPermanent("payment provider rejected the account", nil)
		}
		return base.Invoke(ctx, req)
	}))
	o := e.orchestrator(a, nil)

	src, planID, approvalID := runToApproval(t, e, o)
	_, err := Decide(context.Background(), e.store, e.vault, approvalID, true)
	require.NoError(t, err)

	stats := e.cycle(t, o)
	assert.Equal(t, 1, stats.Decisions)
	assert.Equal(t, 1, stats.Failed)

	p := e.get(t, planID)
	assert.Equal(t, models.TaskStatusFailed, p.Status)
	assert.Empty(t, p.Field(models.FieldApprovalGrant))
	assert.Equal(t, models.TaskStatusFailed, e.get(t, src).Status)

	ap := e.get(t, approvalID)
	assert.Equal(t, models.StateDone, ap.State)
	e.assertMirror(t, approvalID, models.StateDone)

	// Nothing is left for later cycles to pick up.
	calls := a.calls.Load()
	e.clock.Advance(time.Hour)
	e.cycle(t, o)
	assert.Equal(t, calls, a.calls.Load())
	assert.Equal(t, models.StateDone, e.get(t, approvalID).State)
}

func TestSettleApproved_FailedPlanReleasesApproval(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil)
	ctx := context.Background()

	now := e.clock.Now()
	p := &models.TaskRecord{
		ID: "PLAN_x", Kind: models.KindPlan, State: models.StatePlans, Priority: models.PriorityLow,
		Status: models.TaskStatusFailed, Source: "x.txt", CreatedAt: now, UpdatedAt: now,
	}
	p.SetField(models.FieldApprovalGrant, "APPROVAL_PLAN_x_1")
	ap := &models.TaskRecord{
		ID: "APPROVAL_PLAN_x_1", Kind: models.KindApprovalRequest, State: models.StateApproved, Priority: models.PriorityLow,
		Status: models.TaskStatusInProgress, Source: "x.txt", SourceRef: "PLAN_x", CreatedAt: now, UpdatedAt: now,
	}
	ap.SetField(models.FieldPlanID, "PLAN_x")
	for _, rec := range []*models.TaskRecord{p, ap} {
		require.NoError(t, e.store.CreateRecord(ctx, rec))
		require.NoError(t, e.vault.Write(rec))
	}

	e.cycle(t, o)
	assert.Equal(t, models.StateDone, e.get(t, ap.ID).State)
}

func TestQuarantineNote_FilesCoveredRecords(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(agent.Func(func(ctx context.Context, req agent.Request) (agent.Outcome, error) {
		return agent.Outcome{}, agent.NewTransient("agent unreachable", nil)
	}), nil)

	src := e.drop(t, "notes.md", "meeting notes")
	e.cycle(t, o)
	planID := record.PlanID(src)
	for i := 0; i < 5; i++ {
		e.clock.Advance(time.Hour)
		e.cycle(t, o)
	}
	require.Equal(t, models.StateQuarantine, e.get(t, planID).State)

	notes := e.ofKind(t, models.KindQuarantine)
	require.Len(t, notes, 1)
	note := notes[0]
	assert.Equal(t, record.QuarantineID(planID), note.ID)
	assert.Equal(t, models.StateQuarantine, note.State)
	assert.Equal(t, planID+","+src, note.Field(models.FieldCovers))
	assert.Contains(t, note.Body, "agent unreachable")
	e.assertMirror(t, note.ID, models.StateQuarantine)

	require.NoError(t, e.vault.Move(note.ID, models.StateQuarantine, models.StateDone))
	stats := e.cycle(t, o)
	assert.Equal(t, 1, stats.Decisions)
	for _, id := range []string{note.ID, planID, src} {
		assert.Equal(t, models.StateDone, e.get(t, id).State, id)
		e.assertMirror(t, id, models.StateDone)
	}
	assert.Equal(t, models.TaskStatusFailed, e.get(t, planID).Status)
	assert.Len(t, e.entries(t, models.ActionAcknowledged), 3)
	assert.Empty(t, e.entries(t, models.ActionIntegrityError))
}

func TestReconcile_TerminalDocumentNotRecreated(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil)
	ctx := context.Background()

	now := e.clock.Now()
	for _, st := range []models.State{models.StateDone, models.StateQuarantine} {
		rec := &models.TaskRecord{
			ID: "FILE_" + string(st), Kind: models.KindFileDrop, State: st, Priority: models.PriorityLow,
			Status: models.TaskStatusFailed, Source: "x.txt", CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, e.store.CreateRecord(ctx, rec))
	}

	e.cycle(t, o)
	locs, err := e.vault.Scan()
	require.NoError(t, err)
	assert.Empty(t, locs)
	assert.Empty(t, e.entries(t, models.ActionIntegrityError))
}

func TestReconcile_OperatorMovesDuringCycle(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil)
	ctx := context.Background()

	const rounds, perRound = 3, 150
	var ids []string
	for r := 0; r < rounds; r++ {
		var batch []string
		now := e.clock.Now()
		for i := 0; i < perRound; i++ {
			rec := &models.TaskRecord{
				ID: fmt.Sprintf("FILE_q_%d_%03d", r, i), Kind: models.KindFileDrop, State: models.StateQuarantine,
				Priority: models.PriorityLow, Status: models.TaskStatusFailed, Source: "q.txt",
				CreatedAt: now, UpdatedAt: now,
			}
			require.NoError(t, e.store.CreateRecord(ctx, rec))
			require.NoError(t, e.vault.Write(rec))
			batch = append(batch, rec.ID)
		}
		ids = append(ids, batch...)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range batch {
				os.Rename(e.vault.Path(models.StateQuarantine, id), e.vault.Path(models.StateDone, id))
			}
		}()
		_, err := o.RunCycle(ctx)
		wg.Wait()
		require.NoError(t, err)
	}
	e.cycle(t, o)

	locs, err := e.vault.Scan()
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, []models.State{models.StateDone}, locs[id], id)
		assert.Equal(t, models.StateDone, e.get(t, id).State, id)
	}
	assert.Empty(t, e.entries(t, models.ActionIntegrityError))
}

func TestReconcile_CorruptRowIsSkipped(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil)

	bad := e.drop(t, "bad.txt", "fyi one")
	good := e.drop(t, "good.txt", "fyi two")

	db, err := sql.Open("sqlite", config.DBPath(e.root))
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`UPDATE records SET fields = '{not json' WHERE id = ?`, bad)
	require.NoError(t, err)

	stats := e.cycle(t, o)
	assert.Equal(t, 1, stats.Violations)
	assert.Equal(t, 1, stats.PlansCreated)
	assert.Equal(t, models.StatePlans, e.get(t, good).State)

	e.cycle(t, o)
	violations := e.entries(t, models.ActionIntegrityError)
	require.Len(t, violations, 1, "reported once")
	assert.Equal(t, bad, violations[0].RecordID)
	assert.Contains(t, violations[0].Detail, "unreadable record")
}
