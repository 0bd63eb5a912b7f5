package status

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

type fixture struct {
	root     string
	store    *store.Store
	log      *audit.Log
	reporter *Reporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	s, err := store.New(config.DBPath(root))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v := vault.New(root)
	require.NoError(t, v.EnsureLayout())
	log := audit.NewLog(filepath.Join(v.LogsDir(), "audit"))
	return &fixture{
		root:     root,
		store:    s,
		log:      log,
		reporter: New(s, v, log, config.Static(config.DefaultConfig()), zap.NewNop()),
	}
}

func (f *fixture) add(t *testing.T, id string, kind models.Kind, state models.State, prio models.Priority) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateRecord(context.Background(), &models.TaskRecord{
		ID:        id,
		Kind:      kind,
		State:     state,
		Priority:  prio,
		Status:    models.TaskStatusPending,
		Source:    id + ".txt",
		SourceRef: "SRC",
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestRender_MatchesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "A", models.KindFileDrop, models.StateNeedsAction, models.PriorityLow)
	f.add(t, "B", models.KindPlan, models.StatePlans, models.PriorityMedium)
	f.add(t, "C", models.KindFileDrop, models.StateDone, models.PriorityLow)
	f.add(t, "D", models.KindAlert, models.StateNeedsAction, models.PriorityHigh)
	f.add(t, "E", models.KindPlan, models.StateQuarantine, models.PriorityLow)

	snap, err := f.reporter.Render(ctx)
	require.NoError(t, err)

	all, err := f.store.ListRecords(ctx, store.Filter{})
	require.NoError(t, err)
	want := map[models.State]int{}
	for _, st := range models.AllStates {
		want[st] = 0
	}
	for _, r := range all {
		want[r.State]++
	}
	assert.Equal(t, want, snap.Counts)
	assert.Equal(t, len(all), snap.Total)

	require.Len(t, snap.Urgent, 2)
	assert.Equal(t, "D", snap.Urgent[0].ID, "high priority first")
	assert.Equal(t, "E", snap.Urgent[1].ID)
}

func TestRender_CompletionCounts(t *testing.T) {
	f := newFixture(t)
	archived := []struct {
		id   string
		kind models.Kind
	}{
		{"PLAN_A", models.KindPlan},
		{"PLAN_B", models.KindPlan},
		// The source and approval archived alongside a plan are not tasks
		// of their own.
		{"FILE_A", models.KindFileDrop},
		{"APPROVAL_PLAN_A_3", models.KindApprovalRequest},
	}
	for _, a := range archived {
		require.NoError(t, f.log.Append(&models.AuditEntry{
			ActionType: models.ActionArchived,
			Actor:      models.ActorOrchestrator,
			RecordID:   a.id,
			RecordKind: a.kind,
			FromState:  models.StatePlans,
			ToState:    models.StateDone,
			Result:     models.ResultSuccess,
		}))
	}
	require.NoError(t, f.log.Append(&models.AuditEntry{
		ActionType: models.ActionStepCompleted,
		Actor:      models.ActorAgent,
		RecordID:   "PLAN_A",
		RecordKind: models.KindPlan,
	}))

	snap, err := f.reporter.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.CompletedToday)
	assert.Equal(t, 2, snap.CompletedThisWeek)
	assert.Len(t, snap.Recent, 5)
}

func TestRender_NoteCoversQuarantinedRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "PLAN_A", models.KindPlan, models.StateQuarantine, models.PriorityLow)
	f.add(t, "FILE_A", models.KindFileDrop, models.StateQuarantine, models.PriorityLow)
	f.add(t, "PLAN_B", models.KindPlan, models.StateQuarantine, models.PriorityLow)

	now := time.Now().UTC()
	note := &models.TaskRecord{
		ID: "QUARANTINE_PLAN_A", Kind: models.KindQuarantine, State: models.StateQuarantine,
		Priority: models.PriorityMedium, Status: models.TaskStatusPending, Source: "a.txt",
		SourceRef: "PLAN_A", CreatedAt: now, UpdatedAt: now,
	}
	note.SetField(models.FieldCovers, "PLAN_A,FILE_A")
	require.NoError(t, f.store.CreateRecord(ctx, note))

	snap, err := f.reporter.Render(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Urgent, 2)
	assert.Equal(t, "QUARANTINE_PLAN_A", snap.Urgent[0].ID)
	assert.Equal(t, "quarantined: PLAN_A, FILE_A", snap.Urgent[0].Summary)
	assert.Equal(t, "PLAN_B", snap.Urgent[1].ID, "uncovered records still listed")
}

func TestRender_ReadOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "A", models.KindFileDrop, models.StateNeedsAction, models.PriorityLow)
	before, err := f.store.GetRecord(ctx, "A")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.reporter.Render(ctx)
		require.NoError(t, err)
	}
	after, err := f.store.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)

	tail, err := f.log.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestWriteDashboard(t *testing.T) {
	f := newFixture(t)
	f.add(t, "APPROVAL_X_1", models.KindApprovalRequest, models.StatePendingApproval, models.PriorityHigh)
	f.add(t, "PLAN_X", models.KindPlan, models.StatePlans, models.PriorityHigh)

	snap, err := f.reporter.WriteDashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Total)

	data, err := os.ReadFile(filepath.Join(f.root, "Dashboard.md"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# Dashboard")
	assert.Contains(t, content, "| PendingApproval | 1 |")
	assert.Contains(t, content, "`APPROVAL_X_1`")
	assert.Contains(t, content, "`PLAN_X` 0/0 steps")
	assert.Contains(t, content, "Nothing urgent.")
}
