package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/taskvault/internal/models"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestRecordCRUD(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := newRecord("FILE_a", models.StateNeedsAction, time.Now())
	rec.SetField(models.FieldSuggestedAction, "review_file")

	// Create
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Expected version 1, got %d", rec.Version)
	}

	// Get
	got, err := s.GetRecord(ctx, "FILE_a")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected record, got nil")
	}
	if got.State != models.StateNeedsAction {
		t.Errorf("Expected state NeedsAction, got %s", got.State)
	}
	if got.Field(models.FieldSuggestedAction) != "review_file" {
		t.Errorf("Expected suggested_action review_file, got %q", got.Field(models.FieldSuggestedAction))
	}

	// Missing
	missing, err := s.GetRecord(ctx, "nope")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing record")
	}

	// Duplicate
	dup := newRecord("FILE_a", models.StateInbox, time.Now())
	if err := s.CreateRecord(ctx, dup); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}

	exists, err := s.RecordExists(ctx, "FILE_a")
	if err != nil || !exists {
		t.Errorf("Expected FILE_a to exist, got %v %v", exists, err)
	}

	// UniqueID
	id, err := s.UniqueID(ctx, "FILE_a")
	if err != nil || id != "FILE_a_2" {
		t.Errorf("Expected FILE_a_2, got %q %v", id, err)
	}
	id, err = s.UniqueID(ctx, "FILE_b")
	if err != nil || id != "FILE_b" {
		t.Errorf("Expected FILE_b, got %q %v", id, err)
	}
}

func TestListRecords_OrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		rec := newRecord(id, models.StateNeedsAction, base.Add(time.Duration(i)*time.Minute))
		if err := s.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}
	// Same timestamp as "c": id breaks the tie.
	if err := s.CreateRecord(ctx, newRecord("0", models.StateNeedsAction, base)); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if err := s.CreateRecord(ctx, newRecord("done", models.StateDone, base)); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	records, err := s.ListRecords(ctx, Filter{State: models.StateNeedsAction})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	var ids []string
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	want := []string{"0", "c", "a", "b"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("Expected order %v, got %v", want, ids)
	}

	all, err := s.ListRecords(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("Expected 5 records, got %d", len(all))
	}

	counts, err := s.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts[models.StateNeedsAction] != 4 || counts[models.StateDone] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}
	if _, ok := counts[models.StateQuarantine]; !ok {
		t.Error("Expected zero entry for Quarantine")
	}
}

func TestListRecords_SkipsCorruptRow(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"good", "bad"} {
		if err := s.CreateRecord(ctx, newRecord(id, models.StatePlans, time.Now())); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE records SET fields = '{not json' WHERE id = 'bad'`); err != nil {
		t.Fatalf("Failed to corrupt row: %v", err)
	}

	records, err := s.ListRecords(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "good" {
		t.Errorf("Expected only the readable record, got %+v", records)
	}

	_, corrupt, err := s.ListRecordsChecked(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListRecordsChecked failed: %v", err)
	}
	if len(corrupt) != 1 {
		t.Fatalf("Expected 1 corrupt record, got %d", len(corrupt))
	}
	if corrupt[0].ID != "bad" || corrupt[0].State != models.StatePlans {
		t.Errorf("Unexpected corrupt record: %+v", corrupt[0])
	}
	if !errors.Is(corrupt[0].Err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got %v", corrupt[0].Err)
	}

	if _, err := s.GetRecord(ctx, "bad"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt from GetRecord, got %v", err)
	}
}

func TestSave_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := newRecord("FILE_v", models.StateNeedsAction, time.Now())
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	stale := *rec

	rec.State = models.StatePlans
	rec.Body += "\nmoved"
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("Expected version 2, got %d", rec.Version)
	}

	stale.State = models.StateDone
	if err := s.Save(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	got, _ := s.GetRecord(ctx, "FILE_v")
	if got.State != models.StatePlans {
		t.Errorf("Expected state Plans after stale write, got %s", got.State)
	}
}

func TestSave_AttemptCountNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := newRecord("FILE_n", models.StateNeedsAction, time.Now())
	rec.AttemptCount = 3
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	rec.AttemptCount = 2
	if err := s.Save(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on decreasing attempts, got %v", err)
	}
}

func TestCommit_Atomicity(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	src := newRecord("FILE_x", models.StateNeedsAction, time.Now())
	if err := s.CreateRecord(ctx, src); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	// A stale update aborts the insert in the same changeset.
	stale := *src
	stale.Version = 7
	stale.State = models.StatePlans
	plan := newRecord("PLAN_FILE_x", models.StatePlans, time.Now())
	plan.Kind = models.KindPlan

	err := s.Commit(ctx, Changeset{Creates: []*models.TaskRecord{plan}, Updates: []*models.TaskRecord{&stale}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	if stale.Version != 7 {
		t.Errorf("Expected version restored to 7, got %d", stale.Version)
	}
	if got, _ := s.GetRecord(ctx, "PLAN_FILE_x"); got != nil {
		t.Error("Plan record should not exist after rollback")
	}

	src.State = models.StatePlans
	plan.Version = 0
	if err := s.Commit(ctx, Changeset{Creates: []*models.TaskRecord{plan}, Updates: []*models.TaskRecord{src}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	got, _ := s.GetRecord(ctx, "FILE_x")
	if got.State != models.StatePlans || got.Version != 2 {
		t.Errorf("Expected Plans@2, got %s@%d", got.State, got.Version)
	}
}

func TestCreateDetected(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := newRecord("FILE_d", models.StateNeedsAction, time.Now())
	rec.ContentHash = "h1"
	if err := s.CreateDetected(ctx, rec, "/drop/a.txt"); err != nil {
		t.Fatalf("CreateDetected failed: %v", err)
	}

	hash, ok, err := s.SeenHash(ctx, "/drop/a.txt")
	if err != nil || !ok || hash != "h1" {
		t.Errorf("Expected seen hash h1, got %q %v %v", hash, ok, err)
	}
	owner, ok, err := s.ContentOwner(ctx, "h1")
	if err != nil || !ok || owner != "FILE_d" {
		t.Errorf("Expected content owner FILE_d, got %q %v %v", owner, ok, err)
	}

	// Same content under a new path is rejected and leaves no record behind.
	again := newRecord("FILE_e", models.StateNeedsAction, time.Now())
	again.ContentHash = "h1"
	if err := s.CreateDetected(ctx, again, "/drop/b.txt"); !errors.Is(err, ErrDuplicateContent) {
		t.Fatalf("Expected ErrDuplicateContent, got %v", err)
	}
	if got, _ := s.GetRecord(ctx, "FILE_e"); got != nil {
		t.Error("Duplicate content should not create a record")
	}
	if _, ok, _ := s.SeenHash(ctx, "/drop/b.txt"); ok {
		t.Error("Rolled back detection should not mark the path seen")
	}

	if err := s.MarkSeen(ctx, "/drop/b.txt", "h1", "FILE_d"); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	if hash, ok, _ := s.SeenHash(ctx, "/drop/b.txt"); !ok || hash != "h1" {
		t.Errorf("Expected /drop/b.txt seen at h1, got %q %v", hash, ok)
	}
}

func TestRuns(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := newRecord("PLAN_r", models.StatePlans, time.Now())
	rec.Kind = models.KindPlan
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	start := time.Now()
	run := &models.AgentRun{
		RecordID:  "PLAN_r",
		Agent:     "rules",
		Step:      "Read action file",
		Outcome:   "step_completed",
		StartedAt: start,
		EndedAt:   start.Add(time.Second),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == "" {
		t.Error("Run ID should be assigned")
	}

	runs, err := s.GetRunsForRecord(ctx, "PLAN_r")
	if err != nil {
		t.Fatalf("GetRunsForRecord failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Step != "Read action file" {
		t.Errorf("Unexpected runs: %+v", runs)
	}
}

func TestSave_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	rec := newRecord("FILE_race", models.StateNeedsAction, time.Now())
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copyRec := *rec
			copyRec.State = models.AllStates[i%len(models.AllStates)]
			if err := s.Save(ctx, &copyRec); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly 1 winning writer, got %d", wins)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func newRecord(id string, state models.State, created time.Time) *models.TaskRecord {
	return &models.TaskRecord{
		ID:        id,
		Kind:      models.KindFileDrop,
		State:     state,
		Priority:  models.PriorityMedium,
		Status:    models.TaskStatusPending,
		Source:    id + ".txt",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}
