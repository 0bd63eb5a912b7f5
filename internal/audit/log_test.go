package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/taskvault/internal/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAppendAndReadDay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	l := NewLog(dir)
	now := time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC)
	l.now = fixedClock(now)

	e := &models.AuditEntry{
		ActionType: models.ActionItemDetected,
		Actor:      models.ActorWatcher,
		RecordID:   "FILE_a",
		ToState:    models.StateNeedsAction,
	}
	require.NoError(t, l.Append(e))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, now, e.Timestamp)
	assert.Equal(t, models.ResultSuccess, e.Result)
	assert.FileExists(t, filepath.Join(dir, "2026-10-18.jsonl"))

	entries, err := l.ReadDay(now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "FILE_a", entries[0].RecordID)
	assert.Equal(t, models.ActorWatcher, entries[0].Actor)

	// Rolls over at UTC midnight.
	l.now = fixedClock(now.Add(2 * time.Minute))
	require.NoError(t, l.Append(&models.AuditEntry{ActionType: models.ActionTriaged, Actor: models.ActorOrchestrator}))
	days, err := l.Days()
	require.NoError(t, err)
	assert.Len(t, days, 2)
}

func TestReadDay_SkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	l := NewLog(dir)
	day := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	l.now = fixedClock(day.Add(time.Hour))

	require.NoError(t, l.Append(&models.AuditEntry{ActionType: models.ActionArchived, Actor: models.ActorOrchestrator}))

	f, err := os.OpenFile(filepath.Join(dir, "2026-10-18.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","action_ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := l.ReadDay(day)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadDay_Missing(t *testing.T) {
	entries, err := NewLog(t.TempDir()).ReadDay(time.Now())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppend_FailureIsErrAppend(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// A regular file where the directory should be makes every append fail.
	l := NewLog(filepath.Join(blocker, "audit"))
	err := l.Append(&models.AuditEntry{ActionType: models.ActionTriaged})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAppend))
}

func TestScanAndTail(t *testing.T) {
	l := NewLog(t.TempDir())
	start := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		ts := start.Add(time.Duration(i) * 12 * time.Hour)
		require.NoError(t, l.Append(&models.AuditEntry{
			Timestamp:  ts,
			ActionType: models.ActionStepCompleted,
			Actor:      models.ActorAgent,
			RecordID:   string(rune('a' + i)),
		}))
	}

	var seen []string
	err := l.Scan(start.Add(24*time.Hour), start.Add(60*time.Hour), func(e models.AuditEntry) error {
		seen = append(seen, e.RecordID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, seen)

	stop := errors.New("stop")
	err = l.Scan(start, start.Add(100*time.Hour), func(models.AuditEntry) error { return stop })
	assert.ErrorIs(t, err, stop)

	tail, err := l.Tail(4)
	require.NoError(t, err)
	require.Len(t, tail, 4)
	assert.Equal(t, "c", tail[0].RecordID)
	assert.Equal(t, "f", tail[3].RecordID)

	all, err := l.Tail(100)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	none, err := l.Tail(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHashInputs(t *testing.T) {
	a := HashInputs(map[string]string{"id": "x"})
	b := HashInputs(map[string]string{"id": "x"})
	c := HashInputs(map[string]string{"id": "y"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Equal(t, "hash_error", HashInputs(func() {}))
}
