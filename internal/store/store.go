// Package store provides SQLite-backed persistence for taskvault. The records
// table is the source of truth for record state; the vault folder tree mirrors it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/taskvault/internal/models"
)

var (
	// ErrConflict indicates the record changed since it was read.
	ErrConflict = errors.New("record version conflict")
	// ErrDuplicateID indicates an insert collided with an existing record id.
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrDuplicateContent indicates the content hash already produced a record.
	ErrDuplicateContent = errors.New("content already converted")
	// ErrCorrupt indicates a stored row could not be decoded.
	ErrCorrupt = errors.New("corrupt record")
)

// Store provides access to the taskvault SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets the watcher and orchestrator run as separate processes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		source TEXT,
		source_ref TEXT,
		category TEXT,
		content_hash TEXT,
		next_attempt_at DATETIME,
		fields TEXT,
		body TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS seen_items (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		record_id TEXT,
		seen_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS content_index (
		content_hash TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		first_seen DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		agent TEXT NOT NULL,
		step TEXT,
		outcome TEXT NOT NULL,
		detail TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (record_id) REFERENCES records(id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);
	CREATE INDEX IF NOT EXISTS idx_records_source_ref ON records(source_ref);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_record_id ON agent_runs(record_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const recordColumns = `id, kind, state, priority, status, attempt_count, source, source_ref, category,
	content_hash, next_attempt_at, fields, body, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.TaskRecord, error) {
	var rec models.TaskRecord
	var source, sourceRef, category, hash, fields, body sql.NullString
	var next sql.NullTime

	err := row.Scan(&rec.ID, &rec.Kind, &rec.State, &rec.Priority, &rec.Status, &rec.AttemptCount,
		&source, &sourceRef, &category, &hash, &next, &fields, &body, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Source = source.String
	rec.SourceRef = sourceRef.String
	rec.Category = category.String
	rec.ContentHash = hash.String
	rec.Body = body.String
	if next.Valid {
		t := next.Time.UTC()
		rec.NextAttempt = &t
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
			// The identifying columns are still returned so callers can
			// report which record is damaged.
			return &models.TaskRecord{ID: rec.ID, Kind: rec.Kind, State: rec.State},
				fmt.Errorf("%w: decode fields for %s: %v", ErrCorrupt, rec.ID, err)
		}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "unique constraint")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, ex execer, rec *models.TaskRecord) error {
	if !rec.Kind.Valid() || !rec.State.Valid() {
		return fmt.Errorf("insert record %s: invalid kind %q or state %q", rec.ID, rec.Kind, rec.State)
	}
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.State, rec.Priority, rec.Status, rec.AttemptCount, rec.Source, rec.SourceRef,
		rec.Category, rec.ContentHash, nullTime(rec.NextAttempt), fields, rec.Body, rec.Version,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// updateRecord writes the mutable fields of rec guarded by its version.
// Priority, kind and created_at are immutable and never written here.
func updateRecord(ctx context.Context, ex execer, rec *models.TaskRecord, now time.Time) error {
	fields, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}
	if !rec.State.Valid() {
		return fmt.Errorf("update record %s: invalid state %q", rec.ID, rec.State)
	}
	result, err := ex.ExecContext(ctx,
		`UPDATE records SET state = ?, status = ?, attempt_count = ?, next_attempt_at = ?, fields = ?, body = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND attempt_count <= ?`,
		rec.State, rec.Status, rec.AttemptCount, nullTime(rec.NextAttempt), fields, rec.Body, now.UTC(),
		rec.ID, rec.Version, rec.AttemptCount,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s@%d", ErrConflict, rec.ID, rec.Version)
	}
	rec.Version++
	rec.UpdatedAt = now.UTC()
	return nil
}

// --- Record Operations ---

// CreateRecord inserts a new record.
func (s *Store) CreateRecord(ctx context.Context, rec *models.TaskRecord) error {
	return insertRecord(ctx, s.db, rec)
}

// GetRecord retrieves a record by ID. It returns nil, nil when absent.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

// RecordExists reports whether a record id is taken.
func (s *Store) RecordExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query record: %w", err)
	}
	return n > 0, nil
}

// UniqueID returns base, or base with the smallest numeric suffix (_2, _3,
// ...) that no existing record uses.
func (s *Store) UniqueID(ctx context.Context, base string) (string, error) {
	for n := 1; n < 1000; n++ {
		id := base
		if n > 1 {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		exists, err := s.RecordExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no free suffix for %s", ErrDuplicateID, base)
}

// Filter narrows ListRecords. Zero values match everything.
type Filter struct {
	State     models.State
	Kind      models.Kind
	SourceRef string
}

// CorruptRecord is a row ListRecords skipped because it could not be decoded.
type CorruptRecord struct {
	ID    string
	Kind  models.Kind
	State models.State
	Err   error
}

// ListRecords returns records ordered by ascending creation time, then id.
// Rows that cannot be decoded are left out; ListRecordsChecked reports them.
func (s *Store) ListRecords(ctx context.Context, f Filter) ([]models.TaskRecord, error) {
	records, _, err := s.ListRecordsChecked(ctx, f)
	return records, err
}

// ListRecordsChecked is ListRecords that also returns the rows it skipped.
func (s *Store) ListRecordsChecked(ctx context.Context, f Filter) ([]models.TaskRecord, []CorruptRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	var conds []string
	var args []any

	if f.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, f.State)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.SourceRef != "" {
		conds = append(conds, "source_ref = ?")
		args = append(args, f.SourceRef)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []models.TaskRecord
	var corrupt []CorruptRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if errors.Is(err, ErrCorrupt) {
			corrupt = append(corrupt, CorruptRecord{ID: rec.ID, Kind: rec.Kind, State: rec.State, Err: err})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	models.SortByCreation(records)
	return records, corrupt, nil
}

// CountByState returns the number of records in each state. Every known
// state is present in the result, possibly with zero.
func (s *Store) CountByState(ctx context.Context) (map[models.State]int, error) {
	counts := make(map[models.State]int, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM records GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.State
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// Save writes a single record's mutable fields with an optimistic version check.
func (s *Store) Save(ctx context.Context, rec *models.TaskRecord) error {
	return updateRecord(ctx, s.db, rec, time.Now())
}

// Changeset groups record inserts and guarded updates that commit together.
type Changeset struct {
	Creates []*models.TaskRecord
	Updates []*models.TaskRecord
}

// Commit applies a changeset in one transaction. Any version conflict or
// duplicate id rolls back every change in the set.
func (s *Store) Commit(ctx context.Context, cs Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	versions := make([]int64, len(cs.Updates))
	for i, rec := range cs.Updates {
		versions[i] = rec.Version
	}

	for _, rec := range cs.Creates {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	for _, rec := range cs.Updates {
		if err := updateRecord(ctx, tx, rec, now); err != nil {
			restoreVersions(cs.Updates, versions)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		restoreVersions(cs.Updates, versions)
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func restoreVersions(recs []*models.TaskRecord, versions []int64) {
	for i, rec := range recs {
		rec.Version = versions[i]
	}
}

// --- Detection Watermark ---

// SeenHash returns the content hash last recorded for a source path.
func (s *Store) SeenHash(ctx context.Context, path string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM seen_items WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query seen item: %w", err)
	}
	return hash, true, nil
}

// ContentOwner returns the record that first converted a content hash.
func (s *Store) ContentOwner(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT record_id FROM content_index WHERE content_hash = ?`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query content index: %w", err)
	}
	return id, true, nil
}

// MarkSeen records a source path at a content hash without creating a record.
func (s *Store) MarkSeen(ctx context.Context, path, hash, recordID string) error {
	return upsertSeen(ctx, s.db, path, hash, recordID, time.Now())
}

func upsertSeen(ctx context.Context, ex execer, path, hash, recordID string, now time.Time) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO seen_items (path, content_hash, record_id, seen_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET content_hash = excluded.content_hash, record_id = excluded.record_id, seen_at = excluded.seen_at`,
		path, hash, recordID, now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert seen item: %w", err)
	}
	return nil
}

// CreateDetected inserts a new record together with its watermark rows, so
// detection and record creation either both persist or neither does.
func (s *Store) CreateDetected(ctx context.Context, rec *models.TaskRecord, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if rec.ContentHash != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO content_index (content_hash, record_id, first_seen) VALUES (?, ?, ?)`,
			rec.ContentHash, rec.ID, now.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateContent
			}
			return fmt.Errorf("insert content index: %w", err)
		}
	}
	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := upsertSeen(ctx, tx, path, rec.ContentHash, rec.ID, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Agent Run Operations ---

// CreateRun records an agent invocation.
func (s *Store) CreateRun(ctx context.Context, run *models.AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, record_id, agent, step, outcome, detail, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RecordID, run.Agent, run.Step, run.Outcome, run.Detail, run.StartedAt.UTC(), run.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRunsForRecord returns all agent runs for a record, oldest first.
func (s *Store) GetRunsForRecord(ctx context.Context, recordID string) ([]models.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, agent, step, outcome, detail, started_at, ended_at FROM agent_runs WHERE record_id = ? ORDER BY started_at ASC`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.AgentRun
	for rows.Next() {
		var run models.AgentRun
		var step, detail sql.NullString
		var ended sql.NullTime
		if err := rows.Scan(&run.ID, &run.RecordID, &run.Agent, &step, &run.Outcome, &detail, &run.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Step = step.String
		run.Detail = detail.String
		if ended.Valid {
			run.EndedAt = ended.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
