// Package audit provides the append-only transition log for taskvault.
// Entries are JSON lines, one file per UTC day, fsynced before Append returns.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/taskvault/internal/models"
)

// ErrAppend wraps every failure to durably append an entry. Callers halt the
// current cycle when they see it.
var ErrAppend = errors.New("audit: append failed")

const (
	dayLayout = "2006-01-02"
	fileExt   = ".jsonl"
)

// Sink accepts audit entries. *Log is the production implementation.
type Sink interface {
	Append(entry *models.AuditEntry) error
}

// Log writes and reads the day-partitioned audit files under a directory.
type Log struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewLog creates a log rooted at dir. The directory is created on first append.
func NewLog(dir string) *Log {
	return &Log{dir: dir, now: time.Now}
}

// Dir returns the directory holding the day files.
func (l *Log) Dir() string {
	return l.dir
}

// Append assigns an id and timestamp when missing, then writes the entry and
// fsyncs the day file.
func (l *Log) Append(entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Result == "" {
		entry.Result = models.ResultSuccess
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrAppend, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	f, err := os.OpenFile(l.dayPath(entry.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync: %v", ErrAppend, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrAppend, err)
	}
	return nil
}

// HashInputs creates a SHA256 hash of the structured inputs to an action so
// a decision can later be matched against what produced it.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func (l *Log) dayPath(t time.Time) string {
	return filepath.Join(l.dir, t.UTC().Format(dayLayout)+fileExt)
}

// ReadDay returns every entry written on the given UTC day, in file order.
// A torn final line left by a crash mid-write is skipped.
func (l *Log) ReadDay(day time.Time) ([]models.AuditEntry, error) {
	data, err := os.ReadFile(l.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit day: %w", err)
	}

	var entries []models.AuditEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit day: %w", err)
	}
	return entries, nil
}

// Days lists the UTC days that have an audit file, oldest first.
func (l *Log) Days() ([]time.Time, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list audit files: %w", err)
	}

	var days []time.Time
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Scan calls fn for each entry with from <= timestamp < to, oldest day first.
// Returning an error from fn stops the scan.
func (l *Log) Scan(from, to time.Time, fn func(models.AuditEntry) error) error {
	days, err := l.Days()
	if err != nil {
		return err
	}
	first := from.UTC().Truncate(24 * time.Hour)
	for _, day := range days {
		if day.Before(first) || !day.Before(to.UTC()) {
			continue
		}
		entries, err := l.ReadDay(day)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tail returns up to n of the most recent entries, oldest first.
func (l *Log) Tail(n int) ([]models.AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	days, err := l.Days()
	if err != nil {
		return nil, err
	}

	var tail []models.AuditEntry
	for i := len(days) - 1; i >= 0 && len(tail) < n; i-- {
		entries, err := l.ReadDay(days[i])
		if err != nil {
			return nil, err
		}
		need := n - len(tail)
		if len(entries) > need {
			entries = entries[len(entries)-need:]
		}
		tail = append(append([]models.AuditEntry{}, entries...), tail...)
	}
	return tail, nil
}
