// Package record encodes task records as markdown documents with a YAML
// front-matter header, the format shared with the vault viewer and with
// manually authored approval decisions.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/taskvault/internal/models"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("record: missing frontmatter")
	// ErrMalformedFrontMatter indicates the header block could not be parsed.
	ErrMalformedFrontMatter = errors.New("record: malformed frontmatter")
	// ErrMissingField indicates a required header field is absent or invalid.
	ErrMissingField = errors.New("record: missing required field")
)

// Header keys with a fixed position; everything else lands in Fields.
const (
	keyType      = "type"
	keyID        = "id"
	keySource    = "source"
	keyPriority  = "priority"
	keyStatus    = "status"
	keyCreated   = "created"
	keyUpdated   = "updated"
	keyAttempts  = "attempt_count"
	keySourceRef = "source_ref"
	keyCategory  = "category"
	keyHash      = "hash"
	keyNext      = "next_attempt_at"
)

var fixedKeys = []string{
	keyType, keyID, keySource, keyPriority, keyStatus, keyCreated, keyUpdated,
	keyAttempts, keySourceRef, keyCategory, keyHash, keyNext,
}

const timeLayout = time.RFC3339

// Encode renders a record as front-matter + body. State and Version are not
// part of the document: state is the folder the document lives in.
func Encode(rec *models.TaskRecord) ([]byte, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}

	header := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key, value string) {
		if value == "" {
			return
		}
		header.Content = append(header.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value},
		)
	}

	add(keyType, string(rec.Kind))
	add(keyID, rec.ID)
	add(keySource, rec.Source)
	add(keyPriority, string(rec.Priority))
	add(keyStatus, string(rec.Status))
	add(keyCreated, formatTime(rec.CreatedAt))
	add(keyUpdated, formatTime(rec.UpdatedAt))
	add(keyAttempts, strconv.Itoa(rec.AttemptCount))
	add(keySourceRef, rec.SourceRef)
	add(keyCategory, rec.Category)
	add(keyHash, rec.ContentHash)
	if rec.NextAttempt != nil {
		add(keyNext, formatTime(*rec.NextAttempt))
	}

	extra := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		if isFixed(k) {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		add(k, rec.Fields[k])
	}

	data, err := yaml.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("record: encode frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(rec.Body)
	if rec.Body != "" && !strings.HasSuffix(rec.Body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Decode parses a document back into a record. The returned record has no
// State; callers assign it from the document's location.
func Decode(content []byte) (*models.TaskRecord, error) {
	header, body, err := split(content)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(header, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	if len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, ErrMalformedFrontMatter
	}

	values := make(map[string]string)
	mapping := doc.Content[0]
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		k, v := mapping.Content[i], mapping.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			continue
		}
		values[k.Value] = strings.TrimSpace(v.Value)
	}

	rec := &models.TaskRecord{
		ID:          values[keyID],
		Kind:        models.Kind(values[keyType]),
		Source:      values[keySource],
		Priority:    models.Priority(values[keyPriority]),
		Status:      models.TaskStatus(values[keyStatus]),
		SourceRef:   values[keySourceRef],
		Category:    values[keyCategory],
		ContentHash: values[keyHash],
		Body:        string(body),
	}

	if rec.ID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingField)
	}
	if !rec.Kind.Valid() {
		return nil, fmt.Errorf("%w: type %q", ErrMissingField, values[keyType])
	}
	switch rec.Priority {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh:
	default:
		return nil, fmt.Errorf("%w: priority %q", ErrMissingField, values[keyPriority])
	}
	switch rec.Status {
	case models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusCompleted, models.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrMissingField, values[keyStatus])
	}

	created, err := parseTime(values[keyCreated])
	if err != nil {
		return nil, fmt.Errorf("%w: created: %v", ErrMissingField, err)
	}
	rec.CreatedAt = created
	rec.UpdatedAt = created
	if v := values[keyUpdated]; v != "" {
		if updated, err := parseTime(v); err == nil {
			rec.UpdatedAt = updated
		}
	}
	if v := values[keyAttempts]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: attempt_count %q", ErrMissingField, v)
		}
		rec.AttemptCount = n
	}
	if v := values[keyNext]; v != "" {
		if next, err := parseTime(v); err == nil {
			rec.NextAttempt = &next
		}
	}

	for k, v := range values {
		if isFixed(k) {
			continue
		}
		rec.SetField(k, v)
	}
	return rec, nil
}

func split(content []byte) ([]byte, []byte, error) {
	if len(content) == 0 {
		return nil, nil, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return nil, nil, ErrMalformedFrontMatter
	}
	return parts[0], bytes.TrimPrefix(parts[1], []byte("\n")), nil
}

func isFixed(key string) bool {
	for _, k := range fixedKeys {
		if k == key {
			return true
		}
	}
	return false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		// Hand-written documents often carry local ISO timestamps without a zone.
		t, err = time.ParseInLocation("2006-01-02T15:04:05", value, time.Local)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}
