package record

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/taskvault/internal/models"
)

func sampleRecord() *models.TaskRecord {
	created := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	next := created.Add(30 * time.Second)
	rec := &models.TaskRecord{
		ID:           "FILE_urgent_invoice_2026-10-18_09-30-00",
		Kind:         models.KindFileDrop,
		State:        models.StateNeedsAction,
		Priority:     models.PriorityHigh,
		Status:       models.TaskStatusPending,
		AttemptCount: 2,
		Source:       "urgent: invoice overdue.txt",
		Category:     "finance",
		ContentHash:  "abc123",
		NextAttempt:  &next,
		Body:         "# File Drop\n\nPay the vendor.\n",
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	rec.SetField(models.FieldSuggestedAction, "review_invoice")
	rec.SetField(models.FieldFileSize, "42")
	return rec
}

func TestEncodeDecode(t *testing.T) {
	rec := sampleRecord()

	data, err := Encode(rec)
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasPrefix(text, "---\ntype: file_drop\nid: "))
	assert.Contains(t, text, "\n---\n\n# File Drop")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Source, got.Source)
	assert.Equal(t, rec.Priority, got.Priority)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "finance", got.Category)
	assert.Equal(t, "abc123", got.ContentHash)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.NextAttempt)
	assert.True(t, rec.NextAttempt.Equal(*got.NextAttempt))
	assert.Equal(t, "review_invoice", got.Field(models.FieldSuggestedAction))
	assert.Equal(t, "42", got.Field(models.FieldFileSize))
	assert.Equal(t, rec.Body, got.Body)
	assert.Equal(t, models.State(""), got.State, "state lives in the folder, not the document")
}

func TestDecode_HandWrittenDocument(t *testing.T) {
	doc := "---\r\ntype: approval_request\r\nid: APPROVAL_1\r\nsource: PLAN_1\r\npriority: medium\r\nstatus: pending\r\ncreated: 2026-10-18T10:00:00\r\naction: process_payment\r\n---\r\nApprove?\r\n"

	got, err := Decode([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, models.KindApprovalRequest, got.Kind)
	assert.Equal(t, "process_payment", got.Field(models.FieldAction))
	assert.Equal(t, "Approve?\n", got.Body)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"empty", "", ErrMissingFrontMatter},
		{"no fence", "type: plan\n", ErrMissingFrontMatter},
		{"unterminated", "---\ntype: plan\n", ErrMalformedFrontMatter},
		{"not a mapping", "---\n- a\n- b\n---\n", ErrMalformedFrontMatter},
		{"missing id", "---\ntype: plan\npriority: low\nstatus: pending\ncreated: 2026-10-18T10:00:00Z\n---\n", ErrMissingField},
		{"bad kind", "---\ntype: memo\nid: x\npriority: low\nstatus: pending\ncreated: 2026-10-18T10:00:00Z\n---\n", ErrMissingField},
		{"bad priority", "---\ntype: plan\nid: x\npriority: extreme\nstatus: pending\ncreated: 2026-10-18T10:00:00Z\n---\n", ErrMissingField},
		{"bad created", "---\ntype: plan\nid: x\npriority: low\nstatus: pending\ncreated: yesterday\n---\n", ErrMissingField},
		{"bad attempts", "---\ntype: plan\nid: x\npriority: low\nstatus: pending\ncreated: 2026-10-18T10:00:00Z\nattempt_count: -1\n---\n", ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEncode_RequiresID(t *testing.T) {
	_, err := Encode(&models.TaskRecord{Kind: models.KindPlan})
	assert.ErrorIs(t, err, ErrMissingField)
}
