package record

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	idTimeLayout = "2006-01-02_15-04-05"
	maxSafeName  = 60
)

// SafeName keeps letters, digits, '-' and '_' and replaces everything else
// with '_', so "urgent: invoice.txt" becomes "urgent__invoice_txt".
func SafeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	safe := b.String()
	if len(safe) > maxSafeName {
		safe = safe[:maxSafeName]
	}
	if strings.Trim(safe, "_") == "" {
		return "item"
	}
	return safe
}

// Stamp formats t for use inside record ids.
func Stamp(t time.Time) string {
	return t.UTC().Format(idTimeLayout)
}

// FileID names a file_drop record.
func FileID(name string, t time.Time) string {
	return fmt.Sprintf("FILE_%s_%s", SafeName(name), Stamp(t))
}

// PlanID names the plan record created for a source record.
func PlanID(sourceID string) string {
	return "PLAN_" + sourceID
}

// ApprovalID names the approval request for step n (1-based) of a plan.
func ApprovalID(planID string, step int) string {
	return fmt.Sprintf("APPROVAL_%s_%d", planID, step)
}

// ErrorID names the error record raised for a permanent failure.
func ErrorID(sourceID string, t time.Time) string {
	return fmt.Sprintf("ERROR_%s_%s", sourceID, Stamp(t))
}

// AlertID names the alert record raised when a record is quarantined.
func AlertID(sourceID string, t time.Time) string {
	return fmt.Sprintf("ALERT_%s_%s", sourceID, Stamp(t))
}

// QuarantineID names the review note filed next to a quarantined record.
func QuarantineID(recordID string) string {
	return "QUARANTINE_" + recordID
}

// WithSuffix returns base for n <= 1 and base_n otherwise.
func WithSuffix(base string, n int) string {
	if n <= 1 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}
