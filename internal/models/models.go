// Package models defines the core domain types for taskvault.
package models

import (
	"maps"
	"sort"
	"time"
)

// Kind tags the variant of a task record.
type Kind string

const (
	KindFileDrop        Kind = "file_drop"
	KindPlan            Kind = "plan"
	KindApprovalRequest Kind = "approval_request"
	KindError           Kind = "error"
	KindAlert           Kind = "alert"
	KindQuarantine      Kind = "quarantine"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFileDrop, KindPlan, KindApprovalRequest, KindError, KindAlert, KindQuarantine:
		return true
	}
	return false
}

// State is the container a record currently occupies.
type State string

const (
	StateInbox           State = "Inbox"
	StateNeedsAction     State = "NeedsAction"
	StatePlans           State = "Plans"
	StatePendingApproval State = "PendingApproval"
	StateApproved        State = "Approved"
	StateRejected        State = "Rejected"
	StateDone            State = "Done"
	StateQuarantine      State = "Quarantine"
)

// AllStates lists every state in pipeline order.
var AllStates = []State{
	StateInbox,
	StateNeedsAction,
	StatePlans,
	StatePendingApproval,
	StateApproved,
	StateRejected,
	StateDone,
	StateQuarantine,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// Active reports whether the orchestrator still drives records in this state.
func (s State) Active() bool {
	switch s {
	case StateInbox, StateNeedsAction, StatePlans, StatePendingApproval, StateApproved:
		return true
	}
	return false
}

// Terminal reports whether the core never moves a record out of s on its own.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateQuarantine
}

// Priority is assigned once at classification time.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// TaskStatus represents the processing status of a record.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskRecord is one unit of work moving through the pipeline.
type TaskRecord struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	State        State             `json:"state"`
	Priority     Priority          `json:"priority"`
	Status       TaskStatus        `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Source       string            `json:"source"`
	SourceRef    string            `json:"source_ref,omitempty"`
	Category     string            `json:"category,omitempty"`
	ContentHash  string            `json:"content_hash,omitempty"`
	NextAttempt  *time.Time        `json:"next_attempt_at,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	Body         string            `json:"body"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Field returns a kind-specific header value.
func (r *TaskRecord) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// SetField sets a kind-specific header value; empty values are removed.
func (r *TaskRecord) SetField(key, value string) {
	if value == "" {
		delete(r.Fields, key)
		return
	}
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[key] = value
}

// Clone returns a deep copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	c := *r
	c.Fields = maps.Clone(r.Fields)
	if r.NextAttempt != nil {
		t := *r.NextAttempt
		c.NextAttempt = &t
	}
	return &c
}

// Due reports whether the record's backoff has elapsed at now.
func (r *TaskRecord) Due(now time.Time) bool {
	return r.NextAttempt == nil || !now.Before(*r.NextAttempt)
}

// Kind-specific header keys.
const (
	FieldSuggestedAction  = "suggested_action"
	FieldAwaitingApproval = "awaiting_approval"
	FieldApprovalGrant    = "approval_granted"
	FieldAction           = "action"
	FieldRiskReason       = "risk_reason"
	FieldPlanID           = "plan"
	FieldFailureKind      = "failure_kind"
	FieldFilePath         = "file_path"
	FieldFileSize         = "file_size"
	FieldFileType         = "file_type"
	FieldStepIndex        = "step"
	// FieldCovers lists, comma separated, the records a quarantine note
	// was filed for.
	FieldCovers = "covers"
)

// SortByCreation orders records by ascending creation time, then id.
func SortByCreation(records []TaskRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// Actor identifies who caused an audited transition.
type Actor string

const (
	ActorWatcher      Actor = "watcher"
	ActorOrchestrator Actor = "orchestrator"
	ActorHuman        Actor = "human"
	ActorAgent        Actor = "agent"
)

// Result of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Audit action types.
const (
	ActionItemDetected      = "item_detected"
	ActionItemDuplicate     = "item_duplicate"
	ActionSourceUnreachable = "source_unreachable"
	ActionTriaged           = "triaged"
	ActionPlanCreated       = "plan_created"
	ActionStepCompleted     = "step_completed"
	ActionApprovalRequested = "approval_requested"
	ActionApprovalGranted   = "approval_granted"
	ActionApprovalRejected  = "approval_rejected"
	ActionRetryScheduled    = "retry_scheduled"
	ActionQuarantined       = "quarantined"
	ActionPermanentFailure  = "permanent_failure"
	ActionIntegrityError    = "integrity_violation"
	ActionAlertRaised       = "alert_raised"
	ActionArchived          = "archived"
	ActionAcknowledged      = "acknowledged"
	ActionReplayed          = "replayed"
)

// AuditEntry is one immutable line of the audit log.
type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActionType string    `json:"action_type"`
	Actor      Actor     `json:"actor"`
	RecordID   string    `json:"record_id,omitempty"`
	RecordKind Kind      `json:"record_kind,omitempty"`
	FromState  State     `json:"from_state,omitempty"`
	ToState    State     `json:"to_state,omitempty"`
	Result     Result    `json:"result"`
	Detail     string    `json:"detail,omitempty"`
	InputsHash string    `json:"inputs_hash,omitempty"`
}

// IsTransition reports whether the entry records a state change.
func (e AuditEntry) IsTransition() bool {
	return e.FromState != "" && e.ToState != "" && e.FromState != e.ToState
}

// ClosesTask reports whether the entry archives a plan, which is the
// record that stands for the whole task.
func (e AuditEntry) ClosesTask() bool {
	return e.ActionType == ActionArchived && e.Result == ResultSuccess && e.RecordKind == KindPlan
}

// AgentRun records one invocation of the external agent.
type AgentRun struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Agent     string    `json:"agent"`
	Step      string    `json:"step"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// UrgentItem is a record the operator must look at.
type UrgentItem struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	State    State    `json:"state"`
	Priority Priority `json:"priority"`
	Summary  string   `json:"summary"`
}

// StatusSnapshot is the derived pipeline summary.
type StatusSnapshot struct {
	GeneratedAt       time.Time     `json:"generated_at"`
	Counts            map[State]int `json:"counts"`
	Total             int           `json:"total"`
	CompletedToday    int           `json:"completed_today"`
	CompletedThisWeek int           `json:"completed_this_week"`
	Urgent            []UrgentItem  `json:"urgent"`
	Recent            []AuditEntry  `json:"recent"`
}
