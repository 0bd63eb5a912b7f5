// Package agent defines the boundary to the external reasoning agent that
// executes plan steps. The orchestrator only sees Request, Outcome and the
// failure taxonomy; implementations live in subpackages.
package agent

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

var (
	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that will never succeed on retry.
	ErrPermanent = errors.New("permanent failure")
)

// Agent executes one plan step per invocation.
type Agent interface {
	// Name returns the agent identifier recorded with each run.
	Name() string
	// Invoke runs the request's step. Failures are returned as *FailureError.
	Invoke(ctx context.Context, req Request) (Outcome, error)
}

// Grant carries a human approval into the resumed step.
type Grant struct {
	ApprovalID string `json:"approval_id"`
	Action     string `json:"action"`
	Step       string `json:"step"`
}

// Request is everything the agent sees for one step.
type Request struct {
	RecordID  string `json:"record_id"`
	SourceRef string `json:"source_ref,omitempty"`
	Action    string `json:"suggested_action,omitempty"`
	Priority  string `json:"priority"`
	Step      string `json:"step"`
	StepIndex int    `json:"step_index"`
	Body      string `json:"body"`
	Policy    string `json:"policy,omitempty"`
	Grant     *Grant `json:"grant,omitempty"`
}

// OutcomeKind enumerates successful agent results.
type OutcomeKind string

const (
	StepCompleted  OutcomeKind = "step_completed"
	ApprovalNeeded OutcomeKind = "approval_needed"
)

// Outcome is a successful agent result.
type Outcome struct {
	Kind   OutcomeKind `json:"outcome"`
	Detail string      `json:"detail,omitempty"`
	// Action and Risk are set when Kind is ApprovalNeeded.
	Action string `json:"action,omitempty"`
	Risk   string `json:"risk,omitempty"`
}

// Completed builds a StepCompleted outcome.
func Completed(detail string) Outcome {
	return Outcome{Kind: StepCompleted, Detail: detail}
}

// NeedsApproval builds an ApprovalNeeded outcome.
func NeedsApproval(action, risk string) Outcome {
	return Outcome{Kind: ApprovalNeeded, Action: action, Risk: risk}
}

// FailureKind classifies an agent failure.
type FailureKind string

const (
	Transient FailureKind = "transient"
	Permanent FailureKind = "permanent"
)

// FailureError is the error returned by Invoke on failure.
type FailureError struct {
	Kind   FailureKind
	Detail string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s failure: %s", e.Kind, e.Detail)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransient or ErrPermanent by kind.
func (e *FailureError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == Transient
	case ErrPermanent:
		return e.Kind == Permanent
	}
	return false
}

// NewTransient wraps err as a retryable failure.
func NewTransient(detail string, err error) *FailureError {
	return &FailureError{Kind: Transient, Detail: detail, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(detail string, err error) *FailureError {
	return &FailureError{Kind: Permanent, Detail: detail, Err: err}
}

// Classify maps any error to a failure kind. Errors that are not
// *FailureError are treated as transient.
func Classify(err error) (FailureKind, string) {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Kind, fe.Error()
	}
	return Transient, err.Error()
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, req Request) (Outcome, error)

// Name implements Agent.
func (f Func) Name() string { return "func" }

// Invoke implements Agent.
func (f Func) Invoke(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}

// Status describes whether an agent can currently be invoked.
type Status struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Prober is implemented by agents that can check their own availability.
type Prober interface {
	Probe() Status
}

// Limited wraps an agent with a token bucket limiter.
type Limited struct {
	Agent
	limiter *rate.Limiter
}

// WithRateLimit caps invocations at perMinute, with a burst of one. A
// non-positive rate returns the agent unchanged.
func WithRateLimit(a Agent, perMinute int) Agent {
	if perMinute <= 0 {
		return a
	}
	return &Limited{
		Agent:   a,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
	}
}

// Invoke waits for a token, then delegates. A wait cut short by the context
// is a transient failure.
func (l *Limited) Invoke(ctx context.Context, req Request) (Outcome, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Outcome{}, NewTransient("rate limit wait", err)
	}
	return l.Agent.Invoke(ctx, req)
}

// Probe forwards to the wrapped agent when it supports probing.
func (l *Limited) Probe() Status {
	if p, ok := l.Agent.(Prober); ok {
		return p.Probe()
	}
	return Status{Name: l.Name(), Available: true}
}
