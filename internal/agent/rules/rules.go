// Package rules is a deterministic offline agent. Steps matching a sensitive
// keyword need human approval; every other step completes immediately.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/classifier"
)

// Agent applies the sensitive action table to each step.
type Agent struct {
	actions  []string
	keywords map[string][]string
}

// New creates a rules agent. sensitive maps an action name to the step
// keywords that trigger it.
func New(sensitive map[string][]string) *Agent {
	actions := make([]string, 0, len(sensitive))
	keywords := make(map[string][]string, len(sensitive))
	for action, kws := range sensitive {
		actions = append(actions, action)
		keywords[action] = append([]string(nil), kws...)
	}
	sort.Strings(actions)
	return &Agent{actions: actions, keywords: keywords}
}

// Name returns the agent identifier.
func (a *Agent) Name() string {
	return "rules"
}

// Probe always reports the agent available.
func (a *Agent) Probe() agent.Status {
	return agent.Status{Name: a.Name(), Available: true, Detail: fmt.Sprintf("%d sensitive actions", len(a.actions))}
}

// Invoke completes the step unless it is sensitive and not yet approved.
func (a *Agent) Invoke(ctx context.Context, req agent.Request) (agent.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return agent.Outcome{}, agent.NewTransient("canceled", err)
	}

	action, keyword, sensitive := a.match(req.Step)
	if !sensitive {
		return agent.Completed(fmt.Sprintf("completed %q", req.Step)), nil
	}
	if req.Grant != nil && req.Grant.Action == action {
		return agent.Completed(fmt.Sprintf("%s executed under %s", action, req.Grant.ApprovalID)), nil
	}
	return agent.NeedsApproval(action, fmt.Sprintf("step %q matches sensitive keyword %q", req.Step, keyword)), nil
}

func (a *Agent) match(step string) (string, string, bool) {
	for _, action := range a.actions {
		for _, kw := range a.keywords[action] {
			if classifier.ContainsKeyword(step, kw) {
				return action, kw, true
			}
		}
	}
	return "", "", false
}
