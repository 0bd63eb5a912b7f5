// Package command runs an external agent executable for each plan step.
// The prompt is written to stdin; the agent answers with one JSON line on
// stdout, for example {"outcome":"step_completed","detail":"..."}.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/taskvault/internal/agent"
	"github.com/fentz26/taskvault/internal/config"
)

const maxStderr = 500

// ExecResult holds the result of one agent process.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Agent invokes a configured executable.
type Agent struct {
	command  string
	args     []string
	workDir  string
	timeout  time.Duration
	lookPath func(string) (string, error)
}

// New creates a command agent from configuration. workDir is the vault root.
func New(cfg config.AgentConfig, workDir string) *Agent {
	return &Agent{
		command:  cfg.Command,
		args:     append([]string(nil), cfg.Args...),
		workDir:  workDir,
		timeout:  cfg.Timeout.Duration,
		lookPath: exec.LookPath,
	}
}

// Name returns the agent identifier.
func (a *Agent) Name() string {
	return "command:" + a.command
}

// Probe checks whether the executable is on PATH and reads its version.
func (a *Agent) Probe() agent.Status {
	status := agent.Status{Name: a.Name()}
	path, err := a.lookPath(a.command)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	status.Available = true
	status.Path = path
	status.Version = commandVersion(path, "--version")
	return status
}

// Invoke runs the executable once for the request's step.
func (a *Agent) Invoke(ctx context.Context, req agent.Request) (agent.Outcome, error) {
	path, err := a.lookPath(a.command)
	if err != nil {
		return agent.Outcome{}, agent.NewTransient("agent executable unavailable", err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := a.execute(ctx, path, Prompt(req))
	if err != nil {
		if ctx.Err() != nil {
			return agent.Outcome{}, agent.NewTransient("agent timed out", ctx.Err())
		}
		return agent.Outcome{}, agent.NewTransient("agent failed to start", err)
	}
	if res.ExitCode != 0 {
		if ctx.Err() != nil {
			return agent.Outcome{}, agent.NewTransient("agent timed out", ctx.Err())
		}
		return agent.Outcome{}, agent.NewTransient(
			fmt.Sprintf("agent exited with code %d: %s", res.ExitCode, tail(res.Stderr, maxStderr)), nil)
	}
	return ParseOutcome(res.Stdout)
}

func (a *Agent) execute(ctx context.Context, path, prompt string) (*ExecResult, error) {
	execCmd := exec.CommandContext(ctx, path, a.args...)
	if a.workDir != "" {
		execCmd.Dir = a.workDir
	}
	execCmd.Stdin = strings.NewReader(prompt)
	// Children that inherit stdout must not hold Wait open past a kill.
	execCmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &ExecResult{
		Command:  path,
		Args:     a.args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

type wireOutcome struct {
	Outcome string `json:"outcome"`
	Detail  string `json:"detail"`
	Action  string `json:"action"`
	Risk    string `json:"risk"`
	Kind    string `json:"kind"`
}

// ParseOutcome reads the last JSON object line of stdout. Missing or
// malformed output is a permanent failure: rerunning the same prompt will
// not fix it.
func ParseOutcome(stdout string) (agent.Outcome, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var w wireOutcome
		if err := json.Unmarshal([]byte(line), &w); err != nil || w.Outcome == "" {
			continue
		}
		return w.outcome()
	}
	return agent.Outcome{}, agent.NewPermanent("agent produced no outcome line: "+tail(stdout, maxStderr), nil)
}

func (w wireOutcome) outcome() (agent.Outcome, error) {
	switch agent.OutcomeKind(w.Outcome) {
	case agent.StepCompleted:
		return agent.Completed(w.Detail), nil
	case agent.ApprovalNeeded:
		if w.Action == "" {
			return agent.Outcome{}, agent.NewPermanent("approval_needed without action", nil)
		}
		return agent.NeedsApproval(w.Action, w.Risk), nil
	}
	if w.Outcome == "failure" {
		if w.Kind == string(agent.Permanent) {
			return agent.Outcome{}, agent.NewPermanent(w.Detail, nil)
		}
		return agent.Outcome{}, agent.NewTransient(w.Detail, nil)
	}
	return agent.Outcome{}, agent.NewPermanent(fmt.Sprintf("unknown outcome %q", w.Outcome), nil)
}

// Prompt renders the request as the agent's stdin.
func Prompt(req agent.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute step %d of plan %s: %s\n", req.StepIndex+1, req.RecordID, req.Step)
	if req.Action != "" {
		fmt.Fprintf(&b, "Suggested action: %s\n", req.Action)
	}
	fmt.Fprintf(&b, "Priority: %s\n", req.Priority)
	if req.Grant != nil {
		fmt.Fprintf(&b, "Human approval granted for %q by %s. Proceed with this step.\n", req.Grant.Action, req.Grant.ApprovalID)
	}
	b.WriteString("\nReply with exactly one JSON line as the last line of output:\n")
	b.WriteString(`{"outcome":"step_completed","detail":"<what you did>"}` + "\n")
	b.WriteString(`{"outcome":"approval_needed","action":"<action>","risk":"<why>"}` + "\n")
	b.WriteString(`{"outcome":"failure","kind":"transient|permanent","detail":"<why>"}` + "\n")
	if req.Policy != "" {
		b.WriteString("\n--- Policy ---\n")
		b.WriteString(req.Policy)
		b.WriteString("\n")
	}
	b.WriteString("\n--- Plan ---\n")
	b.WriteString(req.Body)
	return b.String()
}

func commandVersion(cmd string, flag string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
