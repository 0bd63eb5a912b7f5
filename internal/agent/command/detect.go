package command

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fentz26/taskvault/internal/config"
)

// Candidate is an agent CLI that can run headless, reading the prompt from
// stdin.
type Candidate struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Path    string   `json:"path"`
	Version string   `json:"version,omitempty"`
}

// Config returns the agent configuration that runs this candidate, keeping
// the timeout and limits of base.
func (c Candidate) Config(base config.AgentConfig) config.AgentConfig {
	base.Type = "command"
	base.Command = c.Path
	base.Args = append([]string(nil), c.Args...)
	return base
}

type knownCLI struct {
	name    string
	command string
	args    []string
	// homePaths are install locations, relative to $HOME, tried when the
	// command is not on PATH.
	homePaths []string
}

var knownCLIs = []knownCLI{
	{name: "Claude CLI", command: "claude", args: []string{"-p"}, homePaths: []string{".claude/local/claude", ".local/bin/claude"}},
	{name: "Gemini CLI", command: "gemini", args: []string{"-p", "Follow the instructions on stdin."}, homePaths: []string{".local/bin/gemini"}},
}

// Detector scans for installed agent CLIs.
type Detector struct {
	lookPath func(string) (string, error)
	home     string
	version  func(path string) string
}

// NewDetector creates a detector that searches PATH and the user's home.
func NewDetector() *Detector {
	home, _ := os.UserHomeDir()
	return &Detector{
		lookPath: exec.LookPath,
		home:     home,
		version:  func(path string) string { return commandVersion(path, "--version") },
	}
}

// Scan returns every known CLI found, in preference order.
func (d *Detector) Scan() []Candidate {
	var found []Candidate
	for _, k := range knownCLIs {
		path := d.locate(k)
		if path == "" {
			continue
		}
		found = append(found, Candidate{
			Name:    k.name,
			Command: k.command,
			Args:    append([]string(nil), k.args...),
			Path:    path,
			Version: d.version(path),
		})
	}
	return found
}

func (d *Detector) locate(k knownCLI) string {
	if path, err := d.lookPath(k.command); err == nil {
		return path
	}
	if d.home == "" {
		return ""
	}
	for _, rel := range k.homePaths {
		p := filepath.Join(d.home, rel)
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p
		}
	}
	return ""
}
