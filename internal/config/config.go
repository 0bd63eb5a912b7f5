// Package config loads and validates taskvault configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dir is the hidden directory under the vault root holding runtime state.
const Dir = ".taskvault"

// ConfigPath returns the configuration file location for a vault root.
func ConfigPath(root string) string {
	return filepath.Join(root, Dir, "config.yaml")
}

// DBPath returns the SQLite database location for a vault root.
func DBPath(root string) string {
	return filepath.Join(root, Dir, "taskvault.db")
}

// Duration is a time.Duration that reads and writes as "30s" in YAML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML parses strings such as "90s" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Config holds the complete taskvault configuration.
type Config struct {
	Watcher       WatcherConfig       `yaml:"watcher"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Retry         RetryConfig         `yaml:"retry"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	PlanTemplates map[string][]string `yaml:"plan_templates"`
	Agent         AgentConfig         `yaml:"agent"`
	Status        StatusConfig        `yaml:"status"`
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
}

// WatcherConfig controls source polling.
type WatcherConfig struct {
	Interval Duration `yaml:"interval"`
	// Sources are drop folders, relative to the vault root unless absolute.
	Sources []string `yaml:"sources"`
	// DirectToNeedsAction skips the Inbox triage step for simple drops.
	DirectToNeedsAction bool `yaml:"direct_to_needs_action"`
	// CopyToInbox keeps a reference copy of each dropped file under Inbox/.
	CopyToInbox       bool     `yaml:"copy_to_inbox"`
	PreviewExtensions []string `yaml:"preview_extensions"`
}

// OrchestratorConfig controls the state machine loop.
type OrchestratorConfig struct {
	Interval Duration `yaml:"interval"`
	// PolicyFile is the governing handbook passed to the agent.
	PolicyFile   string `yaml:"policy_file"`
	RecoveryDays int    `yaml:"recovery_days"`
}

// RetryConfig is the transient failure policy.
type RetryConfig struct {
	MaxAttempts int        `yaml:"max_attempts"`
	Schedule    []Duration `yaml:"schedule"`
}

// Backoff returns the delay before the attempt following failure number n.
func (r RetryConfig) Backoff(n int) time.Duration {
	if len(r.Schedule) == 0 || n < 0 {
		return 0
	}
	if n >= len(r.Schedule) {
		n = len(r.Schedule) - 1
	}
	return r.Schedule[n].Duration
}

// PriorityKeywords are the three ordered keyword sets; high wins ties.
type PriorityKeywords struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

// CategoryRule maps content keywords to a category label.
type CategoryRule struct {
	Keywords []string `yaml:"keywords"`
	Category string   `yaml:"category"`
}

// ClassifierConfig holds the keyword and type tables.
type ClassifierConfig struct {
	Priority   PriorityKeywords  `yaml:"priority"`
	Categories []CategoryRule    `yaml:"categories"`
	Extensions map[string]string `yaml:"extensions"`
	Actions    map[string]string `yaml:"actions"`
}

// AgentConfig selects and tunes the external agent.
type AgentConfig struct {
	// Type is "rules" or "command".
	Type    string   `yaml:"type"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout Duration `yaml:"timeout"`
	// RatePerMinute caps agent invocations; 0 disables the limit.
	RatePerMinute int `yaml:"rate_per_minute"`
	// Sensitive maps an action name to step keywords that require approval.
	Sensitive map[string][]string `yaml:"sensitive"`
}

// StatusConfig controls the status reporter.
type StatusConfig struct {
	RecentEntries int    `yaml:"recent_entries"`
	DashboardFile string `yaml:"dashboard_file"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Watcher: WatcherConfig{
			Interval:            D(30 * time.Second),
			Sources:             []string{"Drop_Folder"},
			DirectToNeedsAction: true,
			CopyToInbox:         true,
			PreviewExtensions:   []string{".txt", ".md", ".json", ".csv", ".log"},
		},
		Orchestrator: OrchestratorConfig{
			Interval:     D(30 * time.Second),
			PolicyFile:   "Company_Handbook.md",
			RecoveryDays: 2,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			Schedule: []Duration{
				D(0),
				D(30 * time.Second),
				D(2 * time.Minute),
				D(10 * time.Minute),
				D(30 * time.Minute),
			},
		},
		Classifier: ClassifierConfig{
			Priority: PriorityKeywords{
				High:   []string{"urgent", "asap", "emergency", "important", "priority"},
				Medium: []string{"invoice", "payment", "deadline", "review"},
				Low:    []string{"note", "reference", "info", "fyi"},
			},
			Categories: []CategoryRule{
				{Keywords: []string{"invoice", "payment", "receipt", "bill"}, Category: "finance"},
				{Keywords: []string{"contract", "agreement", "nda"}, Category: "legal"},
				{Keywords: []string{"email", "message", "reply"}, Category: "communication"},
				{Keywords: []string{"meeting", "schedule", "calendar"}, Category: "scheduling"},
			},
			Extensions: map[string]string{
				".pdf":  "document",
				".doc":  "document",
				".docx": "document",
				".csv":  "data",
				".json": "data",
				".xlsx": "data",
				".txt":  "note",
				".md":   "note",
				".log":  "note",
				".png":  "image",
				".jpg":  "image",
				".jpeg": "image",
			},
			Actions: map[string]string{
				"finance":       "review_invoice",
				"legal":         "review_document",
				"communication": "draft_reply",
				"scheduling":    "schedule_meeting",
				"document":      "review_document",
				"data":          "analyze_data",
				"image":         "review_file",
				"note":          "review_file",
				"general":       "review_file",
			},
		},
		PlanTemplates: map[string][]string{
			"review_invoice": {
				"Read action file",
				"Verify invoice details",
				"Process payment",
				"Record transaction",
			},
			"draft_reply": {
				"Read action file",
				"Draft reply",
				"Send email reply",
			},
			"default": {
				"Read action file",
				"Analyze requirements",
				"Execute required actions",
			},
		},
		Agent: AgentConfig{
			Type:          "rules",
			Command:       "claude",
			Args:          []string{"-p"},
			Timeout:       D(10 * time.Minute),
			RatePerMinute: 30,
			Sensitive: map[string][]string{
				"process_payment": {"payment", "pay ", "transfer", "wire"},
				"send_email":      {"send email", "send reply", "email reply"},
				"delete_data":     {"delete", "purge"},
			},
		},
		Status: StatusConfig{
			RecentEntries: 10,
			DashboardFile: "Dashboard.md",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7466",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes configuration to a YAML file, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected fields from TASKVAULT_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("TASKVAULT_WATCHER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TASKVAULT_WATCHER_INTERVAL: %w", err)
		}
		c.Watcher.Interval = D(d)
	}
	if v := getenv("TASKVAULT_ORCHESTRATOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TASKVAULT_ORCHESTRATOR_INTERVAL: %w", err)
		}
		c.Orchestrator.Interval = D(d)
	}
	if v := getenv("TASKVAULT_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TASKVAULT_RETRY_MAX_ATTEMPTS: %w", err)
		}
		c.Retry.MaxAttempts = n
	}
	if v := getenv("TASKVAULT_AGENT_TYPE"); v != "" {
		c.Agent.Type = v
	}
	if v := getenv("TASKVAULT_AGENT_COMMAND"); v != "" {
		c.Agent.Command = v
	}
	if v := getenv("TASKVAULT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("TASKVAULT_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := getenv("TASKVAULT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Watcher.Interval.Duration <= 0 {
		return fmt.Errorf("watcher.interval must be positive")
	}
	if c.Orchestrator.Interval.Duration <= 0 {
		return fmt.Errorf("orchestrator.interval must be positive")
	}
	if len(c.Watcher.Sources) == 0 {
		return fmt.Errorf("watcher.sources must list at least one drop folder")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if len(c.Retry.Schedule) == 0 {
		return fmt.Errorf("retry.schedule must not be empty")
	}
	for i, d := range c.Retry.Schedule {
		if d.Duration < 0 {
			return fmt.Errorf("retry.schedule[%d] is negative", i)
		}
		if i > 0 && d.Duration < c.Retry.Schedule[i-1].Duration {
			return fmt.Errorf("retry.schedule must not decrease (index %d)", i)
		}
	}

	validAgents := map[string]bool{
		"rules":   true,
		"command": true,
	}
	if !validAgents[c.Agent.Type] {
		return fmt.Errorf("invalid agent.type %q, must be: rules or command", c.Agent.Type)
	}
	if c.Agent.Type == "command" && strings.TrimSpace(c.Agent.Command) == "" {
		return fmt.Errorf("agent.command is required for the command agent")
	}
	if c.Agent.RatePerMinute < 0 {
		return fmt.Errorf("agent.rate_per_minute must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("invalid log.format %q, must be: json or console", c.Log.Format)
	}
	if _, ok := c.PlanTemplates["default"]; !ok {
		return fmt.Errorf("plan_templates must define a default template")
	}
	if c.Status.RecentEntries < 0 {
		return fmt.Errorf("status.recent_entries must not be negative")
	}
	return nil
}

// PlanSteps returns the step template for a suggested action.
func (c *Config) PlanSteps(action string) []string {
	if steps, ok := c.PlanTemplates[action]; ok && len(steps) > 0 {
		return steps
	}
	return c.PlanTemplates["default"]
}

// SourcePaths resolves watcher sources against the vault root.
func (c *Config) SourcePaths(root string) []string {
	paths := make([]string, 0, len(c.Watcher.Sources))
	for _, src := range c.Watcher.Sources {
		if filepath.IsAbs(src) {
			paths = append(paths, filepath.Clean(src))
			continue
		}
		paths = append(paths, filepath.Join(root, src))
	}
	return paths
}

// PolicyPath resolves the policy document against the vault root.
func (c *Config) PolicyPath(root string) string {
	if c.Orchestrator.PolicyFile == "" {
		return ""
	}
	if filepath.IsAbs(c.Orchestrator.PolicyFile) {
		return c.Orchestrator.PolicyFile
	}
	return filepath.Join(root, c.Orchestrator.PolicyFile)
}
