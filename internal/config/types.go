package config

import (
	"time"
)

// Config is the top-level configuration parsed from steward YAML.
type Config struct {
	// DatabaseURL selects the event log backend: a file path or ":memory:"
	// for SQLite, or a postgres:// DSN.
	DatabaseURL   string                   `yaml:"database_url"`
	Orchestrator  OrchestratorConfig       `yaml:"orchestrator"`
	Reasoning     ReasoningConfig          `yaml:"reasoning"`
	Cost          CostConfig               `yaml:"cost"`
	Executor      ExecutorConfig           `yaml:"executor"`
	LoopDetection LoopDetectionConfig      `yaml:"loop_detection"`
	Telemetry     TelemetryConfig          `yaml:"telemetry"`
	Log           LogConfig                `yaml:"log"`
	Projects      map[string]ProjectConfig `yaml:"projects"`

	// Path is the file this config was loaded from, empty for built-in defaults.
	Path string `yaml:"-"`
}

// OrchestratorConfig controls the scheduling loop.
type OrchestratorConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	MaxRuntime          time.Duration `yaml:"max_runtime"`
	QuarantineThreshold int           `yaml:"quarantine_threshold"`
	Concurrency         int           `yaml:"concurrency"`
	RecoveryMaxAge      time.Duration `yaml:"recovery_max_age"`
	StallThreshold      time.Duration `yaml:"stall_threshold"`
	CaptureTimeout      time.Duration `yaml:"capture_timeout"`
	SendTimeout         time.Duration `yaml:"send_timeout"`
}

// ReasoningConfig controls the delegated decision strategy.
type ReasoningConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Model          string        `yaml:"model"`
	Endpoint       string        `yaml:"endpoint"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputUnits int           `yaml:"max_output_units"`
	HistoryWindow  int           `yaml:"history_window"`
}

// Rate is a price in USD per million usage units.
type Rate struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// CostConfig sets spend ceilings and the model rate table. A zero limit
// disables that ceiling.
type CostConfig struct {
	DailyLimit           float64         `yaml:"daily_limit"`
	WeeklyLimit          float64         `yaml:"weekly_limit"`
	PerProjectDailyLimit float64         `yaml:"per_project_daily_limit"`
	Rates                map[string]Rate `yaml:"rates"`
	DefaultRate          Rate            `yaml:"default_rate"`
}

// ExecutorConfig controls action delivery and verification.
type ExecutorConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	BackoffDoubling bool          `yaml:"backoff_doubling"`
	VerifyDelay     time.Duration `yaml:"verify_delay"`
	MinFactors      int           `yaml:"min_factors"`
}

// LoopDetectionConfig sets how many recent decisions are scanned for repeats.
type LoopDetectionConfig struct {
	Window int `yaml:"window"`
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"otlp_endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ProjectConfig is the per-project behavior the decision engine and executor read.
type ProjectConfig struct {
	Repo            string        `yaml:"repo" json:"repo"`
	RepoPath        string        `yaml:"repo_path" json:"repo_path"`
	Branch          string        `yaml:"branch" json:"branch,omitempty"`
	SessionHints    []string      `yaml:"session_hints" json:"session_hints,omitempty"`
	Phases          []string      `yaml:"phases" json:"phases,omitempty"`
	AutoProgress    bool          `yaml:"auto_progress" json:"auto_progress"`
	AutoCommit      bool          `yaml:"auto_commit" json:"auto_commit"`
	RequireApproval bool          `yaml:"require_approval" json:"require_approval"`
	StallThreshold  time.Duration `yaml:"stall_threshold" json:"stall_threshold,omitempty"`
	NotifyOn        NotifyOn      `yaml:"notify_on" json:"notify_on"`
	ContinueCommand string        `yaml:"continue_command" json:"continue_command,omitempty"`
	Skills          []Skill       `yaml:"skills" json:"skills,omitempty"`
}

// NotifyOn lists conditions that force escalation to a human.
type NotifyOn struct {
	Severities []string `yaml:"severities" json:"severities,omitempty"`
	States     []string `yaml:"states" json:"states,omitempty"`
}

// Skill is a remediation procedure the agent can be told to run.
type Skill struct {
	Name       string   `yaml:"name" json:"name"`
	Ref        string   `yaml:"ref" json:"ref"`
	Patterns   []string `yaml:"patterns" json:"patterns,omitempty"`
	Categories []string `yaml:"categories" json:"categories,omitempty"`
	Keywords   []string `yaml:"keywords" json:"keywords,omitempty"`
	Command    string   `yaml:"command" json:"command,omitempty"`
}

// DefaultContinueCommand is sent when a project does not configure one.
const DefaultContinueCommand = "continue"

// Default returns a config with every default applied.
func Default() *Config {
	cfg := preset()
	applyDefaults(&cfg)
	return &cfg
}

// DecisionHistory is how many past decisions the registry keeps per project:
// the reasoning context window plus the loop detection window.
func (c *Config) DecisionHistory() int {
	return c.Reasoning.HistoryWindow + c.LoopDetection.Window
}
