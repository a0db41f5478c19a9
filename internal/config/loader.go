package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// HomeEnv overrides the state root.
const HomeEnv = "STEWARD_HOME"

// Home returns the steward state root: $STEWARD_HOME, else ~/.steward.
func Home() string {
	if h := os.Getenv(HomeEnv); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

// Load reads and parses a steward configuration from the given YAML file.
// Unknown fields are rejected. After parsing, defaults are applied to every
// unset value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes YAML config bytes strictly and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := preset()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./steward.yaml, <home>/config.yaml. When
// none exists the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// SearchPaths lists the locations LoadDefault checks, in order.
func SearchPaths() []string {
	return []string{"steward.yaml", filepath.Join(Home(), "config.yaml")}
}

// DefaultMaxRetries is the executor retry count when max_retries is absent.
const DefaultMaxRetries = 3

// preset returns a Config holding defaults for fields where zero is a
// meaningful setting. Decoding overwrites only the keys present in the file.
func preset() Config {
	return Config{Executor: ExecutorConfig{MaxRetries: DefaultMaxRetries}}
}

// applyDefaults fills unset values.
func applyDefaults(cfg *Config) {
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(Home(), "events.db")
	}

	o := &cfg.Orchestrator
	setDuration(&o.PollInterval, 30*time.Second)
	setDuration(&o.RecoveryMaxAge, 24*time.Hour)
	setDuration(&o.StallThreshold, 10*time.Minute)
	setDuration(&o.CaptureTimeout, 15*time.Second)
	setDuration(&o.SendTimeout, 10*time.Second)
	setInt(&o.QuarantineThreshold, 5)
	setInt(&o.Concurrency, 1)

	r := &cfg.Reasoning
	if r.Model == "" {
		r.Model = "claude-sonnet-4-5"
	}
	if r.Endpoint == "" {
		r.Endpoint = "https://api.anthropic.com/v1/messages"
	}
	setDuration(&r.Timeout, 60*time.Second)
	setInt(&r.MaxOutputUnits, 1024)
	setInt(&r.HistoryWindow, 10)

	c := &cfg.Cost
	if c.DefaultRate == (Rate{}) {
		c.DefaultRate = Rate{InputPerMillion: 15, OutputPerMillion: 75}
	}
	if c.Rates == nil {
		c.Rates = map[string]Rate{
			"claude-sonnet-4-5": {InputPerMillion: 3, OutputPerMillion: 15},
			"claude-haiku-4-5":  {InputPerMillion: 1, OutputPerMillion: 5},
			"claude-opus-4-1":   {InputPerMillion: 15, OutputPerMillion: 75},
		}
	}

	e := &cfg.Executor
	setDuration(&e.RetryDelay, 2*time.Second)
	setDuration(&e.VerifyDelay, 1500*time.Millisecond)
	setInt(&e.MinFactors, 2)

	setInt(&cfg.LoopDetection.Window, 3)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "steward"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	for name, p := range cfg.Projects {
		if p.ContinueCommand == "" {
			p.ContinueCommand = DefaultContinueCommand
		}
		cfg.Projects[name] = p
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(n *int, def int) {
	if *n == 0 {
		*n = def
	}
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ResolveProject returns the effective per-project config: the config file
// entry for name when present, else the registered fallback. Orchestrator
// defaults fill any unset stall threshold.
func (c *Config) ResolveProject(name string, fallback ProjectConfig) ProjectConfig {
	p := fallback
	if fromFile, ok := c.Projects[name]; ok {
		p = fromFile
	}
	if p.StallThreshold == 0 {
		p.StallThreshold = c.Orchestrator.StallThreshold
	}
	if p.ContinueCommand == "" {
		p.ContinueCommand = DefaultContinueCommand
	}
	return p
}
