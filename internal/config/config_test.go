package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
database_url: ":memory:"
orchestrator:
  poll_interval: 45s
  quarantine_threshold: 4
  concurrency: 2
reasoning:
  enabled: true
  model: claude-haiku-4-5
cost:
  daily_limit: 10
  weekly_limit: 50
  rates:
    claude-haiku-4-5:
      input_per_million: 1
      output_per_million: 5
executor:
  max_retries: 2
  retry_delay: 500ms
  backoff_doubling: true
projects:
  webapp:
    repo: github.com/example/webapp
    repo_path: /src/webapp
    phases: [plan, implement, review]
    auto_progress: true
    auto_commit: true
    notify_on:
      severities: [critical]
    skills:
      - name: fix-build
        ref: skills/fix-build
        patterns: ["cannot find module"]
        categories: [compilation]
        keywords: [build, module]
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Path != path {
		t.Errorf("Path = %q, want %q", cfg.Path, path)
	}
	if cfg.Orchestrator.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %s, want 45s", cfg.Orchestrator.PollInterval)
	}
	if cfg.Orchestrator.QuarantineThreshold != 4 {
		t.Errorf("QuarantineThreshold = %d, want 4", cfg.Orchestrator.QuarantineThreshold)
	}
	if cfg.Executor.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %s, want 500ms", cfg.Executor.RetryDelay)
	}
	p, ok := cfg.Projects["webapp"]
	if !ok {
		t.Fatal("project webapp missing")
	}
	if len(p.Phases) != 3 || p.Phases[2] != "review" {
		t.Errorf("Phases = %v", p.Phases)
	}
	if len(p.Skills) != 1 || p.Skills[0].Ref != "skills/fix-build" {
		t.Errorf("Skills = %+v", p.Skills)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for valid config: %v", len(errs), errs)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte("projects:\n  a:\n    repo_path: /a\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Orchestrator.QuarantineThreshold != 5 {
		t.Errorf("QuarantineThreshold = %d, want 5", cfg.Orchestrator.QuarantineThreshold)
	}
	if cfg.Orchestrator.StallThreshold != 10*time.Minute {
		t.Errorf("StallThreshold = %s, want 10m", cfg.Orchestrator.StallThreshold)
	}
	if cfg.Orchestrator.RecoveryMaxAge != 24*time.Hour {
		t.Errorf("RecoveryMaxAge = %s, want 24h", cfg.Orchestrator.RecoveryMaxAge)
	}
	if cfg.Executor.MaxRetries != 3 || cfg.Executor.RetryDelay != 2*time.Second {
		t.Errorf("executor defaults = %+v", cfg.Executor)
	}
	if cfg.Executor.MinFactors != 2 {
		t.Errorf("MinFactors = %d, want 2", cfg.Executor.MinFactors)
	}
	if cfg.LoopDetection.Window != 3 {
		t.Errorf("loop window = %d, want 3", cfg.LoopDetection.Window)
	}
	if cfg.Projects["a"].ContinueCommand != DefaultContinueCommand {
		t.Errorf("ContinueCommand = %q", cfg.Projects["a"].ContinueCommand)
	}
}

func TestEmptyConfigIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("defaults should validate, got %v", errs)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("orchestrator:\n  poll_intervall: 5s\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field")
	}
	if !strings.Contains(err.Error(), "poll_intervall") {
		t.Errorf("error should name the field: %v", err)
	}
}

func TestValidateProjectErrors(t *testing.T) {
	p := ProjectConfig{
		Phases:   []string{"a", "a"},
		NotifyOn: NotifyOn{Severities: []string{"apocalyptic"}, States: []string{"sleepy"}},
		Skills: []Skill{
			{Name: "x", Ref: "r"},
			{Name: "y", Ref: "r", Categories: []string{"nope"}},
		},
	}
	errs := ValidateProject("projects.p", p)

	wantFields := []string{
		"projects.p.repo_path",
		"projects.p.phases[1]",
		"projects.p.notify_on.severities",
		"projects.p.notify_on.states",
		"projects.p.skills[0]",
		"projects.p.skills[1].ref",
		"projects.p.skills[1].categories",
	}
	got := make(map[string]bool)
	for _, e := range errs {
		got[e.Field] = true
	}
	for _, f := range wantFields {
		if !got[f] {
			t.Errorf("missing validation error for %s (got %v)", f, errs)
		}
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	cfg := Default()
	cfg.Cost.DailyLimit = -1
	cfg.Executor.MinFactors = 5
	cfg.Log.Format = "xml"

	errs := Validate(cfg)
	if len(errs) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(errs), errs)
	}
}

func TestExplicitZeroRetriesKept(t *testing.T) {
	cfg, err := Parse([]byte("executor:\n  max_retries: 0\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Executor.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0 kept", cfg.Executor.MaxRetries)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("zero retries should validate, got %v", errs)
	}

	cfg, err = Parse([]byte("executor:\n  min_factors: 3\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Executor.MaxRetries != DefaultMaxRetries {
		t.Errorf("absent max_retries = %d, want %d", cfg.Executor.MaxRetries, DefaultMaxRetries)
	}
	if Default().Executor.MaxRetries != DefaultMaxRetries {
		t.Errorf("Default MaxRetries = %d", Default().Executor.MaxRetries)
	}
}

func TestDecisionHistoryCoversLoopWindow(t *testing.T) {
	cfg, err := Parse([]byte("reasoning:\n  history_window: 2\nloop_detection:\n  window: 3\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.DecisionHistory(); got != 5 {
		t.Errorf("DecisionHistory = %d, want 5", got)
	}
	if cfg.DecisionHistory() < cfg.LoopDetection.Window {
		t.Errorf("history %d shorter than loop window %d", cfg.DecisionHistory(), cfg.LoopDetection.Window)
	}
}

func TestResolveProject(t *testing.T) {
	cfg := Default()
	cfg.Projects = map[string]ProjectConfig{"a": {RepoPath: "/from/file"}}

	got := cfg.ResolveProject("a", ProjectConfig{RepoPath: "/registered"})
	if got.RepoPath != "/from/file" {
		t.Errorf("RepoPath = %q, want config file entry", got.RepoPath)
	}
	if got.StallThreshold != cfg.Orchestrator.StallThreshold {
		t.Errorf("StallThreshold = %s, want orchestrator default", got.StallThreshold)
	}

	got = cfg.ResolveProject("b", ProjectConfig{RepoPath: "/registered", StallThreshold: time.Minute})
	if got.RepoPath != "/registered" || got.StallThreshold != time.Minute {
		t.Errorf("fallback not used: %+v", got)
	}
}

func TestCredentials_EnvWins(t *testing.T) {
	c := &Credentials{
		Path:   filepath.Join(t.TempDir(), ".env"),
		Getenv: func(k string) string { return map[string]string{AnthropicKeyEnv: "sk-env"}[k] },
	}
	key, source, err := c.APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-env" || source != "env:"+AnthropicKeyEnv {
		t.Errorf("got %q from %q", key, source)
	}
}

func TestCredentials_SetRotate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "home", ".env")
	c := &Credentials{Path: path, Getenv: func(string) string { return "" }}

	if _, _, err := c.APIKey(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("APIKey on empty store = %v, want ErrNoCredential", err)
	}
	if err := c.Rotate("sk-new"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Rotate with nothing stored = %v, want ErrNoCredential", err)
	}

	if err := c.Set("sk-first"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Rotate("sk-second"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	key, source, err := c.APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "sk-second" || source != path {
		t.Errorf("got %q from %q", key, source)
	}
	if c.RotatedAt().IsZero() {
		t.Error("RotatedAt should be recorded")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("credential file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestMask(t *testing.T) {
	if got := Mask("sk-ant-123456"); got != "*********3456" {
		t.Errorf("Mask = %q", got)
	}
	if got := Mask("abc"); got != "***" {
		t.Errorf("Mask short = %q", got)
	}
}

func TestWatch_FiresOnWrite(t *testing.T) {
	path := writeTestConfig(t, validConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{path}, 20*time.Millisecond, func(p string) {
			select {
			case changed <- p:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(validConfig+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-changed:
		if filepath.Base(p) != "steward.yaml" {
			t.Errorf("changed path = %q", p)
		}
	case <-ctx.Done():
		t.Fatal("no change event before timeout")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
