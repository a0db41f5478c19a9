package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

var recognizedCategories = map[string]bool{
	"compilation": true, "test": true, "reference": true, "operation": true, "general": true,
}

var recognizedStates = map[string]bool{
	"busy": true, "erroring": true, "has_pending_work": true, "phase_done": true,
	"idle": true, "awaiting_input": true, "unclassified": true,
}

var recognizedFormats = map[string]bool{"text": true, "json": true}

var recognizedLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	o := cfg.Orchestrator
	if o.PollInterval < 0 {
		add("orchestrator.poll_interval", "must not be negative")
	}
	if o.MaxRuntime < 0 {
		add("orchestrator.max_runtime", "must not be negative")
	}
	if o.QuarantineThreshold < 1 {
		add("orchestrator.quarantine_threshold", "must be at least 1")
	}
	if o.Concurrency < 1 {
		add("orchestrator.concurrency", "must be at least 1")
	}

	if cfg.Reasoning.MaxOutputUnits < 0 {
		add("reasoning.max_output_units", "must not be negative")
	}
	if cfg.Reasoning.Enabled && cfg.Reasoning.Model == "" {
		add("reasoning.model", "is required when reasoning is enabled")
	}

	c := cfg.Cost
	if c.DailyLimit < 0 {
		add("cost.daily_limit", "must not be negative")
	}
	if c.WeeklyLimit < 0 {
		add("cost.weekly_limit", "must not be negative")
	}
	if c.PerProjectDailyLimit < 0 {
		add("cost.per_project_daily_limit", "must not be negative")
	}
	for model, r := range c.Rates {
		if r.InputPerMillion < 0 || r.OutputPerMillion < 0 {
			add("cost.rates."+model, "rates must not be negative")
		}
	}

	e := cfg.Executor
	if e.MaxRetries < 0 {
		add("executor.max_retries", "must not be negative")
	}
	if e.MinFactors < 1 || e.MinFactors > 4 {
		add("executor.min_factors", "must be between 1 and 4, got %d", e.MinFactors)
	}
	if cfg.LoopDetection.Window < 2 {
		add("loop_detection.window", "must be at least 2, got %d", cfg.LoopDetection.Window)
	}

	if !recognizedFormats[strings.ToLower(cfg.Log.Format)] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}
	if !recognizedLevels[strings.ToLower(cfg.Log.Level)] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}

	for name, p := range cfg.Projects {
		errs = append(errs, ValidateProject("projects."+name, p)...)
	}
	return errs
}

// ValidateProject checks one per-project config. prefix names the field path
// used in the returned errors.
func ValidateProject(prefix string, p ProjectConfig) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: prefix + "." + field, Message: fmt.Sprintf(format, args...)})
	}

	if p.RepoPath == "" {
		add("repo_path", "is required")
	}
	if p.StallThreshold < 0 {
		add("stall_threshold", "must not be negative")
	}

	phases := make(map[string]bool)
	for i, ph := range p.Phases {
		if ph == "" {
			add(fmt.Sprintf("phases[%d]", i), "is empty")
			continue
		}
		if phases[ph] {
			add(fmt.Sprintf("phases[%d]", i), "duplicate phase %q", ph)
		}
		phases[ph] = true
	}

	for _, s := range p.NotifyOn.Severities {
		if !recognizedSeverities[strings.ToLower(s)] {
			add("notify_on.severities", "unrecognized severity %q", s)
		}
	}
	for _, s := range p.NotifyOn.States {
		if !recognizedStates[strings.ToLower(s)] {
			add("notify_on.states", "unrecognized state %q", s)
		}
	}

	refs := make(map[string]bool)
	for i, sk := range p.Skills {
		field := fmt.Sprintf("skills[%d]", i)
		if sk.Ref == "" {
			add(field+".ref", "is required")
		} else if refs[sk.Ref] {
			add(field+".ref", "duplicate skill ref %q", sk.Ref)
		}
		refs[sk.Ref] = true
		for _, c := range sk.Categories {
			if !recognizedCategories[strings.ToLower(c)] {
				add(field+".categories", "unrecognized category %q", c)
			}
		}
		if len(sk.Patterns) == 0 && len(sk.Categories) == 0 && len(sk.Keywords) == 0 {
			add(field, "needs at least one of patterns, categories, keywords")
		}
	}
	return errs
}
