// Package snapshot holds the observation model of a monitored agent session
// and the classifier that reduces one observation to a SessionState.
package snapshot

import (
	"fmt"
	"strings"
	"time"
)

// Severity ranks an error reported by the session.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name, rejecting unknown values.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name (case-insensitive).
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(name, n) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", name)
}

// Category groups errors by origin.
type Category int

const (
	CategoryGeneral Category = iota
	CategoryCompilation
	CategoryTest
	CategoryReference
	CategoryOperation
)

var categoryNames = []string{"general", "compilation", "test", "reference", "operation"}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText decodes a category name, rejecting unknown values.
func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(name string) (Category, error) {
	for i, n := range categoryNames {
		if strings.EqualFold(name, n) {
			return Category(i), nil
		}
	}
	return CategoryGeneral, fmt.Errorf("unknown category %q", name)
}

// ErrorEntry is one error visible in the session.
type ErrorEntry struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
}

// WarningEntry is one warning visible in the session.
type WarningEntry struct {
	Message string `json:"message"`
}

// Todos is the session's task checklist progress.
type Todos struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Pending returns the number of unfinished todos.
func (t Todos) Pending() int {
	if t.Completed >= t.Total {
		return 0
	}
	return t.Total - t.Completed
}

// Snapshot is one point-in-time observation of a session. It is created
// fresh each poll and never mutated after capture.
type Snapshot struct {
	SessionID        string         `json:"session_id"`
	HasInputField    bool           `json:"has_input_field"`
	InputFieldHandle string         `json:"input_field_handle,omitempty"`
	Todos            Todos          `json:"todos"`
	Errors           []ErrorEntry   `json:"errors,omitempty"`
	Warnings         []WarningEntry `json:"warnings,omitempty"`
	IsBusy           bool           `json:"is_busy"`
	// IdleDuration is measured by the producer against CapturedAt.
	IdleDuration time.Duration `json:"idle_duration"`
	CapturedAt   time.Time     `json:"captured_at"`
	// RecentHistory holds the last few lines of session transcript, newest last.
	RecentHistory []string `json:"recent_history,omitempty"`
	// InputText is the text currently sitting in the input affordance.
	InputText string `json:"input_text,omitempty"`
}

// Validate checks structural invariants of a snapshot.
func (s Snapshot) Validate() error {
	if s.Todos.Total < 0 || s.Todos.Completed < 0 {
		return fmt.Errorf("todo counts must be non-negative (total=%d completed=%d)", s.Todos.Total, s.Todos.Completed)
	}
	if s.Todos.Completed > s.Todos.Total {
		return fmt.Errorf("completed todos %d exceed total %d", s.Todos.Completed, s.Todos.Total)
	}
	if s.IdleDuration < 0 {
		return fmt.Errorf("idle duration must be non-negative, got %s", s.IdleDuration)
	}
	return nil
}

// Normalize clamps counts so Validate passes. Producers call this before
// handing a snapshot to the core.
func (s Snapshot) Normalize() Snapshot {
	if s.Todos.Total < 0 {
		s.Todos.Total = 0
	}
	if s.Todos.Completed < 0 {
		s.Todos.Completed = 0
	}
	if s.Todos.Completed > s.Todos.Total {
		s.Todos.Completed = s.Todos.Total
	}
	if s.IdleDuration < 0 {
		s.IdleDuration = 0
	}
	return s
}

// HighestSeverity returns the most severe error, and false if there are none.
func (s Snapshot) HighestSeverity() (Severity, bool) {
	if len(s.Errors) == 0 {
		return SeverityLow, false
	}
	max := s.Errors[0].Severity
	for _, e := range s.Errors[1:] {
		if e.Severity > max {
			max = e.Severity
		}
	}
	return max, true
}
