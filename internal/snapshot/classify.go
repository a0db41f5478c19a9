package snapshot

import (
	"fmt"
	"strings"
	"time"
)

// SessionState is the classified situation a Snapshot represents.
type SessionState int

const (
	StateUnclassified SessionState = iota
	StateBusy
	StateErroring
	StateHasPendingWork
	StatePhaseDone
	StateIdle
	StateAwaitingInput
)

var stateNames = map[SessionState]string{
	StateUnclassified:   "unclassified",
	StateBusy:           "busy",
	StateErroring:       "erroring",
	StateHasPendingWork: "has_pending_work",
	StatePhaseDone:      "phase_done",
	StateIdle:           "idle",
	StateAwaitingInput:  "awaiting_input",
}

func (s SessionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unclassified"
}

// MarshalText encodes the state by name.
func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name, rejecting unknown values.
func (s *SessionState) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState parses a state name (case-insensitive).
func ParseState(name string) (SessionState, error) {
	for st, n := range stateNames {
		if strings.EqualFold(name, n) {
			return st, nil
		}
	}
	return StateUnclassified, fmt.Errorf("unknown session state %q", name)
}

// DefaultStallThreshold is the idle duration after which a session counts as stalled.
const DefaultStallThreshold = 10 * time.Minute

// Classifier maps snapshots to states. The zero value uses DefaultStallThreshold.
type Classifier struct {
	StallThreshold time.Duration
}

// NewClassifier returns a Classifier with the given stall threshold; a
// non-positive threshold selects the default.
func NewClassifier(stall time.Duration) Classifier {
	return Classifier{StallThreshold: stall}
}

func (c Classifier) threshold() time.Duration {
	if c.StallThreshold <= 0 {
		return DefaultStallThreshold
	}
	return c.StallThreshold
}

// Classify returns exactly one state for s. First match wins:
//
//	busy > erroring > pending work > phase done > idle > awaiting input
//
// Liveness signals are checked before todo counts so stale checklists never
// mask them, and phase done requires at least one todo.
func (c Classifier) Classify(s Snapshot) SessionState {
	switch {
	case s.IsBusy:
		return StateBusy
	case len(s.Errors) > 0:
		return StateErroring
	case s.Todos.Total > s.Todos.Completed && s.HasInputField:
		return StateHasPendingWork
	case s.Todos.Total > 0 && s.Todos.Completed == s.Todos.Total && s.HasInputField:
		return StatePhaseDone
	case s.IdleDuration >= c.threshold():
		return StateIdle
	case s.HasInputField:
		return StateAwaitingInput
	default:
		return StateUnclassified
	}
}

// Classify classifies s with the default stall threshold.
func Classify(s Snapshot) SessionState {
	return Classifier{}.Classify(s)
}
