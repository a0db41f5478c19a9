// Package decision turns a classified session state into the next action,
// either by deterministic rules or by asking the reasoning service.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// ActionKind is what the executor should do.
type ActionKind string

const (
	ActionContinue        ActionKind = "continue"
	ActionUseSkill        ActionKind = "use_skill"
	ActionNotify          ActionKind = "notify"
	ActionPhaseTransition ActionKind = "phase_transition"
	ActionWait            ActionKind = "wait"
)

var actionKinds = []ActionKind{ActionContinue, ActionUseSkill, ActionNotify, ActionPhaseTransition, ActionWait}

// Valid reports whether a is one of the known actions.
func (a ActionKind) Valid() bool {
	for _, k := range actionKinds {
		if a == k {
			return true
		}
	}
	return false
}

// ParseAction parses an action name. Hyphens and case are normalized.
func ParseAction(s string) (ActionKind, error) {
	a := ActionKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrParse, s)
	}
	return a, nil
}

// UnmarshalText rejects unknown actions.
func (a *ActionKind) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// SendsInput reports whether the action types into the session.
func (a ActionKind) SendsInput() bool {
	return a == ActionContinue || a == ActionUseSkill
}

// Method records which strategy produced a decision.
type Method string

const (
	MethodRuleBased Method = "rule_based"
	MethodDelegated Method = "delegated"
)

// Decision is one chosen action with its justification. Immutable once made.
type Decision struct {
	ID         string                `json:"id"`
	Action     ActionKind            `json:"action"`
	Command    string                `json:"command,omitempty"`
	SkillRef   string                `json:"skill_ref,omitempty"`
	Reasoning  string                `json:"reasoning"`
	Confidence float64               `json:"confidence"`
	Method     Method                `json:"method"`
	CostUSD    float64               `json:"cost_usd"`
	State      snapshot.SessionState `json:"state"`
	// FallbackReason is set when a delegated attempt fell back to rules.
	FallbackReason string    `json:"fallback_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Input is everything a strategy may consider.
type Input struct {
	Project  string
	Phase    string
	State    snapshot.SessionState
	Snapshot snapshot.Snapshot
	Config   config.ProjectConfig
	// History is the recent decision window, oldest first.
	History []Decision
}

// Strategy produces a decision for an input.
type Strategy interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// ErrParse marks a reasoning reply that could not be turned into a Decision.
var ErrParse = errors.New("unparseable decision")

// Band names an advisory confidence range.
type Band string

const (
	BandRoutine   Band = "routine"
	BandStandard  Band = "standard"
	BandUncertain Band = "uncertain"
	BandLow       Band = "low"
)

// BandOf returns the advisory band for a confidence value.
func BandOf(confidence float64) Band {
	switch {
	case confidence >= 0.9:
		return BandRoutine
	case confidence >= 0.7:
		return BandStandard
	case confidence >= 0.5:
		return BandUncertain
	default:
		return BandLow
	}
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func phasePosition(phases []string, current string) string {
	for i, p := range phases {
		if p == current {
			return fmt.Sprintf("%d of %d", i+1, len(phases))
		}
	}
	if len(phases) == 0 {
		return "no phases configured"
	}
	return fmt.Sprintf("unknown of %d", len(phases))
}
