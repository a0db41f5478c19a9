package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// RuleStrategy is the deterministic, zero-cost strategy. Decide never fails.
type RuleStrategy struct{}

// Decide maps the state to a default action, honoring the project's
// escalation triggers and skill configuration.
func (RuleStrategy) Decide(_ context.Context, in Input) (Decision, error) {
	return Rules(in), nil
}

// Rules is the total state-to-decision mapping.
func Rules(in Input) Decision {
	d := Decision{Method: MethodRuleBased, State: in.State}
	cfg := in.Config

	if in.State != snapshot.StateBusy && containsFold(cfg.NotifyOn.States, in.State.String()) {
		d.Action = ActionNotify
		d.Reasoning = fmt.Sprintf("project escalates on state %s", in.State)
		d.Confidence = 0.9
		return d
	}

	switch in.State {
	case snapshot.StateBusy:
		d.Action = ActionWait
		d.Reasoning = "session is working"
		d.Confidence = 0.95

	case snapshot.StateErroring:
		return erroring(in, d)

	case snapshot.StateHasPendingWork:
		d.Action = ActionContinue
		d.Command = continueCommand(in)
		d.Reasoning = fmt.Sprintf("%d of %d todos remain", in.Snapshot.Todos.Pending(), in.Snapshot.Todos.Total)
		d.Confidence = 0.9

	case snapshot.StatePhaseDone:
		if cfg.AutoProgress {
			d.Action = ActionPhaseTransition
			d.Reasoning = fmt.Sprintf("all %d todos complete in phase %q", in.Snapshot.Todos.Total, in.Phase)
			d.Confidence = 0.9
		} else {
			d.Action = ActionNotify
			d.Reasoning = fmt.Sprintf("phase %q complete; auto progress is off", in.Phase)
			d.Confidence = 0.8
		}

	case snapshot.StateIdle:
		if in.Snapshot.HasInputField {
			d.Action = ActionContinue
			d.Command = continueCommand(in)
			d.Reasoning = fmt.Sprintf("session idle for %s", in.Snapshot.IdleDuration.Round(time.Second))
			d.Confidence = 0.6
		} else {
			d.Action = ActionNotify
			d.Reasoning = fmt.Sprintf("session stalled for %s with no input field", in.Snapshot.IdleDuration.Round(time.Second))
			d.Confidence = 0.45
		}

	case snapshot.StateAwaitingInput:
		d.Action = ActionWait
		d.Reasoning = "session awaiting input below stall threshold"
		d.Confidence = 0.7

	default:
		d.Action = ActionWait
		d.Reasoning = "session state could not be classified"
		d.Confidence = 0.5
	}
	return d
}

func erroring(in Input, d Decision) Decision {
	errs := in.Snapshot.Errors
	for _, e := range errs {
		if containsFold(in.Config.NotifyOn.Severities, e.Severity.String()) {
			d.Action = ActionNotify
			d.Reasoning = fmt.Sprintf("%s error requires a human: %s", e.Severity, e.Message)
			d.Confidence = 0.9
			return d
		}
	}

	if m, ok := MatchSkill(in.Config.Skills, errs); ok {
		d.Action = ActionUseSkill
		d.SkillRef = m.Skill.Ref
		d.Command = SkillCommand(m.Skill, errs)
		d.Reasoning = fmt.Sprintf("skill %s matched %d error(s) with score %d", m.Skill.Ref, len(errs), m.Score)
		d.Confidence = 0.75
		if m.Score >= 2*MinSkillScore {
			d.Confidence = 0.9
		}
		return d
	}

	d.Action = ActionNotify
	d.Reasoning = fmt.Sprintf("no skill matched %d error(s); first: %s", len(errs), firstMessage(errs))
	d.Confidence = 0.4
	return d
}

func continueCommand(in Input) string {
	if in.Config.ContinueCommand != "" {
		return in.Config.ContinueCommand
	}
	return config.DefaultContinueCommand
}

func firstMessage(errs []snapshot.ErrorEntry) string {
	if len(errs) == 0 {
		return ""
	}
	return errs[0].Message
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
