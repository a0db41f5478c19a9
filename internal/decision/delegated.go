package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/steward/internal/prompt"
	"github.com/lucasnoah/steward/internal/reasoning"
)

// Reasoner is the reasoning-service client.
type Reasoner interface {
	Ready() error
	Model() string
	Complete(ctx context.Context, req reasoning.Request) (reasoning.Response, error)
}

// DelegatedStrategy asks the reasoning service for a decision.
type DelegatedStrategy struct {
	reasoner       Reasoner
	maxOutputUnits int
	historyWindow  int
}

// NewDelegated returns a strategy that sends at most historyWindow past
// decisions as context.
func NewDelegated(r Reasoner, maxOutputUnits, historyWindow int) *DelegatedStrategy {
	return &DelegatedStrategy{reasoner: r, maxOutputUnits: maxOutputUnits, historyWindow: historyWindow}
}

// Decide implements Strategy.
func (s *DelegatedStrategy) Decide(ctx context.Context, in Input) (Decision, error) {
	d, _, err := s.Ask(ctx, in)
	return d, err
}

// Ask calls the service and parses its reply. The response is returned even
// on parse failure so the caller can account for usage.
func (s *DelegatedStrategy) Ask(ctx context.Context, in Input) (Decision, reasoning.Response, error) {
	text, err := s.BuildContext(in)
	if err != nil {
		return Decision{}, reasoning.Response{}, fmt.Errorf("build context: %w", err)
	}
	resp, err := s.reasoner.Complete(ctx, reasoning.Request{Context: text, MaxOutputUnits: s.maxOutputUnits})
	if err != nil {
		return Decision{}, resp, err
	}
	d, err := ParseDecision(resp.ActionJSON, in)
	if err != nil {
		return Decision{}, resp, err
	}
	return d, resp, nil
}

// BuildContext renders the reasoning payload for in.
func (s *DelegatedStrategy) BuildContext(in Input) (string, error) {
	snap := in.Snapshot
	hist := in.History
	if s.historyWindow > 0 && len(hist) > s.historyWindow {
		hist = hist[len(hist)-s.historyWindow:]
	}

	var errLines, warnLines, skillLines, histLines []string
	for _, e := range snap.Errors {
		errLines = append(errLines, fmt.Sprintf("- [%s/%s] %s", e.Severity, e.Category, e.Message))
	}
	for _, w := range snap.Warnings {
		warnLines = append(warnLines, "- "+w.Message)
	}
	for _, sk := range in.Config.Skills {
		line := fmt.Sprintf("- %s (skill_ref %q)", sk.Name, sk.Ref)
		if len(sk.Categories) > 0 {
			line += " categories: " + strings.Join(sk.Categories, ", ")
		}
		if m := ScoreSkill(sk, snap.Errors); m > 0 {
			line += fmt.Sprintf(" match score: %d", m)
		}
		skillLines = append(skillLines, line)
	}
	for _, h := range hist {
		histLines = append(histLines, fmt.Sprintf("- %s state=%s action=%s method=%s: %s",
			h.Timestamp.Format(time.RFC3339), h.State, h.Action, h.Method, h.Reasoning))
	}

	vars := prompt.Vars{
		"project":          in.Project,
		"state":            in.State.String(),
		"phase":            in.Phase,
		"phase_position":   phasePosition(in.Config.Phases, in.Phase),
		"todos_completed":  strconv.Itoa(snap.Todos.Completed),
		"todos_total":      strconv.Itoa(snap.Todos.Total),
		"idle":             snap.IdleDuration.Round(time.Second).String(),
		"has_input":        strconv.FormatBool(snap.HasInputField),
		"errors":           strings.Join(errLines, "\n"),
		"warnings":         strings.Join(warnLines, "\n"),
		"recent_output":    strings.Join(snap.RecentHistory, "\n"),
		"auto_progress":    strconv.FormatBool(in.Config.AutoProgress),
		"auto_commit":      strconv.FormatBool(in.Config.AutoCommit),
		"require_approval": strconv.FormatBool(in.Config.RequireApproval),
		"continue_command": continueCommand(in),
		"skills":           strings.Join(skillLines, "\n"),
		"history":          strings.Join(histLines, "\n"),
	}
	return prompt.Render(prompt.LoadDecideTemplate(in.Config.RepoPath), vars)
}

type wireDecision struct {
	Action        string   `json:"action"`
	Command       string   `json:"command"`
	SkillRef      string   `json:"skill_ref"`
	SkillRefCamel string   `json:"skillRef"`
	Reasoning     string   `json:"reasoning"`
	Confidence    *float64 `json:"confidence"`
}

// ParseDecision decodes a reasoning reply. Unknown actions, a missing
// confidence or reasoning, and skill refs that are not configured are parse
// failures. Confidence is clamped to [0, 1].
func ParseDecision(actionJSON string, in Input) (Decision, error) {
	var w wireDecision
	if err := json.Unmarshal([]byte(actionJSON), &w); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	action, err := ParseAction(w.Action)
	if err != nil {
		return Decision{}, err
	}
	if w.Confidence == nil {
		return Decision{}, fmt.Errorf("%w: missing confidence", ErrParse)
	}
	if strings.TrimSpace(w.Reasoning) == "" {
		return Decision{}, fmt.Errorf("%w: missing reasoning", ErrParse)
	}

	d := Decision{
		Action:     action,
		Command:    strings.TrimSpace(w.Command),
		Reasoning:  strings.TrimSpace(w.Reasoning),
		Confidence: clamp01(*w.Confidence),
		Method:     MethodDelegated,
		State:      in.State,
	}

	switch action {
	case ActionUseSkill:
		ref := w.SkillRef
		if ref == "" {
			ref = w.SkillRefCamel
		}
		sk, ok := FindSkill(in.Config.Skills, ref)
		if !ok {
			return Decision{}, fmt.Errorf("%w: unknown skill_ref %q", ErrParse, ref)
		}
		d.SkillRef = sk.Ref
		if d.Command == "" {
			d.Command = SkillCommand(sk, in.Snapshot.Errors)
		}
	case ActionContinue:
		if d.Command == "" {
			d.Command = continueCommand(in)
		}
	default:
		d.Command = ""
	}
	return d, nil
}
