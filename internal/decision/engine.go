package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/reasoning"
)

// Governor is the cost check consulted before each delegated call.
type Governor interface {
	CanProceed(project string) cost.Verdict
	RecordUsage(project, model string, u cost.Usage) float64
}

// Fallback reasons recorded on decisions that fell back to rules.
const (
	FallbackDisabled     = "reasoning disabled"
	FallbackNoCredential = "no credential"
	FallbackVeto         = "cost governor veto"
	FallbackCallFailed   = "reasoning call failed"
	FallbackParseFailed  = "response parse failed"
)

// DefaultLoopWindow is how many past decisions are scanned for a repeat.
const DefaultLoopWindow = 3

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Enabled turns the delegated path on. Delegated must also be non-nil.
	Enabled    bool
	Delegated  *DelegatedStrategy
	Governor   Governor
	LoopWindow int
	Logger     *logging.Logger
	Now        func() time.Time
	NewID      func() string
}

// Engine composes the delegated and rule strategies. Decide never fails:
// every delegated problem falls back to rules with the reason recorded.
type Engine struct {
	delegated  *DelegatedStrategy
	governor   Governor
	loopWindow int
	logger     *logging.Logger
	now        func() time.Time
	newID      func() string

	mu                 sync.Mutex
	enabled            bool
	warnedNoCredential bool
}

// NewEngine builds an Engine.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		delegated:  opts.Delegated,
		governor:   opts.Governor,
		loopWindow: opts.LoopWindow,
		logger:     logging.OrNop(opts.Logger).With("component", "decision"),
		now:        opts.Now,
		newID:      opts.NewID,
		enabled:    opts.Enabled,
	}
	if e.loopWindow <= 0 {
		e.loopWindow = DefaultLoopWindow
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// SetEnabled toggles the delegated path at runtime.
func (e *Engine) SetEnabled(on bool) {
	e.mu.Lock()
	e.enabled = on
	e.warnedNoCredential = false
	e.mu.Unlock()
}

// Decide returns the next decision for in.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	log := e.logger.WithProject(in.Project)

	d, usd, reason := e.delegate(ctx, in)
	if reason != "" {
		d = Rules(in)
		d.FallbackReason = reason
		d.CostUSD = usd
		log.Debug("using rule-based decision", "reason", reason, "state", in.State.String())
	}

	if DetectLoop(in.History, d, e.loopWindow) {
		log.Warn("decision loop detected, escalating",
			"state", in.State.String(), "action", string(d.Action), "window", e.loopWindow)
		d = downgradeLoop(d, e.loopWindow)
	}

	d.ID = e.newID()
	d.State = in.State
	d.Timestamp = e.now().UTC()
	return d
}

// delegate tries the reasoning service. A non-empty reason means the caller
// must fall back; usd is spend incurred either way.
func (e *Engine) delegate(ctx context.Context, in Input) (d Decision, usd float64, reason string) {
	e.mu.Lock()
	enabled := e.enabled
	e.mu.Unlock()
	if !enabled || e.delegated == nil {
		return Decision{}, 0, FallbackDisabled
	}

	log := e.logger.WithProject(in.Project)

	if err := e.delegated.reasoner.Ready(); err != nil {
		e.mu.Lock()
		warn := !e.warnedNoCredential
		e.warnedNoCredential = true
		e.mu.Unlock()
		if warn {
			log.Warn("reasoning enabled but no credential available; using rules", "error", err)
		}
		return Decision{}, 0, FallbackNoCredential
	}

	if e.governor != nil {
		if v := e.governor.CanProceed(in.Project); !v.Allow {
			return Decision{}, 0, FallbackVeto + ": " + v.Reason
		}
	}

	d, resp, err := e.delegated.Ask(ctx, in)
	if e.governor != nil && (resp.Usage.InputUnits > 0 || resp.Usage.OutputUnits > 0) {
		model := resp.Model
		if model == "" {
			model = e.delegated.reasoner.Model()
		}
		usd = e.governor.RecordUsage(in.Project, model, cost.Usage{
			InputUnits:  resp.Usage.InputUnits,
			OutputUnits: resp.Usage.OutputUnits,
		})
	}
	if err != nil {
		if errors.Is(err, ErrParse) || errors.Is(err, reasoning.ErrNoJSON) {
			log.Warn("reasoning response unusable, using rules", "error", err)
			return Decision{}, usd, FallbackParseFailed + ": " + err.Error()
		}
		log.Warn("reasoning call failed, using rules", "error", err)
		return Decision{}, usd, FallbackCallFailed + ": " + err.Error()
	}
	d.CostUSD = usd
	return d, usd, ""
}

// DetectLoop reports whether d would repeat the same (state, action) pair
// that the last window decisions already made with no state change. Only
// actions that type into the session are checked.
func DetectLoop(history []Decision, d Decision, window int) bool {
	if !d.Action.SendsInput() || window < 1 || len(history) < window {
		return false
	}
	for _, h := range history[len(history)-window:] {
		if h.State != d.State || h.Action != d.Action {
			return false
		}
	}
	return true
}

func downgradeLoop(d Decision, window int) Decision {
	prev := d.Reasoning
	d.Reasoning = fmt.Sprintf("loop detected: %s in state %s repeated %d times without a state change (would have: %s)",
		d.Action, d.State, window, prev)
	d.Action = ActionNotify
	d.Command = ""
	d.SkillRef = ""
	if d.Confidence > 0.4 {
		d.Confidence = 0.4
	}
	return d
}
