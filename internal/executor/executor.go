// Package executor carries out decisions against a session: it delivers
// text with multi-factor verification and bounded retry, performs phase
// transitions, and raises notifications.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/errs"
	"github.com/lucasnoah/steward/internal/github"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/notify"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/retry"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// Sentinel errors carried in Result.Err.
var (
	// ErrPrecondition means a phase transition was requested before the
	// phase was actually complete.
	ErrPrecondition = errors.New("phase transition precondition not met")
	// ErrAwaitingApproval means the phase is complete but an operator has
	// not yet approved the transition.
	ErrAwaitingApproval = errors.New("phase transition awaiting approval")
	// ErrNoInputField means the session offered nowhere to type.
	ErrNoInputField = errors.New("session has no input field")
	// ErrNotVerified means delivery could not be confirmed.
	ErrNotVerified = errors.New("input delivery not verified")
)

// Session captures snapshots and types into a session.
type Session interface {
	CaptureSnapshot(ctx context.Context, handle string) (snapshot.Snapshot, error)
	SendInput(ctx context.Context, handle, text string) error
}

// VCS records finished phases in version control.
type VCS interface {
	Commit(ctx context.Context, dir, message string) (github.CommitResult, error)
	RequestPullRequest(ctx context.Context, dir string, opts github.PRCreateOpts) (*github.PRCreateResult, error)
}

// Store mutates project records under the per-project lock.
type Store interface {
	Update(name string, fn func(*registry.ProjectRecord) error) (*registry.ProjectRecord, error)
}

// Target is what a decision acts on.
type Target struct {
	Project registry.ProjectRecord
	Handle  string
	// Snapshot is the observation the decision was made from.
	Snapshot snapshot.Snapshot
}

// Verification factors.
const (
	FactorInputCleared = 1 << iota
	FactorBusy
	FactorInHistory
	FactorNoNewError
)

// Result is the outcome of one Execute call.
type Result struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
	// Factors is the bitmask of verification factors seen on the last attempt.
	Factors   int    `json:"factors,omitempty"`
	CommitID  string `json:"commit_id,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	NewPhase  string `json:"new_phase,omitempty"`
	Completed bool   `json:"completed,omitempty"`
	// Err classifies a failure; nil on success.
	Err error `json:"-"`
}

// Deferred reports whether the action was held back for an operator rather
// than failed.
func (r Result) Deferred() bool {
	return errors.Is(r.Err, ErrAwaitingApproval)
}

// FactorCount returns how many verification factors held.
func FactorCount(mask int) int {
	n := 0
	for _, f := range []int{FactorInputCleared, FactorBusy, FactorInHistory, FactorNoNewError} {
		if mask&f != 0 {
			n++
		}
	}
	return n
}

// Options configures an Executor.
type Options struct {
	Session        Session
	VCS            VCS
	Store          Store
	Notifier       notify.Notifier
	Config         config.ExecutorConfig
	CaptureTimeout time.Duration
	SendTimeout    time.Duration
	Logger         *logging.Logger
	// Sleep waits between delivery and verification. Defaults to a
	// context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry observes each retry of a delivery.
	OnRetry func(project string, attempt int, delay time.Duration, err error)
}

// Executor runs decisions. It holds no per-project state and is safe for
// concurrent use across projects.
type Executor struct {
	session        Session
	vcs            VCS
	store          Store
	notifier       notify.Notifier
	cfg            config.ExecutorConfig
	captureTimeout time.Duration
	sendTimeout    time.Duration
	logger         *logging.Logger
	sleep          func(ctx context.Context, d time.Duration) error
	onRetry        func(project string, attempt int, delay time.Duration, err error)
	progress       io.Writer
}

// New creates an Executor.
func New(opts Options) *Executor {
	e := &Executor{
		session:        opts.Session,
		vcs:            opts.VCS,
		store:          opts.Store,
		notifier:       opts.Notifier,
		cfg:            opts.Config,
		captureTimeout: opts.CaptureTimeout,
		sendTimeout:    opts.SendTimeout,
		logger:         logging.OrNop(opts.Logger).With("component", "executor"),
		sleep:          opts.Sleep,
		onRetry:        opts.OnRetry,
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	if e.cfg.MinFactors <= 0 {
		e.cfg.MinFactors = 2
	}
	if e.cfg.MaxRetries < 0 {
		e.cfg.MaxRetries = 0
	}
	if e.notifier == nil {
		e.notifier = &notify.LogNotifier{Logger: opts.Logger}
	}
	return e
}

// SetProgress sets a writer for human-facing progress lines.
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "[executor] "+format+"\n", args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy returns the retry policy for input delivery.
func (e *Executor) Policy() retry.Policy {
	if e.cfg.BackoffDoubling {
		return retry.Doubling(e.cfg.MaxRetries, e.cfg.RetryDelay)
	}
	return retry.Linear(e.cfg.MaxRetries, e.cfg.RetryDelay)
}

// Execute carries out d against t. It never panics; failures are reported
// in the Result.
func (e *Executor) Execute(ctx context.Context, d decision.Decision, t Target) (res Result) {
	log := e.logger.WithProject(t.Project.Name).With("action", string(d.Action), "decision_id", d.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panic recovered", "panic", r)
			res = Result{Message: fmt.Sprintf("panic: %v", r), Err: errs.PermanentAction(fmt.Errorf("panic: %v", r))}
		}
	}()

	switch d.Action {
	case decision.ActionContinue, decision.ActionUseSkill:
		res = e.deliver(ctx, d, t)
	case decision.ActionPhaseTransition:
		res = e.transition(ctx, d, t)
	case decision.ActionNotify:
		res = e.notify(ctx, d, t)
	case decision.ActionWait:
		res = Result{Success: true, Message: "waiting: " + d.Reasoning}
	default:
		res = Result{Message: fmt.Sprintf("unknown action %q", d.Action), Err: errs.PermanentAction(fmt.Errorf("unknown action %q", d.Action))}
	}

	if res.Success {
		log.Info("action executed", "attempts", res.Attempts, "message", res.Message)
	} else if res.Deferred() {
		log.Info("action deferred", "message", res.Message)
	} else {
		log.Warn("action failed", "attempts", res.Attempts, "message", res.Message, "error", res.Err)
	}
	return res
}

// Text returns what d would type into the session.
func Text(d decision.Decision, cfg config.ProjectConfig, s snapshot.Snapshot) (string, error) {
	if strings.TrimSpace(d.Command) != "" {
		return d.Command, nil
	}
	switch d.Action {
	case decision.ActionContinue:
		if cfg.ContinueCommand != "" {
			return cfg.ContinueCommand, nil
		}
		return config.DefaultContinueCommand, nil
	case decision.ActionUseSkill:
		sk, ok := decision.FindSkill(cfg.Skills, d.SkillRef)
		if !ok {
			return "", fmt.Errorf("skill %q is not configured", d.SkillRef)
		}
		return decision.SkillCommand(sk, s.Errors), nil
	}
	return "", fmt.Errorf("action %s does not send input", d.Action)
}

func (e *Executor) deliver(ctx context.Context, d decision.Decision, t Target) Result {
	text, err := Text(d, t.Project.Config, t.Snapshot)
	if err != nil {
		return Result{Message: err.Error(), Err: errs.PermanentAction(err)}
	}

	policy := e.Policy()
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.logger.WithProject(t.Project.Name).Debug("retrying input delivery",
			"attempt", attempt, "delay", delay, "error", err)
		e.logf("%s: delivery attempt %d not verified, retrying in %s", t.Project.Name, attempt, delay)
		if e.onRetry != nil {
			e.onRetry(t.Project.Name, attempt, delay, err)
		}
	}

	var factors int
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context) (bool, error) {
		mask, err := e.attempt(ctx, t.Handle, text)
		factors = mask
		if err != nil {
			if errs.KindOf(err) == errs.KindPermanentAction {
				return false, retry.Permanent(err)
			}
			return false, err
		}
		return FactorCount(mask) >= e.cfg.MinFactors, nil
	})

	res := Result{Attempts: attempts, Factors: factors}
	switch {
	case err == nil:
		res.Success = true
		res.Message = fmt.Sprintf("sent %q (%d/4 factors)", abbreviate(text, 60), FactorCount(factors))
	case errors.Is(err, retry.ErrNotSatisfied):
		res.Message = fmt.Sprintf("delivery of %q not verified after %d attempts (%d/4 factors)", abbreviate(text, 60), attempts, FactorCount(factors))
		res.Err = errs.PermanentAction(ErrNotVerified)
	default:
		res.Message = fmt.Sprintf("delivery failed after %d attempts: %v", attempts, err)
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.PermanentAction(err)
		}
		res.Err = err
	}
	return res
}

// attempt locates the input field, sends text, and scores the result.
func (e *Executor) attempt(ctx context.Context, handle, text string) (int, error) {
	before, err := e.capture(ctx, handle)
	if err != nil {
		return 0, err
	}
	if !before.HasInputField {
		return 0, errs.Transient(ErrNoInputField)
	}
	target := handle
	if before.InputFieldHandle != "" {
		target = before.InputFieldHandle
	}

	sendCtx, cancel := withTimeout(ctx, e.sendTimeout)
	err = e.session.SendInput(sendCtx, target, text)
	cancel()
	if err != nil {
		return 0, err
	}

	if err := e.sleep(ctx, e.cfg.VerifyDelay); err != nil {
		return 0, err
	}
	after, err := e.capture(ctx, handle)
	if err != nil {
		return 0, err
	}
	return Verify(before, after, text), nil
}

func (e *Executor) capture(ctx context.Context, handle string) (snapshot.Snapshot, error) {
	cctx, cancel := withTimeout(ctx, e.captureTimeout)
	defer cancel()
	return e.session.CaptureSnapshot(cctx, handle)
}

// Verify scores delivery of text by comparing the snapshots taken before
// sending and after the verify delay.
func Verify(before, after snapshot.Snapshot, text string) int {
	mask := 0
	if !after.HasInputField || strings.TrimSpace(after.InputText) == "" {
		mask |= FactorInputCleared
	}
	if after.IsBusy {
		mask |= FactorBusy
	}
	if inHistory(after.RecentHistory, text) {
		mask |= FactorInHistory
	}
	if !hasNewError(before.Errors, after.Errors) {
		mask |= FactorNoNewError
	}
	return mask
}

func inHistory(history []string, text string) bool {
	needle := strings.ToLower(strings.TrimSpace(firstLine(text)))
	if len(needle) > 40 {
		needle = needle[:40]
	}
	if needle == "" {
		return false
	}
	for _, l := range history {
		if strings.Contains(strings.ToLower(l), needle) {
			return true
		}
	}
	return false
}

func hasNewError(before, after []snapshot.ErrorEntry) bool {
	seen := make(map[string]bool, len(before))
	for _, e := range before {
		seen[e.Message] = true
	}
	for _, e := range after {
		if !seen[e.Message] {
			return true
		}
	}
	return false
}

func (e *Executor) transition(ctx context.Context, d decision.Decision, t Target) Result {
	rec := t.Project
	s := t.Snapshot

	var unmet []string
	if !rec.KnownPhase() {
		unmet = append(unmet, fmt.Sprintf("phase %q is not one of %v", rec.CurrentPhase, rec.Config.Phases))
	}
	if p := s.Todos.Pending(); p > 0 {
		unmet = append(unmet, fmt.Sprintf("%d todos pending", p))
	}
	if len(s.Errors) > 0 {
		unmet = append(unmet, fmt.Sprintf("%d active errors", len(s.Errors)))
	}
	if len(unmet) > 0 {
		msg := "cannot leave phase " + rec.CurrentPhase + ": " + strings.Join(unmet, ", ")
		return Result{Attempts: 1, Message: msg, Err: errs.PermanentAction(fmt.Errorf("%w: %s", ErrPrecondition, msg))}
	}
	if !rec.Approved() {
		return Result{Attempts: 1, Message: fmt.Sprintf("phase %q awaits operator approval", rec.CurrentPhase), Err: ErrAwaitingApproval}
	}

	res := Result{Success: true, Attempts: 1}
	var notes []string

	if rec.Config.AutoCommit && e.vcs != nil && rec.Config.RepoPath != "" {
		c, pr, vcsNotes := e.recordPhase(ctx, rec)
		res.CommitID = c
		res.PRURL = pr
		notes = append(notes, vcsNotes...)
	}

	next, hasNext := rec.NextPhase()
	updated, err := e.store.Update(rec.Name, func(p *registry.ProjectRecord) error {
		if p.CurrentPhase != rec.CurrentPhase {
			return fmt.Errorf("phase changed concurrently from %q to %q", rec.CurrentPhase, p.CurrentPhase)
		}
		if hasNext {
			p.CurrentPhase = next
		} else {
			p.Status = registry.StatusComplete
		}
		return nil
	})
	if err != nil {
		res.Success = false
		res.Err = errs.PermanentAction(fmt.Errorf("advance phase: %w", err))
		notes = append(notes, "advance failed: "+err.Error())
		res.Message = strings.Join(notes, "; ")
		return res
	}

	if hasNext {
		res.NewPhase = updated.CurrentPhase
		notes = append([]string{fmt.Sprintf("advanced %q -> %q", rec.CurrentPhase, next)}, notes...)
		e.logf("%s: phase %s complete, now in %s", rec.Name, rec.CurrentPhase, next)
	} else {
		res.Completed = true
		notes = append([]string{fmt.Sprintf("final phase %q complete; project complete", rec.CurrentPhase)}, notes...)
		e.logf("%s: final phase %s complete", rec.Name, rec.CurrentPhase)
	}
	res.Message = strings.Join(notes, "; ")
	return res
}

// recordPhase commits the working tree and requests a PR. Failures become
// notes on the result and never block the transition.
func (e *Executor) recordPhase(ctx context.Context, rec registry.ProjectRecord) (commitID, prURL string, notes []string) {
	phase := rec.CurrentPhase
	if phase == "" {
		phase = "work"
	}
	msg := fmt.Sprintf("steward: complete phase %s for %s", phase, rec.Name)

	c, err := e.vcs.Commit(ctx, rec.Config.RepoPath, msg)
	if err != nil {
		e.logger.WithProject(rec.Name).Warn("commit failed", "error", err)
		return "", "", []string{"commit failed: " + err.Error()}
	}
	commitID = c.ID
	if c.Committed {
		notes = append(notes, "committed "+shortID(c.ID))
	} else {
		notes = append(notes, "nothing to commit")
	}

	if rec.Config.Repo == "" {
		return commitID, "", notes
	}
	pr, err := e.vcs.RequestPullRequest(ctx, rec.Config.RepoPath, github.PRCreateOpts{
		Repo:   rec.Config.Repo,
		Branch: rec.Config.Branch,
		Title:  fmt.Sprintf("%s: %s phase complete", rec.Name, phase),
		Body:   fmt.Sprintf("Automated pull request for phase %q of %s.\n\nCommit: %s", phase, rec.Name, commitID),
	})
	if err != nil {
		e.logger.WithProject(rec.Name).Warn("pull request failed", "error", err)
		return commitID, "", append(notes, "pull request failed: "+err.Error())
	}
	if pr.Existing {
		notes = append(notes, "updated PR "+pr.URL)
	} else {
		notes = append(notes, "opened PR "+pr.URL)
	}
	return commitID, pr.URL, notes
}

func (e *Executor) notify(ctx context.Context, d decision.Decision, t Target) Result {
	n := notify.Notification{
		Project: t.Project.Name,
		Phase:   t.Project.CurrentPhase,
		Reason:  "state " + d.State.String(),
		Message: d.Reasoning,
		At:      d.Timestamp,
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return Result{Attempts: 1, Message: "notification failed: " + err.Error(), Err: errs.Transient(err)}
	}
	return Result{Success: true, Attempts: 1, Message: "notified: " + d.Reasoning}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func abbreviate(s string, n int) string {
	s = firstLine(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
