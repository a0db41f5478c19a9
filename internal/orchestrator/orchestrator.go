package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/db"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/errs"
	"github.com/lucasnoah/steward/internal/executor"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/notify"
	"github.com/lucasnoah/steward/internal/recovery"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/resource"
	"github.com/lucasnoah/steward/internal/retry"
	"github.com/lucasnoah/steward/internal/runlock"
	"github.com/lucasnoah/steward/internal/session"
	"github.com/lucasnoah/steward/internal/snapshot"
	"github.com/lucasnoah/steward/internal/telemetry"
)

// ErrNoProjects is returned by Run when nothing is registered.
var ErrNoProjects = errors.New("no projects registered")

// ErrNoSession means no live session could be found for a project.
var ErrNoSession = errors.New("no session found for project")

// Sessions is the snapshot and input collaborator.
type Sessions interface {
	executor.Session
	LocateSession(ctx context.Context, hints []string) (string, bool, error)
	Sessions(ctx context.Context) ([]session.Identity, error)
	Forget(handle string)
}

// Decider produces decisions. The decision engine implements it.
type Decider interface {
	Decide(ctx context.Context, in decision.Input) decision.Decision
}

// Executor carries out decisions.
type Executor interface {
	Execute(ctx context.Context, d decision.Decision, t executor.Target) executor.Result
}

// EventLog is the append-only event database.
type EventLog interface {
	LogDecision(project, phase string, d decision.Decision) error
	LogActionResult(r db.ActionResultRow) error
	LogCycle(c db.CycleRow) error
	LogProjectEvent(project, event, detail string) error
}

// CostControl accepts limit and rate changes at runtime.
type CostControl interface {
	SetLimits(l cost.Limits)
	SetRates(rates map[string]config.Rate, def config.Rate)
}

// Options wires an Orchestrator.
type Options struct {
	Config   *config.Config
	Home     string
	Store    *registry.Store
	Sessions Sessions
	Engine   Decider
	Executor Executor
	Events   EventLog
	Notifier notify.Notifier
	Cost     CostControl

	// Sampler samples process resources; nil disables sampling.
	Sampler     resource.Sampler
	Instruments *telemetry.Instruments
	Logger      *logging.Logger

	// ForceRecovery uses a stale recovery snapshot.
	ForceRecovery bool
	// SkipLock runs without the process run lock (run-once and tests).
	SkipLock bool
	// LimitsPath is the operator limits override applied over the config.
	LimitsPath string
	// CredentialsPath is watched alongside the config file.
	CredentialsPath string

	Now   func() time.Time
	NewID func() string
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator is the scheduling loop.
type Orchestrator struct {
	store    *registry.Store
	sessions Sessions
	engine   Decider
	exec     Executor
	events   EventLog
	notifier notify.Notifier
	costCtl  CostControl
	sampler  resource.Sampler
	inst     *telemetry.Instruments
	logger   *logging.Logger
	home     string
	force    bool
	skipLock bool
	limits   string
	creds    string
	now      func() time.Time
	newID    func() string
	sleep    func(ctx context.Context, d time.Duration) error
	window   *resource.Window

	// capturePolicy bounds retries of transient snapshot failures.
	capturePolicy retry.Policy

	mu      sync.Mutex
	cfg     *config.Config
	handles map[string]string
	stats   recovery.AggregateStats
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    opts.Store,
		sessions: opts.Sessions,
		engine:   opts.Engine,
		exec:     opts.Executor,
		events:   opts.Events,
		notifier: opts.Notifier,
		costCtl:  opts.Cost,
		sampler:  opts.Sampler,
		inst:     opts.Instruments,
		logger:   logging.OrNop(opts.Logger).With("component", "orchestrator"),
		home:     opts.Home,
		force:    opts.ForceRecovery,
		skipLock: opts.SkipLock,
		limits:   opts.LimitsPath,
		creds:    opts.CredentialsPath,
		now:      opts.Now,
		newID:    opts.NewID,
		sleep:    opts.Sleep,
		window:   resource.NewWindow(resource.DefaultWindow),
		cfg:      opts.Config,
		handles:  make(map[string]string),
	}
	o.capturePolicy = retry.Doubling(2, 500*time.Millisecond)
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.notifier == nil {
		o.notifier = &notify.LogNotifier{Logger: opts.Logger, Events: opts.Events}
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Resources returns the rolling resource window.
func (o *Orchestrator) Resources() *resource.Window {
	return o.window
}

// Stats returns the aggregate counters.
func (o *Orchestrator) Stats() recovery.AggregateStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Resources = o.window.Stats()
	return s
}

// Run holds the run lock, recovers sessions, and runs cycles until ctx is
// cancelled or the configured max runtime elapses. The recovery snapshot is
// written on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := o.config()

	if n, err := o.store.Verify(); err != nil {
		return errs.Fatal(fmt.Errorf("registry unreadable: %w", err))
	} else if n == 0 {
		return ErrNoProjects
	}

	if !o.skipLock {
		lock, err := runlock.Acquire(o.home, o.logger)
		if err != nil {
			return errs.Fatal(err)
		}
		defer lock.Release()
	}

	if cfg.Orchestrator.MaxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Orchestrator.MaxRuntime)
		defer cancel()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go o.watchConfig(watchCtx)

	o.RecoverSessions(ctx)
	o.logger.Info("orchestrator started",
		"poll_interval", cfg.Orchestrator.PollInterval, "concurrency", cfg.Orchestrator.Concurrency,
		"max_runtime", cfg.Orchestrator.MaxRuntime)

	var runErr error
	for ctx.Err() == nil {
		if _, err := o.RunCycle(ctx); err != nil {
			runErr = err
			break
		}
		if err := o.sleep(ctx, o.config().Orchestrator.PollInterval); err != nil {
			break
		}
	}

	if err := o.SaveRecovery(); err != nil {
		o.logger.Warn("recovery snapshot not written", "error", err)
	}
	o.logger.Info("orchestrator stopped", "cycles", o.Stats().Cycles)
	return runErr
}

// ProjectOutcome is what happened to one project in a cycle.
type ProjectOutcome struct {
	Project     string                `json:"project"`
	State       snapshot.SessionState `json:"state"`
	Decision    *decision.Decision    `json:"decision,omitempty"`
	Result      *executor.Result      `json:"result,omitempty"`
	Failed      bool                  `json:"failed"`
	Quarantined bool                  `json:"quarantined,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Outcomes   []ProjectOutcome `json:"outcomes"`
	Failures   int              `json:"failures"`
	Decisions  int              `json:"decisions"`
	CostUSD    float64          `json:"cost_usd"`
}

// RunCycle processes every active project once. Project failures are
// isolated and reported in the outcome; only a registry read failure is
// returned as an error. Cancelling ctx stops new projects from starting but
// lets in-flight ones finish.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	cfg := o.config()
	report := &CycleReport{ID: o.newID(), StartedAt: o.now().UTC()}
	log := o.logger.WithCycle(report.ID)

	ctx, span := telemetry.Tracer().Start(ctx, "steward.cycle", trace.WithAttributes(attribute.String("cycle.id", report.ID)))
	defer span.End()

	var before resource.Sample
	if o.sampler != nil {
		if s, err := o.sampler(ctx); err == nil {
			before = s
		} else {
			log.Debug("resource sample failed", "error", err)
		}
	}

	records, err := o.store.List(registry.StatusActive)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry read failed")
		return nil, errs.Fatal(fmt.Errorf("list projects: %w", err))
	}

	outcomes := make([]ProjectOutcome, len(records))
	work := context.WithoutCancel(ctx)

	if cfg.Orchestrator.Concurrency <= 1 {
		for i, rec := range records {
			if ctx.Err() != nil {
				outcomes = outcomes[:i]
				break
			}
			outcomes[i] = o.processProject(work, rec, log)
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(cfg.Orchestrator.Concurrency)
		started := make([]bool, len(records))
		for i, rec := range records {
			if ctx.Err() != nil {
				break
			}
			started[i] = true
			g.Go(func() error {
				outcomes[i] = o.processProject(work, rec, log)
				return nil
			})
		}
		_ = g.Wait()
		kept := outcomes[:0]
		for i, oc := range outcomes {
			if started[i] {
				kept = append(kept, oc)
			}
		}
		outcomes = kept
	}

	report.Outcomes = outcomes
	for _, oc := range outcomes {
		if oc.Failed {
			report.Failures++
		}
		if oc.Decision != nil {
			report.Decisions++
			report.CostUSD += oc.Decision.CostUSD
		}
	}
	report.FinishedAt = o.now().UTC()

	var after resource.Sample
	if o.sampler != nil {
		if s, err := o.sampler(ctx); err == nil {
			after = s
			o.window.Add(resource.CycleSample{Before: before, After: after})
		}
	}

	o.mu.Lock()
	o.stats.Cycles++
	o.stats.Decisions += report.Decisions
	o.stats.Failures += report.Failures
	o.stats.CostUSD += report.CostUSD
	o.mu.Unlock()

	if o.events != nil {
		if err := o.events.LogCycle(db.CycleRow{
			ID: report.ID, StartedAt: report.StartedAt, FinishedAt: report.FinishedAt,
			Projects: len(outcomes), Failures: report.Failures, Decisions: report.Decisions,
			CostUSD: report.CostUSD, CPUPercent: after.CPUPercent, RSSBytes: after.RSSBytes,
		}); err != nil {
			log.Warn("cycle not logged", "error", err)
		}
	}
	o.inst.Cycle(ctx, report.FinishedAt.Sub(report.StartedAt), report.Failures)
	span.SetAttributes(attribute.Int("cycle.projects", len(outcomes)), attribute.Int("cycle.failures", report.Failures))

	log.Info("cycle complete", "projects", len(outcomes), "failures", report.Failures,
		"decisions", report.Decisions, "cost_usd", report.CostUSD)
	return report, nil
}

// processProject runs Poll, Classify, Decide, Execute and Persist for one
// project. Panics and errors stay inside the returned outcome.
func (o *Orchestrator) processProject(ctx context.Context, rec registry.ProjectRecord, cycleLog *logging.Logger) (out ProjectOutcome) {
	log := cycleLog.WithProject(rec.Name)
	out.Project = rec.Name

	ctx, span := telemetry.Tracer().Start(ctx, "steward.project", trace.WithAttributes(attribute.String("project", rec.Name)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in project pipeline: %v", r)
			log.Error("project pipeline panicked", "panic", r)
			out = o.fail(ctx, rec, out, errs.PermanentAction(err), log)
		}
		if out.Failed {
			span.SetStatus(codes.Error, out.Error)
		}
	}()

	cfg := o.config()
	rec.Config = cfg.ResolveProject(rec.Name, rec.Config)

	handle, err := o.resolveHandle(ctx, rec)
	if err != nil {
		return o.fail(ctx, rec, out, err, log)
	}

	snap, err := o.capture(ctx, handle, cfg.Orchestrator.CaptureTimeout)
	if err != nil {
		if errors.Is(err, session.ErrSessionGone) {
			o.forgetHandle(rec.Name, handle)
		}
		return o.fail(ctx, rec, out, err, log)
	}

	state := snapshot.NewClassifier(rec.Config.StallThreshold).Classify(snap)
	out.State = state
	span.SetAttributes(attribute.String("session.state", state.String()))

	history, err := o.store.History(rec.Name, cfg.DecisionHistory())
	if err != nil {
		log.Warn("decision history unavailable", "error", err)
	}
	d := o.engine.Decide(ctx, decision.Input{
		Project:  rec.Name,
		Phase:    rec.CurrentPhase,
		State:    state,
		Snapshot: snap,
		Config:   rec.Config,
		History:  history,
	})
	out.Decision = &d
	o.inst.Decision(ctx, rec.Name, string(d.Method), string(d.Action), d.CostUSD)

	if err := o.store.AppendDecision(rec.Name, d); err != nil {
		log.Warn("decision not persisted", "error", err)
	}
	if o.events != nil {
		if err := o.events.LogDecision(rec.Name, rec.CurrentPhase, d); err != nil {
			log.Warn("decision not logged", "error", err)
		}
	}
	log.Info("decision", "state", state.String(), "action", string(d.Action), "method", string(d.Method),
		"confidence", d.Confidence, "reasoning", d.Reasoning)

	res := o.exec.Execute(ctx, d, executor.Target{Project: rec, Handle: handle, Snapshot: snap})
	out.Result = &res
	o.inst.Action(ctx, rec.Name, string(d.Action), res.Success, res.Attempts)
	if o.events != nil {
		if err := o.events.LogActionResult(db.ActionResultRow{
			DecisionID: d.ID, Project: rec.Name, Action: string(d.Action), Success: res.Success,
			Attempts: res.Attempts, Factors: res.Factors, Message: res.Message,
		}); err != nil {
			log.Warn("action result not logged", "error", err)
		}
		switch {
		case res.Completed:
			_ = o.events.LogProjectEvent(rec.Name, db.EventCompleted, res.Message)
		case res.NewPhase != "":
			_ = o.events.LogProjectEvent(rec.Name, db.EventPhaseAdvance, fmt.Sprintf("%s -> %s", rec.CurrentPhase, res.NewPhase))
		}
	}

	lastActive := snap.CapturedAt.Add(-snap.IdleDuration)
	if !res.Success && !res.Deferred() {
		err := res.Err
		if err == nil {
			err = errors.New(res.Message)
		}
		out = o.fail(ctx, rec, out, err, log)
		o.touch(rec.Name, handle, lastActive, false)
		return out
	}
	o.touch(rec.Name, handle, lastActive, true)
	return out
}

// resolveHandle returns the session for rec: the handle already in use,
// the last recorded session, or one located from identity hints.
func (o *Orchestrator) resolveHandle(ctx context.Context, rec registry.ProjectRecord) (string, error) {
	o.mu.Lock()
	h, ok := o.handles[rec.Name]
	o.mu.Unlock()
	if ok {
		return h, nil
	}
	if rec.LastSessionID != "" {
		o.setHandle(rec.Name, rec.LastSessionID)
		return rec.LastSessionID, nil
	}

	hints := append([]string{rec.Name}, rec.Config.SessionHints...)
	if rec.Config.RepoPath != "" {
		hints = append(hints, filepath.Base(rec.Config.RepoPath))
	}
	handle, found, err := o.sessions.LocateSession(ctx, hints)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errs.PermanentProject(fmt.Errorf("%w: hints %v", ErrNoSession, hints))
	}
	o.setHandle(rec.Name, handle)
	return handle, nil
}

func (o *Orchestrator) setHandle(project, handle string) {
	o.mu.Lock()
	o.handles[project] = handle
	o.mu.Unlock()
}

func (o *Orchestrator) forgetHandle(project, handle string) {
	o.mu.Lock()
	delete(o.handles, project)
	o.mu.Unlock()
	o.sessions.Forget(handle)
	if _, err := o.store.Update(project, func(p *registry.ProjectRecord) error {
		if p.LastSessionID == handle {
			p.LastSessionID = ""
		}
		return nil
	}); err != nil {
		o.logger.WithProject(project).Warn("could not clear lost session", "error", err)
	}
}

// capture reads a snapshot, retrying transient failures briefly.
func (o *Orchestrator) capture(ctx context.Context, handle string, timeout time.Duration) (snapshot.Snapshot, error) {
	var snap snapshot.Snapshot
	_, err := retry.Do(ctx, o.capturePolicy, func(ctx context.Context) (bool, error) {
		cctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		s, err := o.sessions.CaptureSnapshot(cctx, handle)
		if err != nil {
			if !errs.IsTransient(err) {
				return false, retry.Permanent(err)
			}
			return false, err
		}
		snap = s
		return true, nil
	})
	return snap, err
}

// touch records the session and activity time and, on success, clears the
// failure counter.
func (o *Orchestrator) touch(project, handle string, lastActive time.Time, success bool) {
	_, err := o.store.Update(project, func(p *registry.ProjectRecord) error {
		p.LastSessionID = handle
		if !lastActive.IsZero() {
			p.LastActivityAt = lastActive.UTC()
		}
		if success {
			p.ConsecutiveErrorCount = 0
			p.LastError = ""
		}
		return nil
	})
	if err != nil {
		o.logger.WithProject(project).Warn("project record not updated", "error", err)
	}
}

// fail counts a pipeline failure and quarantines the project when the
// threshold is reached. The quarantine notification is sent only on the
// transition.
func (o *Orchestrator) fail(ctx context.Context, rec registry.ProjectRecord, out ProjectOutcome, cause error, log *logging.Logger) ProjectOutcome {
	out.Failed = true
	out.Error = cause.Error()
	threshold := o.config().Orchestrator.QuarantineThreshold

	quarantined := false
	updated, err := o.store.Update(rec.Name, func(p *registry.ProjectRecord) error {
		p.ConsecutiveErrorCount++
		p.LastError = cause.Error()
		if threshold > 0 && p.ConsecutiveErrorCount >= threshold && p.Status == registry.StatusActive {
			p.Status = registry.StatusQuarantined
			p.QuarantinedAt = o.now().UTC()
			quarantined = true
		}
		return nil
	})
	if err != nil {
		log.Error("failure not recorded", "error", err, "cause", cause)
		return out
	}

	log.Warn("project pipeline failed", "error", cause, "kind", errs.KindOf(cause).String(),
		"consecutive_failures", updated.ConsecutiveErrorCount)
	if o.events != nil {
		_ = o.events.LogProjectEvent(rec.Name, db.EventFailure, cause.Error())
	}

	if quarantined {
		out.Quarantined = true
		msg := fmt.Sprintf("quarantined after %d consecutive failures; last: %s", updated.ConsecutiveErrorCount, cause)
		log.Error("project quarantined", "failures", updated.ConsecutiveErrorCount)
		o.inst.Quarantine(ctx, rec.Name)
		if o.events != nil {
			_ = o.events.LogProjectEvent(rec.Name, db.EventQuarantined, msg)
		}
		if err := o.notifier.Notify(ctx, notify.Notification{
			Project: rec.Name, Phase: rec.CurrentPhase, Reason: "quarantined", Message: msg, At: o.now().UTC(),
		}); err != nil {
			log.Warn("quarantine notification failed", "error", err)
		}
	}
	return out
}

// RecoverSessions re-associates live sessions with active projects using
// the recovery snapshot. It never fails; problems degrade to rediscovery.
func (o *Orchestrator) RecoverSessions(ctx context.Context) []recovery.Match {
	cfg := o.config()
	snap := recovery.Load(recovery.Path(o.home), o.logger)
	if snap != nil {
		o.mu.Lock()
		o.stats.Cycles = snap.Stats.Cycles
		o.stats.Decisions = snap.Stats.Decisions
		o.stats.Failures = snap.Stats.Failures
		o.stats.CostUSD = snap.Stats.CostUSD
		o.mu.Unlock()
	}

	records, err := o.store.List(registry.StatusActive)
	if err != nil || len(records) == 0 {
		return nil
	}
	ids, err := o.sessions.Sessions(ctx)
	if err != nil {
		o.logger.Warn("session discovery failed, skipping recovery", "error", err)
		return nil
	}
	candidates := make([]recovery.Identity, len(ids))
	for i, id := range ids {
		candidates[i] = recovery.Identity{Handle: id.Handle, Name: id.Name, Path: id.Path}
	}

	matches := recovery.Reassociate(snap, records, candidates, recovery.Options{
		Force:  o.force,
		MaxAge: cfg.Orchestrator.RecoveryMaxAge,
		Now:    o.now(),
	})
	if snap != nil && snap.IsStale(o.now(), cfg.Orchestrator.RecoveryMaxAge) && !o.force {
		o.logger.Info("recovery snapshot stale, matching by identity only", "saved_at", snap.SavedAt)
	}
	for _, m := range matches {
		o.setHandle(m.Project, m.Handle)
		if _, err := o.store.Update(m.Project, func(p *registry.ProjectRecord) error {
			p.LastSessionID = m.Handle
			return nil
		}); err != nil {
			o.logger.WithProject(m.Project).Warn("recovered session not saved", "error", err)
		}
		if o.events != nil {
			_ = o.events.LogProjectEvent(m.Project, db.EventRecovered, fmt.Sprintf("%s (score %d)", m.Handle, m.Score))
		}
		o.logger.WithProject(m.Project).Info("session recovered", "handle", m.Handle, "score", m.Score)
	}
	return matches
}

// SaveRecovery writes the recovery snapshot for the active projects.
func (o *Orchestrator) SaveRecovery() error {
	records, err := o.store.List(registry.StatusActive)
	if err != nil {
		return err
	}
	snap := recovery.Snapshot{SavedAt: o.now().UTC(), Stats: o.Stats()}
	o.mu.Lock()
	for _, r := range records {
		id := o.handles[r.Name]
		if id == "" {
			id = r.LastSessionID
		}
		snap.Projects = append(snap.Projects, recovery.ProjectSession{
			Name: r.Name, SessionID: id, Phase: r.CurrentPhase, LastActiveAt: r.LastActivityAt,
		})
	}
	o.mu.Unlock()
	return recovery.Save(recovery.Path(o.home), snap)
}
