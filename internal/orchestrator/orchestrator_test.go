package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/db"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/errs"
	"github.com/lucasnoah/steward/internal/executor"
	"github.com/lucasnoah/steward/internal/github"
	"github.com/lucasnoah/steward/internal/notify"
	"github.com/lucasnoah/steward/internal/recovery"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/resource"
	"github.com/lucasnoah/steward/internal/retry"
	"github.com/lucasnoah/steward/internal/session"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// --- Mocks ---

type mockSessions struct {
	mu         sync.Mutex
	snaps      map[string]snapshot.Snapshot
	captureErr map[string]error
	panicOn    map[string]bool
	identities []session.Identity
	sent       map[string][]string
	forgotten  []string
	captures   int
}

func newMockSessions() *mockSessions {
	return &mockSessions{
		snaps:      make(map[string]snapshot.Snapshot),
		captureErr: make(map[string]error),
		panicOn:    make(map[string]bool),
		sent:       make(map[string][]string),
	}
}

func (m *mockSessions) add(handle string, s snapshot.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[handle] = s
	m.identities = append(m.identities, session.Identity{Handle: handle, Name: handle, Path: "/work/" + handle})
}

func (m *mockSessions) CaptureSnapshot(_ context.Context, handle string) (snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures++
	if m.panicOn[handle] {
		panic("capture exploded for " + handle)
	}
	if err := m.captureErr[handle]; err != nil {
		return snapshot.Snapshot{}, err
	}
	s, ok := m.snaps[handle]
	if !ok {
		return snapshot.Snapshot{}, session.ErrSessionGone
	}
	s.SessionID = handle
	return s, nil
}

func (m *mockSessions) SendInput(_ context.Context, handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[handle] = append(m.sent[handle], text)
	// The agent starts working once it receives input.
	s := m.snaps[handle]
	s.IsBusy = true
	s.RecentHistory = append(append([]string(nil), s.RecentHistory...), "> "+text)
	m.snaps[handle] = s
	return nil
}

func (m *mockSessions) LocateSession(_ context.Context, hints []string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.identities {
		for _, h := range hints {
			if h != "" && strings.Contains(id.Text(), strings.ToLower(h)) {
				return id.Handle, true, nil
			}
		}
	}
	return "", false, nil
}

func (m *mockSessions) Sessions(context.Context) ([]session.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.Identity(nil), m.identities...), nil
}

func (m *mockSessions) Forget(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, handle)
}

type mockVCS struct {
	mu      sync.Mutex
	commits []string
}

func (m *mockVCS) Commit(_ context.Context, dir, message string) (github.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, message)
	return github.CommitResult{ID: "0123456789abcdef", Committed: true}, nil
}

func (m *mockVCS) RequestPullRequest(context.Context, string, github.PRCreateOpts) (*github.PRCreateResult, error) {
	return &github.PRCreateResult{URL: "https://github.com/acme/widget/pull/1"}, nil
}

// --- Test helpers ---

type testEnv struct {
	orch     *Orchestrator
	home     string
	store    *registry.Store
	database *db.DB
	sessions *mockSessions
	vcs      *mockVCS
	notes    *notify.Recorder
}

func setupTest(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	home := t.TempDir()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	env := &testEnv{
		home:     home,
		store:    registry.NewStore(home),
		database: database,
		sessions: newMockSessions(),
		vcs:      &mockVCS{},
		notes:    &notify.Recorder{},
	}
	nop := func(context.Context, time.Duration) error { return nil }
	exec := executor.New(executor.Options{
		Session:  env.sessions,
		VCS:      env.vcs,
		Store:    env.store,
		Notifier: env.notes,
		Config:   config.ExecutorConfig{MaxRetries: 1, RetryDelay: time.Millisecond},
		Sleep:    nop,
	})
	env.orch = New(Options{
		Config:   cfg,
		Home:     home,
		Store:    env.store,
		Sessions: env.sessions,
		Engine:   decision.NewEngine(decision.EngineOptions{}),
		Executor: exec,
		Events:   database,
		Notifier: env.notes,
		SkipLock: true,
		Sleep:    nop,
	})
	env.orch.capturePolicy = retry.Linear(1, time.Millisecond)
	return env
}

func (env *testEnv) register(t *testing.T, name string, pc config.ProjectConfig) {
	t.Helper()
	if _, err := env.store.Register(registry.RegisterOpts{Name: name, Config: pc}); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func (env *testEnv) get(t *testing.T, name string) *registry.ProjectRecord {
	t.Helper()
	rec, err := env.store.Get(name)
	if err != nil {
		t.Fatalf("get %s: %v", name, err)
	}
	return rec
}

func (env *testEnv) cycle(t *testing.T) *CycleReport {
	t.Helper()
	rep, err := env.orch.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return rep
}

func phaseDone() snapshot.Snapshot {
	return snapshot.Snapshot{HasInputField: true, Todos: snapshot.Todos{Total: 3, Completed: 3}}
}

func pendingWork() snapshot.Snapshot {
	return snapshot.Snapshot{HasInputField: true, Todos: snapshot.Todos{Total: 4, Completed: 1}}
}

func hasEvent(events []db.ProjectEvent, name string) bool {
	for _, e := range events {
		if e.Event == name {
			return true
		}
	}
	return false
}

// --- Pipeline ---

func TestRunCycle_ContinuesPendingWork(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{ContinueCommand: "keep going"})
	env.sessions.add("widget", pendingWork())

	rep := env.cycle(t)

	if len(rep.Outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(rep.Outcomes))
	}
	oc := rep.Outcomes[0]
	if oc.State != snapshot.StateHasPendingWork {
		t.Errorf("state = %s, want has_pending_work", oc.State)
	}
	if oc.Decision == nil || oc.Decision.Action != decision.ActionContinue {
		t.Fatalf("decision = %+v, want continue", oc.Decision)
	}
	if oc.Failed || oc.Result == nil || !oc.Result.Success {
		t.Errorf("expected success, got %+v", oc)
	}
	if got := env.sessions.sent["widget"]; len(got) != 1 || got[0] != "keep going" {
		t.Errorf("sent = %v, want [keep going]", got)
	}

	rec := env.get(t, "widget")
	if rec.LastSessionID != "widget" {
		t.Errorf("LastSessionID = %q, want widget", rec.LastSessionID)
	}
	history, _ := env.store.History("widget", 10)
	if len(history) != 1 {
		t.Errorf("history = %d decisions, want 1", len(history))
	}
	rows, err := env.database.GetDecisions("widget", 10)
	if err != nil {
		t.Fatalf("GetDecisions: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("logged decisions = %d, want 1", len(rows))
	}
	if n, _ := env.database.CountCycles(); n != 1 {
		t.Errorf("cycles logged = %d, want 1", n)
	}
}

func TestRunCycle_PhaseProgressionToComplete(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{
		Repo:         "acme/widget",
		RepoPath:     "/work/widget",
		Phases:       []string{"plan", "build"},
		AutoProgress: true,
		AutoCommit:   true,
	})
	env.sessions.add("widget", phaseDone())

	rep := env.cycle(t)
	oc := rep.Outcomes[0]
	if oc.Decision.Action != decision.ActionPhaseTransition {
		t.Fatalf("action = %s, want phase_transition", oc.Decision.Action)
	}
	if oc.Result.NewPhase != "build" {
		t.Errorf("NewPhase = %q, want build", oc.Result.NewPhase)
	}
	if rec := env.get(t, "widget"); rec.CurrentPhase != "build" || rec.Status != registry.StatusActive {
		t.Errorf("after first transition: phase=%q status=%s", rec.CurrentPhase, rec.Status)
	}

	rep = env.cycle(t)
	if !rep.Outcomes[0].Result.Completed {
		t.Fatalf("expected completion, got %+v", rep.Outcomes[0].Result)
	}
	if rec := env.get(t, "widget"); rec.Status != registry.StatusComplete {
		t.Errorf("status = %s, want complete", rec.Status)
	}
	if len(env.vcs.commits) != 2 {
		t.Errorf("commits = %d, want 2", len(env.vcs.commits))
	}

	rep = env.cycle(t)
	if len(rep.Outcomes) != 0 {
		t.Errorf("complete project still processed: %+v", rep.Outcomes)
	}

	events, _ := env.database.GetProjectEvents("widget", 0)
	if !hasEvent(events, db.EventPhaseAdvance) || !hasEvent(events, db.EventCompleted) {
		t.Errorf("missing phase events: %+v", events)
	}
}

func TestRunCycle_BusySessionWaits(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("widget", snapshot.Snapshot{IsBusy: true, HasInputField: true})

	rep := env.cycle(t)
	oc := rep.Outcomes[0]
	if oc.Decision.Action != decision.ActionWait || oc.Failed {
		t.Errorf("busy session: %+v", oc)
	}
	if len(env.sessions.sent["widget"]) != 0 {
		t.Errorf("input sent to busy session: %v", env.sessions.sent["widget"])
	}
}

// --- Failure accounting ---

func TestRunCycle_QuarantineAfterThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Orchestrator.QuarantineThreshold = 5
	env := setupTest(t, cfg)
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("widget", pendingWork())
	env.sessions.captureErr["widget"] = errors.New("pane unreadable")

	for i := 1; i <= 4; i++ {
		rep := env.cycle(t)
		if !rep.Outcomes[0].Failed || rep.Outcomes[0].Quarantined {
			t.Fatalf("cycle %d: %+v", i, rep.Outcomes[0])
		}
		if got := env.get(t, "widget").ConsecutiveErrorCount; got != i {
			t.Fatalf("cycle %d: ConsecutiveErrorCount = %d", i, got)
		}
	}
	if len(env.notes.Sent) != 0 {
		t.Fatalf("notified before threshold: %+v", env.notes.Sent)
	}

	rep := env.cycle(t)
	if !rep.Outcomes[0].Quarantined {
		t.Fatalf("fifth failure did not quarantine: %+v", rep.Outcomes[0])
	}
	rec := env.get(t, "widget")
	if rec.Status != registry.StatusQuarantined || rec.QuarantinedAt.IsZero() {
		t.Errorf("record = status %s quarantined_at %v", rec.Status, rec.QuarantinedAt)
	}
	if !strings.Contains(rec.LastError, "pane unreadable") {
		t.Errorf("LastError = %q", rec.LastError)
	}
	if len(env.notes.Sent) != 1 || env.notes.Sent[0].Reason != "quarantined" {
		t.Errorf("notifications = %+v, want one quarantine notice", env.notes.Sent)
	}

	captures := env.sessions.captures
	rep = env.cycle(t)
	if len(rep.Outcomes) != 0 || env.sessions.captures != captures {
		t.Errorf("quarantined project was processed")
	}
	if len(env.notes.Sent) != 1 {
		t.Errorf("quarantine notified more than once")
	}

	events, _ := env.database.GetProjectEvents("widget", 0)
	if !hasEvent(events, db.EventQuarantined) {
		t.Errorf("no quarantine event: %+v", events)
	}
}

func TestRunCycle_SuccessResetsFailureCount(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("widget", snapshot.Snapshot{IsBusy: true})
	env.sessions.captureErr["widget"] = errors.New("pane unreadable")

	env.cycle(t)
	env.cycle(t)
	if got := env.get(t, "widget").ConsecutiveErrorCount; got != 2 {
		t.Fatalf("ConsecutiveErrorCount = %d, want 2", got)
	}

	delete(env.sessions.captureErr, "widget")
	env.cycle(t)
	rec := env.get(t, "widget")
	if rec.ConsecutiveErrorCount != 0 || rec.LastError != "" {
		t.Errorf("after success: count=%d last_error=%q", rec.ConsecutiveErrorCount, rec.LastError)
	}
}

func TestRunCycle_TransientCaptureRetried(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("widget", snapshot.Snapshot{IsBusy: true})
	env.sessions.captureErr["widget"] = errs.Transient(errors.New("capture timed out"))

	rep := env.cycle(t)
	if !rep.Outcomes[0].Failed {
		t.Fatalf("expected failure")
	}
	// one attempt plus one retry
	if env.sessions.captures != 2 {
		t.Errorf("captures = %d, want 2", env.sessions.captures)
	}
}

func TestRunCycle_LostSessionIsForgotten(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})
	if _, err := env.store.Update("widget", func(p *registry.ProjectRecord) error {
		p.LastSessionID = "old-pane"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	rep := env.cycle(t)
	if !rep.Outcomes[0].Failed || !strings.Contains(rep.Outcomes[0].Error, "session") {
		t.Fatalf("expected session-gone failure, got %+v", rep.Outcomes[0])
	}
	if len(env.sessions.forgotten) != 1 || env.sessions.forgotten[0] != "old-pane" {
		t.Errorf("forgotten = %v", env.sessions.forgotten)
	}
	if rec := env.get(t, "widget"); rec.LastSessionID != "" {
		t.Errorf("LastSessionID = %q, want cleared", rec.LastSessionID)
	}

	env.sessions.add("widget-agent", snapshot.Snapshot{IsBusy: true})
	rep = env.cycle(t)
	if rep.Outcomes[0].Failed {
		t.Errorf("rediscovery failed: %+v", rep.Outcomes[0])
	}
	if rec := env.get(t, "widget"); rec.LastSessionID != "widget-agent" {
		t.Errorf("LastSessionID = %q, want widget-agent", rec.LastSessionID)
	}
}

func TestRunCycle_NoSessionCountsAsFailure(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})

	rep := env.cycle(t)
	if !rep.Outcomes[0].Failed || !strings.Contains(rep.Outcomes[0].Error, ErrNoSession.Error()) {
		t.Errorf("outcome = %+v", rep.Outcomes[0])
	}
	if env.get(t, "widget").ConsecutiveErrorCount != 1 {
		t.Errorf("missing session not counted")
	}
}

func TestRunCycle_PanicIsolated(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		cfg := config.Default()
		cfg.Orchestrator.Concurrency = concurrency
		env := setupTest(t, cfg)
		env.register(t, "alpha", config.ProjectConfig{})
		env.register(t, "bravo", config.ProjectConfig{})
		env.register(t, "charlie", config.ProjectConfig{})
		env.sessions.add("alpha", snapshot.Snapshot{IsBusy: true})
		env.sessions.add("bravo", snapshot.Snapshot{IsBusy: true})
		env.sessions.add("charlie", snapshot.Snapshot{IsBusy: true})
		env.sessions.panicOn["bravo"] = true

		rep := env.cycle(t)
		if len(rep.Outcomes) != 3 {
			t.Fatalf("concurrency %d: outcomes = %d, want 3", concurrency, len(rep.Outcomes))
		}
		if rep.Failures != 1 {
			t.Errorf("concurrency %d: failures = %d, want 1", concurrency, rep.Failures)
		}
		for _, oc := range rep.Outcomes {
			wantFail := oc.Project == "bravo"
			if oc.Failed != wantFail {
				t.Errorf("concurrency %d: %s failed=%v", concurrency, oc.Project, oc.Failed)
			}
		}
		if !strings.Contains(env.get(t, "bravo").LastError, "panic") {
			t.Errorf("concurrency %d: panic not recorded", concurrency)
		}
	}
}

func TestRunCycle_ApprovalDeferralIsNotFailure(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{
		Phases: []string{"plan", "build"}, AutoProgress: true, RequireApproval: true,
	})
	env.sessions.add("widget", phaseDone())

	rep := env.cycle(t)
	if rep.Outcomes[0].Failed {
		t.Fatalf("deferred transition counted as failure: %+v", rep.Outcomes[0])
	}
	if rec := env.get(t, "widget"); rec.CurrentPhase != "plan" || rec.ConsecutiveErrorCount != 0 {
		t.Errorf("record = phase %q errors %d", rec.CurrentPhase, rec.ConsecutiveErrorCount)
	}

	if _, err := env.store.Approve("widget"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	env.cycle(t)
	if rec := env.get(t, "widget"); rec.CurrentPhase != "build" {
		t.Errorf("phase = %q after approval, want build", rec.CurrentPhase)
	}
}

func TestRunCycle_ResourceSampling(t *testing.T) {
	env := setupTest(t, nil)
	rss := uint64(100)
	env.orch.sampler = func(context.Context) (resource.Sample, error) {
		rss += 10
		return resource.Sample{CPUPercent: 2.5, RSSBytes: rss}, nil
	}
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("widget", snapshot.Snapshot{IsBusy: true})

	env.cycle(t)
	env.cycle(t)

	st := env.orch.Stats()
	if st.Cycles != 2 {
		t.Errorf("Cycles = %d, want 2", st.Cycles)
	}
	if st.Resources.Cycles != 2 || st.Resources.MeanRSSDelta != 10 {
		t.Errorf("resources = %+v", st.Resources)
	}
}

// --- Run loop and recovery ---

func TestRun_NoProjects(t *testing.T) {
	env := setupTest(t, nil)
	if err := env.orch.Run(context.Background()); !errors.Is(err, ErrNoProjects) {
		t.Errorf("Run = %v, want ErrNoProjects", err)
	}
}

func TestRun_StopsOnCancelAndSavesRecovery(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("widget", snapshot.Snapshot{IsBusy: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cycles := 0
	env.orch.sleep = func(ctx context.Context, _ time.Duration) error {
		cycles++
		if cycles == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	if err := env.orch.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := recovery.Load(recovery.Path(env.home), nil)
	if snap == nil {
		t.Fatal("recovery snapshot not written")
	}
	if snap.Stats.Cycles != 2 {
		t.Errorf("saved cycles = %d, want 2", snap.Stats.Cycles)
	}
	s, ok := snap.Session("widget")
	if !ok || s.SessionID != "widget" {
		t.Errorf("saved session = %+v", s)
	}
}

func TestRecoverSessions(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{Repo: "acme/widget-api"})
	env.sessions.add("agent-7", snapshot.Snapshot{IsBusy: true})
	env.sessions.add("scratch", snapshot.Snapshot{IsBusy: true})

	err := recovery.Save(recovery.Path(env.home), recovery.Snapshot{
		SavedAt:  time.Now().Add(-time.Hour),
		Projects: []recovery.ProjectSession{{Name: "widget", SessionID: "agent-7"}},
		Stats:    recovery.AggregateStats{Cycles: 40},
	})
	if err != nil {
		t.Fatal(err)
	}

	matches := env.orch.RecoverSessions(context.Background())
	if len(matches) != 1 || matches[0].Handle != "agent-7" {
		t.Fatalf("matches = %+v", matches)
	}
	if rec := env.get(t, "widget"); rec.LastSessionID != "agent-7" {
		t.Errorf("LastSessionID = %q", rec.LastSessionID)
	}
	if env.orch.Stats().Cycles != 40 {
		t.Errorf("aggregate stats not restored")
	}
	events, _ := env.database.GetProjectEvents("widget", 0)
	if !hasEvent(events, db.EventRecovered) {
		t.Errorf("no recovery event")
	}

	rep := env.cycle(t)
	if rep.Outcomes[0].Failed {
		t.Errorf("recovered session unusable: %+v", rep.Outcomes[0])
	}
}

func TestRecoverSessions_StaleSnapshotIgnored(t *testing.T) {
	env := setupTest(t, nil)
	env.register(t, "widget", config.ProjectConfig{})
	env.sessions.add("agent-7", snapshot.Snapshot{IsBusy: true})

	err := recovery.Save(recovery.Path(env.home), recovery.Snapshot{
		SavedAt:  time.Now().Add(-48 * time.Hour),
		Projects: []recovery.ProjectSession{{Name: "widget", SessionID: "agent-7"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if m := env.orch.RecoverSessions(context.Background()); len(m) != 0 {
		t.Errorf("stale snapshot used: %+v", m)
	}
}
