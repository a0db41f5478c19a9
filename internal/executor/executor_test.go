package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/errs"
	"github.com/lucasnoah/steward/internal/github"
	"github.com/lucasnoah/steward/internal/notify"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// --- Mocks ---

type mockSession struct {
	captures []snapshot.Snapshot
	idx      int
	sent     []string
	sendErr  error
	panicOn  bool
}

func (m *mockSession) CaptureSnapshot(_ context.Context, handle string) (snapshot.Snapshot, error) {
	if m.panicOn {
		panic("capture exploded")
	}
	if len(m.captures) == 0 {
		return snapshot.Snapshot{}, errors.New("no captures configured")
	}
	i := m.idx
	if i >= len(m.captures) {
		i = len(m.captures) - 1
	}
	m.idx++
	s := m.captures[i]
	s.SessionID = handle
	return s, nil
}

func (m *mockSession) SendInput(_ context.Context, _ string, text string) error {
	m.sent = append(m.sent, text)
	return m.sendErr
}

type mockVCS struct {
	commits   []string
	prs       []github.PRCreateOpts
	commitErr error
	prErr     error
}

func (m *mockVCS) Commit(_ context.Context, dir, message string) (github.CommitResult, error) {
	m.commits = append(m.commits, dir+"|"+message)
	if m.commitErr != nil {
		return github.CommitResult{}, m.commitErr
	}
	return github.CommitResult{ID: "abc123def4567890", Committed: true}, nil
}

func (m *mockVCS) RequestPullRequest(_ context.Context, _ string, opts github.PRCreateOpts) (*github.PRCreateResult, error) {
	m.prs = append(m.prs, opts)
	if m.prErr != nil {
		return nil, m.prErr
	}
	return &github.PRCreateResult{URL: "https://github.com/acme/widget/pull/9"}, nil
}

// --- Helpers ---

var (
	ready   = snapshot.Snapshot{HasInputField: true}
	working = snapshot.Snapshot{HasInputField: true, IsBusy: true, RecentHistory: []string{"> continue", "✻ Thinking…"}}
	ignored = snapshot.Snapshot{HasInputField: true, InputText: "continue",
		Errors: []snapshot.ErrorEntry{{Message: "Error: rate limit"}}}
)

type testEnv struct {
	exec    *Executor
	session *mockSession
	vcs     *mockVCS
	store   *registry.Store
	notes   *notify.Recorder
	retries []time.Duration
}

func setupTest(t *testing.T, cfg config.ExecutorConfig) *testEnv {
	t.Helper()
	env := &testEnv{
		session: &mockSession{},
		vcs:     &mockVCS{},
		store:   registry.NewStore(t.TempDir()),
		notes:   &notify.Recorder{},
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	env.exec = New(Options{
		Session:  env.session,
		VCS:      env.vcs,
		Store:    env.store,
		Notifier: env.notes,
		Config:   cfg,
		Sleep:    func(context.Context, time.Duration) error { return nil },
		OnRetry: func(_ string, _ int, delay time.Duration, _ error) {
			env.retries = append(env.retries, delay)
		},
	})
	return env
}

func register(t *testing.T, store *registry.Store, cfg config.ProjectConfig) registry.ProjectRecord {
	t.Helper()
	rec, err := store.Register(registry.RegisterOpts{Name: "widget", Config: cfg})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return *rec
}

// --- Delivery ---

func TestExecute_ContinueVerified(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{MaxRetries: 3})
	env.session.captures = []snapshot.Snapshot{ready, working}

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionContinue, Command: "continue"},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if FactorCount(res.Factors) != 4 {
		t.Errorf("factors = %b, want all four", res.Factors)
	}
	if len(env.session.sent) != 1 || env.session.sent[0] != "continue" {
		t.Errorf("sent = %v", env.session.sent)
	}
}

func TestExecute_RetriesExactlyMaxRetries(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{MaxRetries: 3, BackoffDoubling: true})
	env.session.captures = []snapshot.Snapshot{ready, ignored, ready, ignored, ready, ignored, ready, ignored}

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionContinue, Command: "continue"},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4 (1 + 3 retries)", res.Attempts)
	}
	if len(env.retries) != 3 {
		t.Fatalf("retries = %d, want 3", len(env.retries))
	}
	for i := 1; i < len(env.retries); i++ {
		if env.retries[i] < env.retries[i-1] {
			t.Errorf("retry delay decreased: %v", env.retries)
		}
	}
	if !errors.Is(res.Err, ErrNotVerified) || errs.KindOf(res.Err) != errs.KindPermanentAction {
		t.Errorf("Err = %v", res.Err)
	}
	if len(env.session.sent) != 4 {
		t.Errorf("sent %d times, want 4", len(env.session.sent))
	}
}

func TestExecute_LinearBackoff(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{MaxRetries: 2, RetryDelay: 2 * time.Millisecond})
	env.session.captures = []snapshot.Snapshot{ready, ignored}

	env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionContinue, Command: "continue"},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})

	if len(env.retries) != 2 || env.retries[0] != 2*time.Millisecond || env.retries[1] != 2*time.Millisecond {
		t.Errorf("retries = %v, want two constant 2ms delays", env.retries)
	}
}

func TestExecute_NoInputFieldIsTransient(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{MaxRetries: 1})
	env.session.captures = []snapshot.Snapshot{{IsBusy: true}}

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionContinue},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})

	if res.Success || !errs.IsTransient(res.Err) || !errors.Is(res.Err, ErrNoInputField) {
		t.Errorf("res = %+v", res)
	}
	if len(env.session.sent) != 0 {
		t.Error("nothing should be sent without an input field")
	}
}

func TestExecute_PermanentSendErrorStops(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{MaxRetries: 3})
	env.session.captures = []snapshot.Snapshot{ready}
	env.session.sendErr = errs.PermanentAction(errors.New("refusing"))

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionContinue, Command: "go"},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})

	if res.Success || res.Attempts != 1 {
		t.Errorf("res = %+v, want one failed attempt", res)
	}
}

func TestExecute_UseSkillResolvesCommand(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{MaxRetries: 0})
	env.session.captures = []snapshot.Snapshot{ready, {IsBusy: true}}
	cfg := config.ProjectConfig{Skills: []config.Skill{{Name: "fix-imports", Ref: "skills/fix-imports"}}}
	snap := snapshot.Snapshot{Errors: []snapshot.ErrorEntry{{Message: "Cannot find module './conn'"}}}

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionUseSkill, SkillRef: "skills/fix-imports"},
		Target{Project: registry.ProjectRecord{Name: "widget", Config: cfg}, Handle: "widget", Snapshot: snap})

	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	want := "Use the fix-imports skill to fix: Cannot find module './conn'"
	if env.session.sent[0] != want {
		t.Errorf("sent %q, want %q", env.session.sent[0], want)
	}
}

func TestExecute_UnknownSkill(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionUseSkill, SkillRef: "missing"},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})
	if res.Success || errs.KindOf(res.Err) != errs.KindPermanentAction {
		t.Errorf("res = %+v", res)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		before snapshot.Snapshot
		after  snapshot.Snapshot
		want   int
	}{
		{"all factors", ready, working, FactorInputCleared | FactorBusy | FactorInHistory | FactorNoNewError},
		{"ignored", ready, ignored, 0},
		{"existing error is not new", ignored, ignored, FactorNoNewError},
		{"input disabled", ready, snapshot.Snapshot{}, FactorInputCleared | FactorNoNewError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.before, tt.after, "continue"); got != tt.want {
				t.Errorf("Verify = %04b, want %04b", got, tt.want)
			}
		})
	}
}

// --- Phase transitions ---

var phaseDone = snapshot.Snapshot{HasInputField: true, Todos: snapshot.Todos{Total: 5, Completed: 5}}

func TestExecute_PhaseTransitionAdvances(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	rec := register(t, env.store, config.ProjectConfig{
		Repo: "acme/widget", RepoPath: "/src/widget", Branch: "steward/widget",
		Phases: []string{"plan", "build", "ship"}, AutoCommit: true,
	})

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: rec, Handle: "widget", Snapshot: phaseDone})

	if !res.Success {
		t.Fatalf("res = %+v", res)
	}
	if res.NewPhase != "build" || res.Completed {
		t.Errorf("NewPhase = %q, Completed = %v", res.NewPhase, res.Completed)
	}
	if res.CommitID != "abc123def4567890" || res.PRURL == "" {
		t.Errorf("commit/pr = %q/%q", res.CommitID, res.PRURL)
	}
	if len(env.vcs.commits) != 1 || !strings.HasPrefix(env.vcs.commits[0], "/src/widget|") {
		t.Errorf("commits = %v", env.vcs.commits)
	}
	if env.vcs.prs[0].Branch != "steward/widget" || env.vcs.prs[0].Repo != "acme/widget" {
		t.Errorf("pr opts = %+v", env.vcs.prs[0])
	}

	got, _ := env.store.Get("widget")
	if got.CurrentPhase != "build" || got.Status != registry.StatusActive {
		t.Errorf("record = %s/%s", got.CurrentPhase, got.Status)
	}
}

func TestExecute_FinalPhaseCompletes(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	rec := register(t, env.store, config.ProjectConfig{Phases: []string{"only"}})

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: rec, Handle: "widget", Snapshot: phaseDone})

	if !res.Success || !res.Completed {
		t.Fatalf("res = %+v", res)
	}
	if len(env.vcs.commits) != 0 {
		t.Error("auto_commit is off; no commit expected")
	}
	got, _ := env.store.Get("widget")
	if got.Status != registry.StatusComplete {
		t.Errorf("Status = %s, want complete", got.Status)
	}
}

func TestExecute_PhaseTransitionPreconditions(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	rec := register(t, env.store, config.ProjectConfig{Phases: []string{"a", "b"}})

	snap := snapshot.Snapshot{
		HasInputField: true,
		Todos:         snapshot.Todos{Total: 5, Completed: 3},
		Errors:        []snapshot.ErrorEntry{{Message: "FAIL x"}},
	}
	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: rec, Handle: "widget", Snapshot: snap})

	if res.Success || !errors.Is(res.Err, ErrPrecondition) {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Message, "2 todos pending") || !strings.Contains(res.Message, "1 active errors") {
		t.Errorf("Message = %q", res.Message)
	}
	got, _ := env.store.Get("widget")
	if got.CurrentPhase != "a" {
		t.Errorf("phase changed to %q", got.CurrentPhase)
	}
}

func TestExecute_UnknownPhaseNeverCompletes(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	rec := register(t, env.store, config.ProjectConfig{Phases: []string{"design", "build", "test"}})
	// The config file was edited after registration and dropped "design".
	rec.Config.Phases = []string{"plan", "build", "test"}

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: rec, Handle: "widget", Snapshot: phaseDone})

	if res.Success || res.Completed || !errors.Is(res.Err, ErrPrecondition) {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Message, `phase "design" is not one of`) {
		t.Errorf("Message = %q", res.Message)
	}
	got, _ := env.store.Get("widget")
	if got.Status != registry.StatusActive || got.CurrentPhase != "design" {
		t.Errorf("record = %s/%s, want design/active", got.CurrentPhase, got.Status)
	}
}

func TestExecute_PhaseTransitionAwaitsApproval(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	rec := register(t, env.store, config.ProjectConfig{Phases: []string{"a", "b"}, RequireApproval: true})

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: rec, Handle: "widget", Snapshot: phaseDone})
	if res.Success || !res.Deferred() {
		t.Fatalf("res = %+v, want deferred", res)
	}

	approved, err := env.store.Approve("widget")
	if err != nil {
		t.Fatal(err)
	}
	res = env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: *approved, Handle: "widget", Snapshot: phaseDone})
	if !res.Success || res.NewPhase != "b" {
		t.Errorf("after approval res = %+v", res)
	}
}

func TestExecute_VCSFailureReportedNotBlocking(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	env.vcs.commitErr = errors.New("git: index.lock exists")
	rec := register(t, env.store, config.ProjectConfig{RepoPath: "/src", Phases: []string{"a", "b"}, AutoCommit: true})

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionPhaseTransition},
		Target{Project: rec, Handle: "widget", Snapshot: phaseDone})

	if !res.Success || res.NewPhase != "b" {
		t.Fatalf("res = %+v", res)
	}
	if !strings.Contains(res.Message, "commit failed: git: index.lock exists") {
		t.Errorf("Message = %q", res.Message)
	}
	if len(env.vcs.prs) != 0 {
		t.Error("no PR should be requested after a failed commit")
	}
}

// --- Notify / Wait / panics ---

func TestExecute_NotifyAndWait(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	target := Target{Project: registry.ProjectRecord{Name: "widget", CurrentPhase: "build"}, Handle: "widget"}

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionNotify, Reasoning: "no skill matched", State: snapshot.StateErroring}, target)
	if !res.Success {
		t.Fatalf("notify res = %+v", res)
	}
	if len(env.notes.Sent) != 1 || env.notes.Sent[0].Phase != "build" || env.notes.Sent[0].Message != "no skill matched" {
		t.Errorf("sent = %+v", env.notes.Sent)
	}

	res = env.exec.Execute(context.Background(), decision.Decision{Action: decision.ActionWait, Reasoning: "busy"}, target)
	if !res.Success || len(env.session.sent) != 0 {
		t.Errorf("wait res = %+v", res)
	}
}

func TestExecute_RecoversPanic(t *testing.T) {
	env := setupTest(t, config.ExecutorConfig{})
	env.session.panicOn = true

	res := env.exec.Execute(context.Background(),
		decision.Decision{Action: decision.ActionContinue},
		Target{Project: registry.ProjectRecord{Name: "widget"}, Handle: "widget"})

	if res.Success || !strings.Contains(res.Message, "capture exploded") {
		t.Errorf("res = %+v", res)
	}
}
