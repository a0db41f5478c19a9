package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/snapshot"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func reg(name string, phases ...string) RegisterOpts {
	return RegisterOpts{
		Name:   name,
		Config: config.ProjectConfig{Repo: "acme/" + name, RepoPath: "/src/" + name, Phases: phases},
	}
}

func TestRegisterAndGet(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Register(reg("widget", "plan", "implement", "review"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.Status != StatusActive {
		t.Errorf("Status = %q, want active", rec.Status)
	}
	if rec.CurrentPhase != "plan" {
		t.Errorf("CurrentPhase = %q, want plan", rec.CurrentPhase)
	}
	if rec.ConfigRef != "registry" {
		t.Errorf("ConfigRef = %q, want registry", rec.ConfigRef)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	got, err := s.Get("widget")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Config.Repo != "acme/widget" {
		t.Errorf("Config.Repo = %q", got.Config.Repo)
	}
	if len(got.Config.Phases) != 3 {
		t.Errorf("Phases = %v", got.Config.Phases)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register(reg("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := s.Register(reg("a"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestRegisterInvalidName(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", "../etc", "a/b", ".hidden", strings.Repeat("x", 65)} {
		if _, err := s.Register(reg(name)); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Register(%q) err = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestRegisterStartPhase(t *testing.T) {
	s := newTestStore(t)

	opts := reg("typo", "design", "build", "test")
	opts.Phase = "desing"
	if _, err := s.Register(opts); !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("err = %v, want ErrUnknownPhase", err)
	}
	if _, err := s.Get("typo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected project was written: %v", err)
	}

	opts = reg("mid", "design", "build", "test")
	opts.Phase = "build"
	rec, err := s.Register(opts)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.CurrentPhase != "build" || !rec.KnownPhase() {
		t.Errorf("CurrentPhase = %q", rec.CurrentPhase)
	}

	opts = reg("free")
	opts.Phase = "anything"
	if _, err := s.Register(opts); err != nil {
		t.Errorf("unphased project should accept any start phase: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetCorrupt(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.BaseDir(), "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "project.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("broken"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Get err = %v, want ErrCorrupt", err)
	}
	if _, err := s.List(""); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("List err = %v, want ErrCorrupt", err)
	}
	if _, err := s.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Verify err = %v, want ErrCorrupt", err)
	}
}

func TestGetUnknownStatusIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(s.BaseDir(), "p", "project.json")
	data, _ := os.ReadFile(path)
	data = []byte(strings.Replace(string(data), `"active"`, `"sleeping"`, 1))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("p"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestUpdate(t *testing.T) {
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	now := base
	s := newTestStore(t).WithClock(func() time.Time { return now })
	if _, err := s.Register(reg("p", "plan", "build")); err != nil {
		t.Fatal(err)
	}

	now = base.Add(time.Hour)
	rec, err := s.Update("p", func(r *ProjectRecord) error {
		r.CurrentPhase = "build"
		r.LastSessionID = "sess-1"
		r.Name = "renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Name != "p" {
		t.Errorf("Name = %q, Update must not rename", rec.Name)
	}
	if !rec.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, now)
	}

	got, _ := s.Get("p")
	if got.CurrentPhase != "build" || got.LastSessionID != "sess-1" {
		t.Errorf("persisted = %+v", got)
	}
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}
	wantErr := errors.New("nope")
	_, err := s.Update("p", func(r *ProjectRecord) error {
		r.Status = StatusPaused
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	got, _ := s.Get("p")
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want unchanged active", got.Status)
	}
}

func TestUpdateConcurrent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update("p", func(r *ProjectRecord) error {
				r.ConsecutiveErrorCount++
				return nil
			}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("p")
	if got.ConsecutiveErrorCount != 20 {
		t.Errorf("ConsecutiveErrorCount = %d, want 20", got.ConsecutiveErrorCount)
	}
}

func TestListFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	for _, n := range []string{"charlie", "alpha", "bravo"} {
		if _, err := s.Register(reg(n)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.SetStatus("bravo", StatusPaused); err != nil {
		t.Fatal(err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].Name != "alpha" || all[2].Name != "charlie" {
		t.Errorf("List order = %v", names(all))
	}

	active, _ := s.List(StatusActive)
	if len(active) != 2 {
		t.Errorf("active = %v, want 2", names(active))
	}
	paused, _ := s.List(StatusPaused)
	if len(paused) != 1 || paused[0].Name != "bravo" {
		t.Errorf("paused = %v", names(paused))
	}
}

func TestListEmptyDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	got, err := s.List("")
	if err != nil || len(got) != 0 {
		t.Fatalf("List = %v, %v", got, err)
	}
}

func TestUnregister(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDecision("p", decision.Decision{ID: "1", Action: decision.ActionWait}); err != nil {
		t.Fatal(err)
	}
	if err := s.Unregister("p"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := s.Get("p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Unregister err = %v", err)
	}
	if err := s.Unregister("p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Unregister err = %v", err)
	}
}

func TestSetStatusAndReset(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("p", func(r *ProjectRecord) error {
		r.ConsecutiveErrorCount = 5
		r.LastError = "capture failed"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := s.SetStatus("p", StatusQuarantined)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if rec.QuarantinedAt.IsZero() {
		t.Error("QuarantinedAt should be stamped")
	}

	if _, err := s.SetStatus("p", Status("bogus")); err == nil {
		t.Error("expected error for unknown status")
	}

	rec, err = s.Reset("p")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.Status != StatusActive || rec.ConsecutiveErrorCount != 0 || rec.LastError != "" || !rec.QuarantinedAt.IsZero() {
		t.Errorf("after Reset = %+v", rec)
	}
}

func TestApprove(t *testing.T) {
	s := newTestStore(t)
	o := reg("p", "plan", "build")
	o.Config.RequireApproval = true
	if _, err := s.Register(o); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get("p")
	if rec.Approved() {
		t.Fatal("should not be approved before Approve")
	}

	rec, err := s.Approve("p")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !rec.Approved() {
		t.Error("should be approved for current phase")
	}

	rec.CurrentPhase = "build"
	if rec.Approved() {
		t.Error("approval must not carry over to the next phase")
	}

	if _, err := s.Register(reg("nophase")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Approve("nophase"); err == nil {
		t.Error("expected error approving a project with no phase")
	}
}

func TestNextPhase(t *testing.T) {
	r := &ProjectRecord{Config: config.ProjectConfig{Phases: []string{"plan", "build", "ship"}}}
	tests := []struct {
		current string
		want    string
		ok      bool
	}{
		{"plan", "build", true},
		{"build", "ship", true},
		{"ship", "", false},
		{"unknown", "", false},
	}
	for _, tt := range tests {
		r.CurrentPhase = tt.current
		got, ok := r.NextPhase()
		if got != tt.want || ok != tt.ok {
			t.Errorf("NextPhase(%q) = %q, %v; want %q, %v", tt.current, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAppendDecisionAndHistory(t *testing.T) {
	s := newTestStore(t).WithHistoryWindow(5)
	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 8; i++ {
		d := decision.Decision{
			ID:     fmt.Sprintf("d-%d", i),
			Action: decision.ActionContinue,
			State:  snapshot.StateHasPendingWork,
			Method: decision.MethodRuleBased,
		}
		if err := s.AppendDecision("p", d); err != nil {
			t.Fatalf("AppendDecision %d: %v", i, err)
		}
	}

	all, err := s.History("p", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("window = %d, want 5", len(all))
	}
	if all[0].ID != "d-4" || all[4].ID != "d-8" {
		t.Errorf("window = %s..%s, want d-4..d-8", all[0].ID, all[4].ID)
	}
	if all[4].State != snapshot.StateHasPendingWork {
		t.Errorf("State = %v", all[4].State)
	}

	last2, _ := s.History("p", 2)
	if len(last2) != 2 || last2[0].ID != "d-7" {
		t.Errorf("History(2) = %v", last2)
	}

	archive, err := os.ReadFile(filepath.Join(s.BaseDir(), "p", "decisions-archive.jsonl"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(archive)), "\n")
	if len(lines) != 3 {
		t.Errorf("archive lines = %d, want 3", len(lines))
	}
	if !strings.Contains(lines[0], `"d-1"`) {
		t.Errorf("archive[0] = %s", lines[0])
	}
}

func TestHistoryErrors(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.History("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.AppendDecision("missing", decision.Decision{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if _, err := s.Register(reg("p")); err != nil {
		t.Fatal(err)
	}
	got, err := s.History("p", 10)
	if err != nil || len(got) != 0 {
		t.Errorf("empty history = %v, %v", got, err)
	}

	if err := os.WriteFile(filepath.Join(s.BaseDir(), "p", "decisions.json"), []byte("[{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.History("p", 0); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestParseStatus(t *testing.T) {
	for _, in := range []string{"active", "Paused", " quarantined ", "COMPLETE"} {
		if _, err := ParseStatus(in); err != nil {
			t.Errorf("ParseStatus(%q): %v", in, err)
		}
	}
	if _, err := ParseStatus(""); err == nil {
		t.Error("empty status should fail")
	}
}

func names(recs []ProjectRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}
