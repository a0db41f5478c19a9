package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// withConfigFile points --config at a file holding body for one test.
func withConfigFile(t *testing.T, dir, body string) {
	t.Helper()
	path := filepath.Join(dir, "steward.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

func TestNewApp_LoopDetectedWithSmallHistoryWindow(t *testing.T) {
	home := isolatedHome(t)
	withConfigFile(t, home, "database_url: \":memory:\"\nreasoning:\n  history_window: 2\nloop_detection:\n  window: 3\n")

	a, err := newApp(false)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	if _, err := a.store.Register(registry.RegisterOpts{
		Name:   "alpha",
		Config: config.ProjectConfig{RepoPath: "/src/alpha"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	engine := decision.NewEngine(decision.EngineOptions{LoopWindow: a.cfg.LoopDetection.Window})
	in := decision.Input{
		Project:  "alpha",
		State:    snapshot.StateHasPendingWork,
		Snapshot: snapshot.Snapshot{HasInputField: true, Todos: snapshot.Todos{Total: 4, Completed: 1}},
	}
	history := func() []decision.Decision {
		h, err := a.store.History("alpha", a.cfg.DecisionHistory())
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		return h
	}

	for i := 0; i < a.cfg.LoopDetection.Window; i++ {
		in.History = history()
		d := engine.Decide(context.Background(), in)
		if d.Action != decision.ActionContinue {
			t.Fatalf("decision %d = %s, want continue", i+1, d.Action)
		}
		if err := a.store.AppendDecision("alpha", d); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	in.History = history()
	if len(in.History) != 3 {
		t.Fatalf("persisted history = %d decisions, want 3", len(in.History))
	}
	if d := engine.Decide(context.Background(), in); d.Action != decision.ActionNotify {
		t.Errorf("decision after repeats = %s, want notify", d.Action)
	}
}
