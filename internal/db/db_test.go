package db

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/snapshot"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Idempotent.
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestDialectAndRebind(t *testing.T) {
	if DialectOf("postgres://u@h/db") != Postgres || DialectOf("postgresql://h/db") != Postgres {
		t.Error("postgres URLs should select Postgres")
	}
	if DialectOf("/tmp/x.db") != SQLite || DialectOf(":memory:") != SQLite {
		t.Error("paths should select SQLite")
	}

	pg := &DB{dialect: Postgres}
	got := pg.Rebind("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
	lite := &DB{dialect: SQLite}
	if lite.Rebind("a = ?") != "a = ?" {
		t.Error("SQLite queries must not be rewritten")
	}
}

func TestPostgresSchemaUsesSerial(t *testing.T) {
	pg := &DB{dialect: Postgres}
	for _, stmt := range pg.schema() {
		if strings.Contains(stmt, "AUTOINCREMENT") {
			t.Errorf("postgres schema contains AUTOINCREMENT: %s", stmt)
		}
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	if err := d.LogProjectEvent("p", EventRegistered, ""); err != nil {
		t.Fatal(err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	events, err := d.GetProjectEvents("p", 10)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events after reset, got %d", len(events))
	}
}

func TestLogDecision(t *testing.T) {
	d := testDB(t)
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	decs := []decision.Decision{
		{ID: "a", Action: decision.ActionContinue, Method: decision.MethodRuleBased, State: snapshot.StateHasPendingWork,
			Command: "continue", Reasoning: "2 of 3 todos remain", Confidence: 0.9, Timestamp: base},
		{ID: "b", Action: decision.ActionUseSkill, Method: decision.MethodDelegated, State: snapshot.StateErroring,
			SkillRef: "skills/fix", Confidence: 0.8, CostUSD: 0.012, Timestamp: base.Add(time.Minute)},
		{ID: "c", Action: decision.ActionWait, Method: decision.MethodRuleBased, State: snapshot.StateBusy,
			FallbackReason: "cost governor veto", Confidence: 0.95, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, dec := range decs {
		if err := d.LogDecision("alpha", "build", dec); err != nil {
			t.Fatalf("LogDecision %s: %v", dec.ID, err)
		}
	}
	if err := d.LogDecision("beta", "", decision.Decision{ID: "z", Action: decision.ActionNotify, Method: decision.MethodRuleBased, Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	// Duplicate ID is ignored.
	if err := d.LogDecision("alpha", "build", decs[0]); err != nil {
		t.Fatalf("duplicate LogDecision: %v", err)
	}

	rows, err := d.GetDecisions("alpha", 0)
	if err != nil {
		t.Fatalf("GetDecisions: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].ID != "c" {
		t.Errorf("newest first: got %s", rows[0].ID)
	}
	if rows[0].FallbackReason != "cost governor veto" || rows[0].State != "busy" {
		t.Errorf("row c = %+v", rows[0])
	}
	if rows[1].SkillRef != "skills/fix" || rows[1].CostUSD != 0.012 {
		t.Errorf("row b = %+v", rows[1])
	}
	if rows[2].Timestamp != "2026-10-14 09:00:00" {
		t.Errorf("timestamp = %q", rows[2].Timestamp)
	}

	limited, _ := d.GetDecisions("", 2)
	if len(limited) != 2 {
		t.Errorf("limit: got %d", len(limited))
	}
}

func TestLogDecisionRejectsUnknownAction(t *testing.T) {
	d := testDB(t)
	err := d.LogDecision("p", "", decision.Decision{ID: "x", Action: "dance", Method: decision.MethodRuleBased})
	if err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
}

func TestLogActionResult(t *testing.T) {
	d := testDB(t)
	if err := d.LogActionResult(ActionResultRow{DecisionID: "a", Project: "p", Action: "continue", Success: true, Attempts: 2, Factors: 3}); err != nil {
		t.Fatalf("LogActionResult: %v", err)
	}
	var success bool
	var attempts int
	if err := d.conn.QueryRow("SELECT success, attempts FROM action_results WHERE decision_id = 'a'").Scan(&success, &attempts); err != nil {
		t.Fatal(err)
	}
	if !success || attempts != 2 {
		t.Errorf("success=%v attempts=%d", success, attempts)
	}
}

func TestLogCost(t *testing.T) {
	d := testDB(t)
	var sink cost.Sink = d
	base := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	for i, usd := range []float64{0.01, 0.02, 0.04} {
		if err := sink.LogCost(cost.Entry{Project: "p", Model: "m", USD: usd, InputUnits: 100, At: base.AddDate(0, 0, i)}); err != nil {
			t.Fatalf("LogCost: %v", err)
		}
	}

	all, err := d.GetCostEntries("")
	if err != nil {
		t.Fatalf("GetCostEntries: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries", len(all))
	}
	since, _ := d.GetCostEntries("2026-10-15")
	if len(since) != 2 || since[0].USD != 0.02 {
		t.Errorf("since = %+v", since)
	}
}

func TestLogCycle(t *testing.T) {
	d := testDB(t)
	start := time.Now()
	if err := d.LogCycle(CycleRow{ID: "c1", StartedAt: start, FinishedAt: start.Add(time.Second), Projects: 3, Failures: 1, Decisions: 2, RSSBytes: 1 << 20}); err != nil {
		t.Fatalf("LogCycle: %v", err)
	}
	n, err := d.CountCycles()
	if err != nil || n != 1 {
		t.Errorf("CountCycles = %d, %v", n, err)
	}
}

func TestProjectEvents(t *testing.T) {
	d := testDB(t)
	for _, ev := range []string{EventRegistered, EventQuarantined, EventReset} {
		if err := d.LogProjectEvent("p", ev, "detail "+ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.LogProjectEvent("other", EventRegistered, ""); err != nil {
		t.Fatal(err)
	}

	events, err := d.GetProjectEvents("p", 2)
	if err != nil {
		t.Fatalf("GetProjectEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Event != EventReset {
		t.Errorf("newest event = %s, want reset", events[0].Event)
	}
}
