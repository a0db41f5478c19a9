package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/decision"
)

// DecisionRow represents a row in the decisions table.
type DecisionRow struct {
	ID             string
	Project        string
	Phase          string
	State          string
	Action         string
	Method         string
	Command        string
	SkillRef       string
	Reasoning      string
	Confidence     float64
	CostUSD        float64
	FallbackReason string
	Timestamp      string
}

// ActionResultRow represents a row in the action_results table.
type ActionResultRow struct {
	ID         int
	DecisionID string
	Project    string
	Action     string
	Success    bool
	Attempts   int
	Factors    int
	Message    string
	Timestamp  string
}

// CostRow represents a row in the cost_entries table.
type CostRow struct {
	ID          int
	Project     string
	Model       string
	InputUnits  int
	OutputUnits int
	USD         float64
	Timestamp   string
}

// CycleRow represents a row in the cycles table.
type CycleRow struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Projects   int
	Failures   int
	Decisions  int
	CostUSD    float64
	CPUPercent float64
	RSSBytes   uint64
}

// ProjectEvent represents a row in the project_events table.
type ProjectEvent struct {
	ID        int
	Project   string
	Event     string
	Detail    string
	Timestamp string
}

// Project lifecycle event names.
const (
	EventRegistered   = "registered"
	EventUnregistered = "unregistered"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventReset        = "reset"
	EventApproved     = "approved"
	EventQuarantined  = "quarantined"
	EventPhaseAdvance = "phase_advanced"
	EventCompleted    = "completed"
	EventNotified     = "notified"
	EventRecovered    = "session_recovered"
	EventFailure      = "pipeline_failure"
)

// LogDecision inserts a decision. Re-logging the same ID is a no-op.
func (d *DB) LogDecision(project, phase string, dec decision.Decision) error {
	_, err := d.exec(
		`INSERT INTO decisions (id, project, phase, state, action, method, command, skill_ref, reasoning, confidence, cost_usd, fallback_reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		dec.ID, project, phase, dec.State.String(), string(dec.Action), string(dec.Method),
		dec.Command, dec.SkillRef, dec.Reasoning, dec.Confidence, dec.CostUSD, dec.FallbackReason,
		FormatTime(dec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// GetDecisions returns the most recent decisions for a project, newest
// first. An empty project returns decisions for every project.
func (d *DB) GetDecisions(project string, limit int) ([]DecisionRow, error) {
	q := `SELECT id, project, phase, state, action, method, command, skill_ref, reasoning, confidence, cost_usd, fallback_reason, timestamp
		FROM decisions`
	var args []any
	if project != "" {
		q += ` WHERE project = ?`
		args = append(args, project)
	}
	q += ` ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("get decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var r DecisionRow
		var phase, command, skill, reasoning, fallback sql.NullString
		if err := rows.Scan(&r.ID, &r.Project, &phase, &r.State, &r.Action, &r.Method, &command, &skill,
			&reasoning, &r.Confidence, &r.CostUSD, &fallback, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.Phase, r.Command, r.SkillRef = phase.String, command.String, skill.String
		r.Reasoning, r.FallbackReason = reasoning.String, fallback.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogActionResult inserts the outcome of executing a decision.
func (d *DB) LogActionResult(r ActionResultRow) error {
	ts := r.Timestamp
	if ts == "" {
		ts = FormatTime(time.Now())
	}
	_, err := d.exec(
		`INSERT INTO action_results (decision_id, project, action, success, attempts, factors, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.DecisionID, r.Project, r.Action, r.Success, r.Attempts, r.Factors, r.Message, ts,
	)
	if err != nil {
		return fmt.Errorf("log action result: %w", err)
	}
	return nil
}

// LogCost inserts a cost entry. It makes *DB a cost.Sink.
func (d *DB) LogCost(e cost.Entry) error {
	_, err := d.exec(
		`INSERT INTO cost_entries (project, model, input_units, output_units, usd, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Project, e.Model, e.InputUnits, e.OutputUnits, e.USD, FormatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("log cost entry: %w", err)
	}
	return nil
}

var _ cost.Sink = (*DB)(nil)

// GetCostEntries returns cost entries at or after since, oldest first.
func (d *DB) GetCostEntries(since string) ([]CostRow, error) {
	q := `SELECT id, project, model, input_units, output_units, usd, timestamp FROM cost_entries`
	var args []any
	if since != "" {
		q += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	q += ` ORDER BY timestamp ASC, id ASC`

	rows, err := d.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("get cost entries: %w", err)
	}
	defer rows.Close()

	var out []CostRow
	for rows.Next() {
		var r CostRow
		var model sql.NullString
		if err := rows.Scan(&r.ID, &r.Project, &model, &r.InputUnits, &r.OutputUnits, &r.USD, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		r.Model = model.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogCycle inserts one completed orchestrator cycle.
func (d *DB) LogCycle(c CycleRow) error {
	_, err := d.exec(
		`INSERT INTO cycles (id, started_at, finished_at, projects, failures, decisions, cost_usd, cpu_percent, rss_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, FormatTime(c.StartedAt), FormatTime(c.FinishedAt), c.Projects, c.Failures, c.Decisions,
		c.CostUSD, c.CPUPercent, int64(c.RSSBytes),
	)
	if err != nil {
		return fmt.Errorf("log cycle: %w", err)
	}
	return nil
}

// CountCycles returns the number of recorded cycles.
func (d *DB) CountCycles() (int, error) {
	var n int
	if err := d.queryRow(`SELECT COUNT(*) FROM cycles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cycles: %w", err)
	}
	return n, nil
}

// LogProjectEvent inserts a project lifecycle event.
func (d *DB) LogProjectEvent(project, event, detail string) error {
	_, err := d.exec(
		`INSERT INTO project_events (project, event, detail, timestamp) VALUES (?, ?, ?, ?)`,
		project, event, detail, FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("log project event: %w", err)
	}
	return nil
}

// GetProjectEvents returns the most recent lifecycle events for a project,
// newest first.
func (d *DB) GetProjectEvents(project string, limit int) ([]ProjectEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.query(
		`SELECT id, project, event, detail, timestamp FROM project_events
		 WHERE project = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get project events: %w", err)
	}
	defer rows.Close()

	var out []ProjectEvent
	for rows.Next() {
		var e ProjectEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Project, &e.Event, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan project event: %w", err)
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
