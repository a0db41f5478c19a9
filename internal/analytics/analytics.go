// Package analytics answers reporting queries over the event database.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

func query(database DB, q string, args ...any) (*sql.Rows, error) {
	return database.Conn().Query(database.Rebind(q), args...)
}

func since(q, column, from string, args []any) (string, []any) {
	if from == "" {
		return q, args
	}
	return q + ` AND ` + column + ` >= ?`, append(args, from)
}

// DecisionMix counts decisions per method and action.
type DecisionMix struct {
	Method  string  `json:"method"`
	Action  string  `json:"action"`
	Count   int     `json:"count"`
	Share   float64 `json:"share_pct"`
	AvgConf float64 `json:"avg_confidence"`
}

// QueryDecisionMix returns how decisions split across strategy and action.
func QueryDecisionMix(database DB, from string) ([]DecisionMix, error) {
	q, args := since(`SELECT method, action, COUNT(*), AVG(confidence) FROM decisions WHERE 1 = 1`, "timestamp", from, nil)
	q += ` GROUP BY method, action`

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decision mix: %w", err)
	}
	defer rows.Close()

	var results []DecisionMix
	total := 0
	for rows.Next() {
		var m DecisionMix
		if err := rows.Scan(&m.Method, &m.Action, &m.Count, &m.AvgConf); err != nil {
			return nil, fmt.Errorf("scan decision mix: %w", err)
		}
		m.AvgConf = math.Round(m.AvgConf*100) / 100
		total += m.Count
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Share = pct(results[i].Count, total)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		if results[i].Method != results[j].Method {
			return results[i].Method < results[j].Method
		}
		return results[i].Action < results[j].Action
	})
	return results, nil
}

// FallbackReason counts rule-based fallbacks per reason.
type FallbackReason struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// fallbackPrefixes are the stable prefixes of fallback reasons; anything
// after ": " is the error detail and is grouped away.
var fallbackPrefixes = []string{
	"reasoning disabled",
	"no credential",
	"cost governor veto",
	"reasoning call failed",
	"response parse failed",
}

// QueryFallbackReasons returns why delegated decisions fell back to rules.
func QueryFallbackReasons(database DB, from string) ([]FallbackReason, error) {
	q, args := since(`SELECT fallback_reason FROM decisions WHERE fallback_reason IS NOT NULL AND fallback_reason != ''`, "timestamp", from, nil)

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query fallback reasons: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		if err := rows.Scan(&reason); err != nil {
			return nil, fmt.Errorf("scan fallback reason: %w", err)
		}
		counts[groupReason(reason)]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []FallbackReason
	for r, n := range counts {
		results = append(results, FallbackReason{Reason: r, Count: n})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Reason < results[j].Reason
	})
	return results, nil
}

func groupReason(reason string) string {
	for _, p := range fallbackPrefixes {
		if len(reason) >= len(p) && reason[:len(p)] == p {
			return p
		}
	}
	return reason
}

// DailySpend is spend for one project on one day.
type DailySpend struct {
	Day         string  `json:"day"`
	Project     string  `json:"project"`
	Calls       int     `json:"calls"`
	InputUnits  int     `json:"input_units"`
	OutputUnits int     `json:"output_units"`
	USD         float64 `json:"usd"`
}

// QueryDailySpend returns reasoning spend per project per day.
func QueryDailySpend(database DB, from string) ([]DailySpend, error) {
	q, args := since(`SELECT SUBSTR(timestamp, 1, 10) AS day, project, COUNT(*), SUM(input_units), SUM(output_units), SUM(usd)
		FROM cost_entries WHERE 1 = 1`, "timestamp", from, nil)
	q += ` GROUP BY SUBSTR(timestamp, 1, 10), project ORDER BY day, project`

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily spend: %w", err)
	}
	defer rows.Close()

	var results []DailySpend
	for rows.Next() {
		var s DailySpend
		if err := rows.Scan(&s.Day, &s.Project, &s.Calls, &s.InputUnits, &s.OutputUnits, &s.USD); err != nil {
			return nil, fmt.Errorf("scan daily spend: %w", err)
		}
		s.USD = math.Round(s.USD*10000) / 10000
		results = append(results, s)
	}
	return results, rows.Err()
}

// ActionSuccess is the execution success rate for one action kind.
type ActionSuccess struct {
	Action      string  `json:"action"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"success_pct"`
	AvgAttempts float64 `json:"avg_attempts"`
	P95Attempts float64 `json:"p95_attempts"`
}

// QueryActionSuccess returns verification success rates per action.
func QueryActionSuccess(database DB, from string) ([]ActionSuccess, error) {
	q, args := since(`SELECT action, success, attempts FROM action_results WHERE 1 = 1`, "timestamp", from, nil)

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query action success: %w", err)
	}
	defer rows.Close()

	type agg struct {
		total, ok int
		attempts  []float64
	}
	byAction := make(map[string]*agg)
	for rows.Next() {
		var action string
		var success bool
		var attempts int
		if err := rows.Scan(&action, &success, &attempts); err != nil {
			return nil, fmt.Errorf("scan action result: %w", err)
		}
		a, ok := byAction[action]
		if !ok {
			a = &agg{}
			byAction[action] = a
		}
		a.total++
		if success {
			a.ok++
		}
		a.attempts = append(a.attempts, float64(attempts))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []ActionSuccess
	for action, a := range byAction {
		sort.Float64s(a.attempts)
		results = append(results, ActionSuccess{
			Action:      action,
			Total:       a.total,
			SuccessRate: pct(a.ok, a.total),
			AvgAttempts: avg(a.attempts),
			P95Attempts: percentile(a.attempts, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Action < results[j].Action })
	return results, nil
}

// CycleStats summarizes orchestrator cycles.
type CycleStats struct {
	Cycles      int     `json:"cycles"`
	Failures    int     `json:"failures"`
	AvgSeconds  float64 `json:"avg_seconds"`
	P50Seconds  float64 `json:"p50_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
	TotalUSD    float64 `json:"total_usd"`
	MaxRSSBytes int64   `json:"max_rss_bytes"`
}

// QueryCycleStats returns duration percentiles and totals across cycles.
func QueryCycleStats(database DB, from string) (CycleStats, error) {
	q, args := since(`SELECT started_at, finished_at, failures, cost_usd, rss_bytes FROM cycles WHERE 1 = 1`, "started_at", from, nil)

	rows, err := query(database, q, args...)
	if err != nil {
		return CycleStats{}, fmt.Errorf("query cycle stats: %w", err)
	}
	defer rows.Close()

	var stats CycleStats
	var durations []float64
	for rows.Next() {
		var startTS, endTS string
		var failures int
		var usd float64
		var rss sql.NullInt64
		if err := rows.Scan(&startTS, &endTS, &failures, &usd, &rss); err != nil {
			return CycleStats{}, fmt.Errorf("scan cycle: %w", err)
		}
		stats.Cycles++
		stats.Failures += failures
		stats.TotalUSD += usd
		if rss.Valid && rss.Int64 > stats.MaxRSSBytes {
			stats.MaxRSSBytes = rss.Int64
		}
		start, err := parseTimestamp(startTS)
		if err != nil {
			continue
		}
		end, err := parseTimestamp(endTS)
		if err != nil {
			continue
		}
		if d := end.Sub(start).Seconds(); d >= 0 {
			durations = append(durations, d)
		}
	}
	if err := rows.Err(); err != nil {
		return CycleStats{}, err
	}

	sort.Float64s(durations)
	stats.AvgSeconds = avg(durations)
	stats.P50Seconds = percentile(durations, 50)
	stats.P95Seconds = percentile(durations, 95)
	stats.TotalUSD = math.Round(stats.TotalUSD*10000) / 10000
	return stats, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
