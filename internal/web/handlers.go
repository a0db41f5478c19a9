package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/lucasnoah/steward/internal/analytics"
	"github.com/lucasnoah/steward/internal/db"
	"github.com/lucasnoah/steward/internal/registry"
)

// ---- view models ----

// ProjectRow is one project in the overview list.
type ProjectRow struct {
	Name           string          `json:"name"`
	Status         registry.Status `json:"status"`
	Phase          string          `json:"phase"`
	Session        string          `json:"session,omitempty"`
	Failures       int             `json:"consecutive_failures"`
	LastError      string          `json:"last_error,omitempty"`
	LastActivityAt time.Time       `json:"last_activity_at,omitzero"`
	UpdatedAgo     string          `json:"updated_ago"`
}

// Overview is the body of GET /api/projects.
type Overview struct {
	Projects []ProjectRow            `json:"projects"`
	Counts   map[registry.Status]int `json:"counts"`
}

// Report is the body of GET /api/report.
type Report struct {
	DecisionMix     []analytics.DecisionMix    `json:"decision_mix"`
	FallbackReasons []analytics.FallbackReason `json:"fallback_reasons"`
	ActionSuccess   []analytics.ActionSuccess  `json:"action_success"`
	DailySpend      []analytics.DailySpend     `json:"daily_spend"`
	Cycles          analytics.CycleStats       `json:"cycles"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "read-only")
		return false
	}
	return true
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return min(n, 500)
		}
	}
	return def
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return strconv.Itoa(int(d.Hours()/24)) + "d ago"
	}
}

// ---- Projects ----

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	status := registry.Status("")
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := registry.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}
	recs, err := s.store.List(status)
	if err != nil {
		s.logger.Error("list projects", "error", err)
		writeError(w, http.StatusInternalServerError, "list projects failed")
		return
	}

	now := time.Now()
	out := Overview{Projects: make([]ProjectRow, 0, len(recs)), Counts: make(map[registry.Status]int)}
	for _, rec := range recs {
		out.Counts[rec.Status]++
		out.Projects = append(out.Projects, ProjectRow{
			Name:           rec.Name,
			Status:         rec.Status,
			Phase:          rec.CurrentPhase,
			Session:        rec.LastSessionID,
			Failures:       rec.ConsecutiveErrorCount,
			LastError:      rec.LastError,
			LastActivityAt: rec.LastActivityAt,
			UpdatedAgo:     relTime(rec.UpdatedAt, now),
		})
	}
	sort.Slice(out.Projects, func(i, j int) bool { return out.Projects[i].Name < out.Projects[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request, name string) {
	if !allowGet(w, r) {
		return
	}
	rec, err := s.store.Get(name)
	if err != nil {
		s.storeError(w, name, err)
		return
	}
	history, err := s.store.History(name, queryLimit(r, 10))
	if err != nil {
		s.storeError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": rec,
		"history": history,
	})
}

func (s *Server) storeError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "project not found: "+name)
		return
	}
	s.logger.Error("read project", "project", name, "error", err)
	writeError(w, http.StatusInternalServerError, "read project failed")
}

// ---- Decisions & events ----

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request, name string) {
	if !allowGet(w, r) {
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	rows, err := s.db.GetDecisions(name, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("query decisions", "project", name, "error", err)
		writeError(w, http.StatusInternalServerError, "query decisions failed")
		return
	}
	if rows == nil {
		rows = []db.DecisionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, name string) {
	if !allowGet(w, r) {
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	rows, err := s.db.GetProjectEvents(name, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("query events", "project", name, "error", err)
		writeError(w, http.StatusInternalServerError, "query events failed")
		return
	}
	if rows == nil {
		rows = []db.ProjectEvent{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// ---- Cost & report ----

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.cost == nil {
		writeError(w, http.StatusServiceUnavailable, "no cost ledger configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cost.Summary())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return
	}
	from := ""
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		from = db.FormatTime(time.Now().Add(-d))
	}

	rep, err := buildReport(s.db, from)
	if err != nil {
		s.logger.Error("build report", "error", err)
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func buildReport(database analytics.DB, from string) (Report, error) {
	var rep Report
	var err error
	if rep.DecisionMix, err = analytics.QueryDecisionMix(database, from); err != nil {
		return rep, err
	}
	if rep.FallbackReasons, err = analytics.QueryFallbackReasons(database, from); err != nil {
		return rep, err
	}
	if rep.ActionSuccess, err = analytics.QueryActionSuccess(database, from); err != nil {
		return rep, err
	}
	if rep.DailySpend, err = analytics.QueryDailySpend(database, from); err != nil {
		return rep, err
	}
	rep.Cycles, err = analytics.QueryCycleStats(database, from)
	return rep, err
}
