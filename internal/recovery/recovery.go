// Package recovery persists the orchestrator's last known session
// associations across restarts and re-associates live sessions with
// registered projects on startup. The snapshot is a cache: losing it only
// means sessions are rediscovered.
package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/steward/internal/fsutil"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/resource"
)

// FileName is the snapshot file inside the state root.
const FileName = "recovery.json"

// DefaultMaxAge is how old a snapshot may be before it is ignored.
const DefaultMaxAge = 24 * time.Hour

// Match score components. A candidate is accepted at AcceptScore or above.
const (
	ScoreSessionID   = 100
	ScoreRepo        = 75
	ScoreProjectName = 50
	ScoreKeyword     = 25
	AcceptScore      = 50
)

// ProjectSession is the last known session of one project.
type ProjectSession struct {
	Name         string    `json:"name"`
	SessionID    string    `json:"session_id"`
	Phase        string    `json:"phase,omitempty"`
	LastActiveAt time.Time `json:"last_active_at,omitzero"`
}

// AggregateStats are cycle-level counters carried across restarts.
type AggregateStats struct {
	Cycles    int            `json:"cycles"`
	Decisions int            `json:"decisions"`
	Failures  int            `json:"failures"`
	CostUSD   float64        `json:"cost_usd"`
	Resources resource.Stats `json:"resources"`
}

// Snapshot is written once per shutdown and read once on startup.
type Snapshot struct {
	SavedAt  time.Time        `json:"saved_at"`
	Projects []ProjectSession `json:"projects"`
	Stats    AggregateStats   `json:"stats"`
}

// Path returns the snapshot path for a state root.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Save writes s atomically.
func Save(path string, s Snapshot) error {
	if err := fsutil.WriteJSON(path, s); err != nil {
		return fmt.Errorf("save recovery snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot at path. A missing or unreadable snapshot yields
// nil with no error; unreadable ones are logged.
func Load(path string, logger *logging.Logger) *Snapshot {
	var s Snapshot
	if err := fsutil.ReadJSON(path, &s); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.OrNop(logger).Warn("recovery snapshot unreadable, skipping recovery", "path", path, "error", err)
		}
		return nil
	}
	return &s
}

// IsStale reports whether the snapshot is older than maxAge at now.
func (s *Snapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	if s == nil {
		return true
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return now.Sub(s.SavedAt) > maxAge
}

// Session returns the saved session of a project.
func (s *Snapshot) Session(project string) (ProjectSession, bool) {
	if s == nil {
		return ProjectSession{}, false
	}
	for _, p := range s.Projects {
		if p.Name == project {
			return p, true
		}
	}
	return ProjectSession{}, false
}

// Identity describes a live session candidate.
type Identity struct {
	Handle string
	Name   string
	Path   string
}

func (i Identity) text() string {
	return strings.ToLower(i.Handle + " " + i.Name + " " + i.Path)
}

// MatchScore scores how likely id is the session of rec, given what was
// saved for rec. Components add up; keyword overlap only counts when no
// stronger textual signal matched.
func MatchScore(id Identity, rec registry.ProjectRecord, saved ProjectSession) int {
	score := 0
	if saved.SessionID != "" && (id.Handle == saved.SessionID || id.Name == saved.SessionID) {
		score += ScoreSessionID
	}

	text := id.text()
	textual := false
	for _, r := range repoNames(rec) {
		if strings.Contains(text, r) {
			score += ScoreRepo
			textual = true
			break
		}
	}
	if name := strings.ToLower(rec.Name); name != "" && strings.Contains(text, name) {
		score += ScoreProjectName
		textual = true
	}
	if !textual && keywordOverlap(text, rec) {
		score += ScoreKeyword
	}
	return score
}

// repoNames returns the lowercase repository identifiers of rec, most
// specific first.
func repoNames(rec registry.ProjectRecord) []string {
	var out []string
	if r := strings.ToLower(strings.TrimSuffix(rec.Config.Repo, ".git")); r != "" {
		out = append(out, r)
		if i := strings.LastIndex(r, "/"); i >= 0 && i+1 < len(r) {
			out = append(out, r[i+1:])
		}
	}
	if p := rec.Config.RepoPath; p != "" {
		out = append(out, strings.ToLower(filepath.Clean(p)))
		if base := strings.ToLower(filepath.Base(p)); base != "." && base != "/" {
			out = append(out, base)
		}
	}
	return out
}

func keywordOverlap(text string, rec registry.ProjectRecord) bool {
	source := strings.ToLower(rec.Name + " " + rec.Config.Repo + " " + strings.Join(rec.Config.SessionHints, " "))
	words := strings.FieldsFunc(source, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == '.'
	})
	for _, w := range words {
		if len(w) >= 3 && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// Options controls Reassociate.
type Options struct {
	// Force uses the snapshot even when it is stale.
	Force  bool
	MaxAge time.Duration
	Now    time.Time
}

// Match is one accepted association.
type Match struct {
	Project string `json:"project"`
	Handle  string `json:"handle"`
	Score   int    `json:"score"`
}

// Reassociate assigns live candidates to records. Each candidate goes to at
// most one project and each project gets at most one candidate, highest
// scores first. A stale snapshot contributes no saved session IDs unless
// forced.
func Reassociate(snap *Snapshot, records []registry.ProjectRecord, candidates []Identity, opts Options) []Match {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	useSnap := snap != nil && (opts.Force || !snap.IsStale(opts.Now, opts.MaxAge))

	var scored []Match
	for _, rec := range records {
		var saved ProjectSession
		if useSnap {
			saved, _ = snap.Session(rec.Name)
		}
		for _, c := range candidates {
			if s := MatchScore(c, rec, saved); s >= AcceptScore {
				scored = append(scored, Match{Project: rec.Name, Handle: c.Handle, Score: s})
			}
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Project != scored[j].Project {
			return scored[i].Project < scored[j].Project
		}
		return scored[i].Handle < scored[j].Handle
	})

	takenProject := make(map[string]bool)
	takenHandle := make(map[string]bool)
	var out []Match
	for _, m := range scored {
		if takenProject[m.Project] || takenHandle[m.Handle] {
			continue
		}
		takenProject[m.Project] = true
		takenHandle[m.Handle] = true
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Project < out[j].Project })
	return out
}
