// Package registry persists registered projects and their decision history
// as JSON files, one directory per project.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lucasnoah/steward/internal/decision"
	"github.com/lucasnoah/steward/internal/fsutil"
)

// DefaultHistoryWindow is how many decisions stay in decisions.json before
// older ones move to the archive.
const DefaultHistoryWindow = 200

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Store manages project records on disk.
type Store struct {
	baseDir       string // <home>/projects
	historyWindow int
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{
		baseDir:       baseDir,
		historyWindow: DefaultHistoryWindow,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the store's clock. Used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// WithHistoryWindow sets the persisted decision window.
func (s *Store) WithHistoryWindow(n int) *Store {
	if n > 0 {
		s.historyWindow = n
	}
	return s
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) projectDir(name string) string {
	return filepath.Join(s.baseDir, name)
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.projectDir(name), "project.json")
}

func (s *Store) historyPath(name string) string {
	return filepath.Join(s.projectDir(name), "decisions.json")
}

func (s *Store) archivePath(name string) string {
	return filepath.Join(s.projectDir(name), "decisions-archive.jsonl")
}

// lock returns the mutex serializing writes to one project.
func (s *Store) lock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// ValidateName rejects names that are unsafe as directory names.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Register creates a new project record in the Active state.
func (s *Store) Register(opts RegisterOpts) (*ProjectRecord, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	l := s.lock(opts.Name)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.recordPath(opts.Name)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, opts.Name)
	}

	phase := opts.Phase
	if phase == "" && len(opts.Config.Phases) > 0 {
		phase = opts.Config.Phases[0]
	}
	if phase != "" && len(opts.Config.Phases) > 0 && !slices.Contains(opts.Config.Phases, phase) {
		return nil, fmt.Errorf("%w: %q not in %v", ErrUnknownPhase, phase, opts.Config.Phases)
	}
	ref := opts.ConfigRef
	if ref == "" {
		ref = "registry"
	}
	now := s.now().UTC()
	rec := &ProjectRecord{
		Name:         opts.Name,
		ConfigRef:    ref,
		Config:       opts.Config,
		CurrentPhase: phase,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := fsutil.WriteJSON(s.recordPath(opts.Name), rec); err != nil {
		return nil, fmt.Errorf("write project.json: %w", err)
	}
	return rec, nil
}

// Unregister removes a project and all of its history. This is the only
// path that deletes a record.
func (s *Store) Unregister(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.recordPath(name)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return os.RemoveAll(s.projectDir(name))
}

// Get reads one project record.
func (s *Store) Get(name string) (*ProjectRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return s.read(name)
}

func (s *Store) read(name string) (*ProjectRecord, error) {
	var rec ProjectRecord
	if err := fsutil.ReadJSON(s.recordPath(name), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if errors.Is(err, fsutil.ErrMalformed) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		return nil, err
	}
	if rec.Name != name {
		return nil, fmt.Errorf("%w: %s: record names %q", ErrCorrupt, name, rec.Name)
	}
	if _, err := ParseStatus(string(rec.Status)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return &rec, nil
}

// Update performs a locked read-modify-write of a project record. If fn
// returns an error nothing is written.
func (s *Store) Update(name string, fn func(*ProjectRecord) error) (*ProjectRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	rec, err := s.read(name)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.Name = name
	rec.UpdatedAt = s.now().UTC()
	if err := fsutil.WriteJSON(s.recordPath(name), rec); err != nil {
		return nil, fmt.Errorf("write project.json: %w", err)
	}
	return rec, nil
}

// List returns all projects sorted by name, optionally filtered by status.
// Pass "" to return every project. A corrupt record fails the whole call.
func (s *Store) List(status Status) ([]ProjectRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var out []ProjectRecord
	for _, entry := range entries {
		if !entry.IsDir() || !validName.MatchString(entry.Name()) {
			continue
		}
		rec, err := s.read(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // directory without a record, e.g. mid-unregister
			}
			return nil, err
		}
		if status == "" || rec.Status == status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SetStatus moves a project to status. Moving to Quarantined stamps
// QuarantinedAt; moving to Active clears it.
func (s *Store) SetStatus(name string, status Status) (*ProjectRecord, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	return s.Update(name, func(r *ProjectRecord) error {
		r.Status = status
		switch status {
		case StatusQuarantined:
			if r.QuarantinedAt.IsZero() {
				r.QuarantinedAt = s.now().UTC()
			}
		case StatusActive:
			r.QuarantinedAt = time.Time{}
		}
		return nil
	})
}

// Reset returns a project to Active with its failure counter cleared.
func (s *Store) Reset(name string) (*ProjectRecord, error) {
	return s.Update(name, func(r *ProjectRecord) error {
		r.Status = StatusActive
		r.ConsecutiveErrorCount = 0
		r.LastError = ""
		r.QuarantinedAt = time.Time{}
		return nil
	})
}

// Approve grants the manual approval for the project's current phase.
func (s *Store) Approve(name string) (*ProjectRecord, error) {
	return s.Update(name, func(r *ProjectRecord) error {
		if r.CurrentPhase == "" {
			return fmt.Errorf("project %s has no current phase to approve", name)
		}
		r.ApprovedPhase = r.CurrentPhase
		return nil
	})
}

// AppendDecision adds d to the project's history. When the window is full
// the oldest decisions are moved to the archive file.
func (s *Store) AppendDecision(name string, d decision.Decision) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	l := s.lock(name)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.recordPath(name)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	hist, err := s.readHistory(name)
	if err != nil {
		return err
	}
	hist = append(hist, d)
	if over := len(hist) - s.historyWindow; over > 0 {
		if err := fsutil.AppendJSONLines(s.archivePath(name), hist[:over]); err != nil {
			return fmt.Errorf("archive decisions: %w", err)
		}
		hist = append([]decision.Decision(nil), hist[over:]...)
	}
	if err := fsutil.WriteJSON(s.historyPath(name), hist); err != nil {
		return fmt.Errorf("write decisions.json: %w", err)
	}
	return nil
}

// History returns up to the last n decisions, oldest first. n <= 0 returns
// the whole persisted window.
func (s *Store) History(name string, n int) ([]decision.Decision, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.recordPath(name)); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	hist, err := s.readHistory(name)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	return hist, nil
}

func (s *Store) readHistory(name string) ([]decision.Decision, error) {
	var hist []decision.Decision
	if err := fsutil.ReadJSON(s.historyPath(name), &hist); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if errors.Is(err, fsutil.ErrMalformed) {
			return nil, fmt.Errorf("%w: %s history: %v", ErrCorrupt, name, err)
		}
		return nil, err
	}
	return hist, nil
}

// Verify reads every record and its history. Any corruption is returned so
// startup can abort before touching projects.
func (s *Store) Verify() (int, error) {
	recs, err := s.List("")
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if _, err := s.readHistory(r.Name); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}
