package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lucasnoah/steward/internal/config"
)

// Status is the lifecycle state of a registered project.
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusQuarantined Status = "quarantined"
	StatusComplete    Status = "complete"
)

// ParseStatus parses a status name. The empty string is rejected.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusPaused, StatusQuarantined, StatusComplete:
		return st, nil
	}
	return "", fmt.Errorf("unknown project status %q", s)
}

// Sentinel errors.
var (
	ErrNotFound      = errors.New("project not found")
	ErrAlreadyExists = errors.New("project already exists")
	ErrCorrupt       = errors.New("project record corrupt")
	ErrInvalidName   = errors.New("invalid project name")
	ErrUnknownPhase  = errors.New("phase not in configured phases")
)

// ProjectRecord is the persisted state of one supervised project. It is
// written only by the orchestrator and executor while holding the project
// lock.
type ProjectRecord struct {
	Name string `json:"name"`
	// ConfigRef names where Config came from: "registry" or the config file path.
	ConfigRef             string               `json:"config_ref"`
	Config                config.ProjectConfig `json:"config"`
	CurrentPhase          string               `json:"current_phase"`
	Status                Status               `json:"status"`
	LastSessionID         string               `json:"last_session_id,omitempty"`
	ConsecutiveErrorCount int                  `json:"consecutive_error_count"`
	LastActivityAt        time.Time            `json:"last_activity_at,omitzero"`
	LastError             string               `json:"last_error,omitempty"`
	// ApprovedPhase is the phase an operator approved for transition when
	// the project requires approval.
	ApprovedPhase string    `json:"approved_phase,omitempty"`
	QuarantinedAt time.Time `json:"quarantined_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NextPhase returns the phase after CurrentPhase, and false when the current
// phase is the last configured one or phases are not configured.
func (r *ProjectRecord) NextPhase() (string, bool) {
	phases := r.Config.Phases
	for i, p := range phases {
		if p == r.CurrentPhase {
			if i+1 < len(phases) {
				return phases[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// KnownPhase reports whether CurrentPhase is one of the configured phases.
// A project with no configured phases has a single implicit phase.
func (r *ProjectRecord) KnownPhase() bool {
	return len(r.Config.Phases) == 0 || slices.Contains(r.Config.Phases, r.CurrentPhase)
}

// Approved reports whether the current phase may transition.
func (r *ProjectRecord) Approved() bool {
	return !r.Config.RequireApproval || (r.ApprovedPhase != "" && r.ApprovedPhase == r.CurrentPhase)
}

// RegisterOpts are the inputs to Register.
type RegisterOpts struct {
	Name      string
	ConfigRef string
	Config    config.ProjectConfig
	// Phase overrides the starting phase; defaults to the first configured phase.
	Phase string
}
