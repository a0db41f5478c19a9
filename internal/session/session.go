// Package session adapts tmux-hosted agent sessions to the snapshot and
// input collaborator contracts: it captures panes into snapshots, types
// input, and finds sessions for projects.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/steward/internal/errs"
	"github.com/lucasnoah/steward/internal/logging"
	"github.com/lucasnoah/steward/internal/snapshot"
)

// ErrSessionGone is returned when the target tmux session no longer exists.
var ErrSessionGone = errors.New("session not found")

// DefaultCaptureLines is how much scrollback each capture reads.
const DefaultCaptureLines = 200

// Identity describes a live session for recovery matching.
type Identity struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
}

// Text is the identity as one lowercase string for substring matching.
func (i Identity) Text() string {
	return strings.ToLower(i.Handle + " " + i.Name + " " + i.Path)
}

// Options configures a Collaborator.
type Options struct {
	CaptureLines int
	Now          func() time.Time
	Logger       *logging.Logger
}

type activity struct {
	hash       string
	lastChange time.Time
}

// Collaborator implements snapshot capture and input delivery over tmux.
type Collaborator struct {
	tmux   TmuxRunner
	lines  int
	now    func() time.Time
	logger *logging.Logger

	mu   sync.Mutex
	seen map[string]activity
}

// NewCollaborator returns a Collaborator driving tmux.
func NewCollaborator(tmux TmuxRunner, opts Options) *Collaborator {
	c := &Collaborator{
		tmux:   tmux,
		lines:  opts.CaptureLines,
		now:    opts.Now,
		logger: logging.OrNop(opts.Logger).With("component", "session"),
		seen:   make(map[string]activity),
	}
	if c.lines <= 0 {
		c.lines = DefaultCaptureLines
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// CaptureSnapshot reads the pane behind handle into a Snapshot. Idle time
// is measured from the last capture whose content differed, against the
// same clock reading stored in CapturedAt.
func (c *Collaborator) CaptureSnapshot(ctx context.Context, handle string) (snapshot.Snapshot, error) {
	ok, err := c.tmux.HasSession(ctx, sessionName(handle))
	if err != nil {
		return snapshot.Snapshot{}, errs.Transient(fmt.Errorf("check session %s: %w", handle, err))
	}
	if !ok {
		c.Forget(handle)
		return snapshot.Snapshot{}, fmt.Errorf("%w: %s", ErrSessionGone, handle)
	}

	raw, err := c.tmux.CapturePaneLines(ctx, handle, c.lines)
	if err != nil {
		return snapshot.Snapshot{}, errs.Transient(fmt.Errorf("capture %s: %w", handle, err))
	}
	now := c.now()
	pane := ParsePane(raw)

	sum := sha256.Sum256([]byte(strings.Join(pane.Content, "\n")))
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	act, known := c.seen[handle]
	if !known || act.hash != hash || pane.Busy {
		act = activity{hash: hash, lastChange: now}
		c.seen[handle] = act
	}
	c.mu.Unlock()

	snap := snapshot.Snapshot{
		SessionID:     handle,
		HasInputField: pane.HasInput,
		Todos:         pane.Todos,
		Errors:        pane.Errors,
		Warnings:      pane.Warnings,
		IsBusy:        pane.Busy,
		IdleDuration:  now.Sub(act.lastChange),
		CapturedAt:    now,
		RecentHistory: recentHistory(pane.Content, historyLines),
		InputText:     pane.InputText,
	}
	if pane.HasInput {
		snap.InputFieldHandle = handle
	}
	return snap.Normalize(), nil
}

// SendInput types text into the session and submits it.
func (c *Collaborator) SendInput(ctx context.Context, handle, text string) error {
	if strings.TrimSpace(text) == "" {
		return errs.PermanentAction(errors.New("refusing to send empty input"))
	}
	var err error
	if strings.Contains(text, "\n") {
		err = c.tmux.SendBuffer(ctx, handle, text)
	} else {
		err = c.tmux.SendKeys(ctx, handle, text)
	}
	if err != nil {
		return errs.Transient(fmt.Errorf("send input to %s: %w", handle, err))
	}
	return nil
}

// Sessions lists the identities of every live session.
func (c *Collaborator) Sessions(ctx context.Context) ([]Identity, error) {
	names, err := c.tmux.ListSessions(ctx)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("list sessions: %w", err))
	}
	out := make([]Identity, 0, len(names))
	for _, n := range names {
		id, err := c.Identity(ctx, n)
		if err != nil {
			c.logger.Debug("skipping session without identity", "session", n, "error", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Identity returns what is known about one session.
func (c *Collaborator) Identity(ctx context.Context, handle string) (Identity, error) {
	path, err := c.tmux.PanePath(ctx, handle)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Handle: handle, Name: sessionName(handle), Path: path}, nil
}

// LocateSession returns the first live session whose name or working
// directory contains one of hints. A session named exactly like a hint wins.
func (c *Collaborator) LocateSession(ctx context.Context, hints []string) (string, bool, error) {
	ids, err := c.Sessions(ctx)
	if err != nil {
		return "", false, err
	}
	for _, h := range hints {
		for _, id := range ids {
			if h != "" && strings.EqualFold(id.Name, h) {
				return id.Handle, true, nil
			}
		}
	}
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		for _, id := range ids {
			if strings.Contains(strings.ToLower(id.Name), h) ||
				(id.Path != "" && strings.Contains(strings.ToLower(filepath.Clean(id.Path)), h)) {
				return id.Handle, true, nil
			}
		}
	}
	return "", false, nil
}

// Forget drops activity tracking for handle.
func (c *Collaborator) Forget(handle string) {
	c.mu.Lock()
	delete(c.seen, handle)
	c.mu.Unlock()
}

// sessionName strips a window/pane suffix from a tmux target.
func sessionName(target string) string {
	if i := strings.IndexAny(target, ":."); i > 0 {
		return target[:i]
	}
	return target
}
