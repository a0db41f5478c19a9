// Package runlock guarantees a single orchestrator process per state root.
package runlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/lucasnoah/steward/internal/logging"
)

// FileName is the lock file inside the state root.
const FileName = "steward.lock"

// ErrLocked is returned when a live process already holds the lock.
var ErrLocked = errors.New("orchestrator already running")

// ErrNotRunning is returned by Stop when no live process holds the lock.
var ErrNotRunning = errors.New("orchestrator not running")

// Lock is an acquired run lock.
type Lock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// processAlive reports whether pid is a running process. Tests override it.
var processAlive = func(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Path returns the lock file path for a state root.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Acquire takes the run lock in home. A lock left by a dead process is
// removed first.
func Acquire(home string, logger *logging.Logger) (*Lock, error) {
	logger = logging.OrNop(logger)
	path := Path(home)

	if existing, err := Read(path); err == nil {
		if processAlive(existing.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s", ErrLocked, existing.PID, existing.Hostname)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		logger.Warn("stale run lock cleaned", "old_pid", existing.PID)
	}

	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &Lock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	// O_EXCL loses the race cleanly against a concurrent Acquire.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if existing, readErr := Read(path); readErr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrLocked, existing.PID, existing.Hostname)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	logger.Info("run lock acquired", "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	existing, err := Read(l.path)
	if err != nil || existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	logging.OrNop(l.logger).Info("run lock released")
	return nil
}

// Read parses a lock file.
func Read(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	lock.path = path
	return &lock, nil
}

// Holder returns the live lock holder in home, if any.
func Holder(home string) (*Lock, bool) {
	lock, err := Read(Path(home))
	if err != nil || !processAlive(lock.PID) {
		return nil, false
	}
	return lock, true
}

// Stop asks the lock holder in home to shut down gracefully.
func Stop(ctx context.Context, home string) (int, error) {
	lock, ok := Holder(home)
	if !ok {
		return 0, ErrNotRunning
	}
	p, err := process.NewProcessWithContext(ctx, int32(lock.PID))
	if err != nil {
		return lock.PID, fmt.Errorf("find process %d: %w", lock.PID, err)
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return lock.PID, fmt.Errorf("signal process %d: %w", lock.PID, err)
	}
	return lock.PID, nil
}
