package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// TmuxRunner abstracts tmux shell commands for testability.
type TmuxRunner interface {
	SendKeys(ctx context.Context, target string, keys string) error
	SendBuffer(ctx context.Context, target string, content string) error
	CapturePaneLines(ctx context.Context, target string, lines int) (string, error)
	ListSessions(ctx context.Context) ([]string, error)
	HasSession(ctx context.Context, name string) (bool, error)
	PanePath(ctx context.Context, target string) (string, error)
}

// ExecTmux implements TmuxRunner by shelling out to tmux.
type ExecTmux struct {
	// PasteSettle is how long to wait between pasting and pressing Enter.
	PasteSettle time.Duration
}

// NewExecTmux returns a new ExecTmux.
func NewExecTmux() *ExecTmux {
	return &ExecTmux{PasteSettle: 500 * time.Millisecond}
}

func (e *ExecTmux) SendKeys(ctx context.Context, target string, keys string) error {
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", target, keys, "Enter").Run(); err != nil {
		return fmt.Errorf("send-keys: %w", err)
	}
	return nil
}

// SendBuffer writes content to a temp file, loads it into a tmux buffer,
// pastes it into the target pane, and submits with Enter. Multiline text
// survives intact this way.
func (e *ExecTmux) SendBuffer(ctx context.Context, target string, content string) error {
	f, err := os.CreateTemp("", "steward-input-*.txt")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	f.Close()

	buf := "steward-" + strings.ReplaceAll(target, ":", "-")
	if err := exec.CommandContext(ctx, "tmux", "load-buffer", "-b", buf, f.Name()).Run(); err != nil {
		return fmt.Errorf("load-buffer: %w", err)
	}
	if err := exec.CommandContext(ctx, "tmux", "paste-buffer", "-d", "-b", buf, "-t", target).Run(); err != nil {
		return fmt.Errorf("paste-buffer: %w", err)
	}

	// Large pastes need a moment to land before Enter.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.PasteSettle):
	}

	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", target, "Enter").Run(); err != nil {
		return fmt.Errorf("send-keys Enter: %w", err)
	}
	return nil
}

func (e *ExecTmux) CapturePaneLines(ctx context.Context, target string, lines int) (string, error) {
	startLine := fmt.Sprintf("-%d", lines)
	out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-t", target, "-p", "-J", "-S", startLine).Output()
	if err != nil {
		return "", fmt.Errorf("capture-pane: %w", err)
	}
	return string(out), nil
}

func (e *ExecTmux) ListSessions(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		// tmux exits non-zero when no server is running
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("list-sessions: %w", err)
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, "\n"), nil
}

func (e *ExecTmux) HasSession(ctx context.Context, name string) (bool, error) {
	err := exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("has-session: %w", err)
}

func (e *ExecTmux) PanePath(ctx context.Context, target string) (string, error) {
	out, err := exec.CommandContext(ctx, "tmux", "display-message", "-p", "-t", target, "#{pane_current_path}").Output()
	if err != nil {
		return "", fmt.Errorf("display-message: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
