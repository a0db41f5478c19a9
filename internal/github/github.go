// Package github is the version-control collaborator: local commits through
// git and pull requests through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RunGit implements GitRunner using exec.CommandContext.
func (r *ExecRunner) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides version-control operations.
type Client struct {
	cmd CmdRunner
	git GitRunner
}

// NewClient creates a client. If cmd also implements GitRunner, it will be
// used for git operations.
func NewClient(cmd CmdRunner) *Client {
	c := &Client{cmd: cmd}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

// NewClientWithGit creates a client with a separate git runner.
func NewClientWithGit(cmd CmdRunner, git GitRunner) *Client {
	return &Client{cmd: cmd, git: git}
}

// CommitResult describes a commit request.
type CommitResult struct {
	ID string
	// Committed is false when the tree was clean and nothing was recorded.
	Committed bool
}

// Commit stages every change in dir and commits it with message.
func (c *Client) Commit(ctx context.Context, dir, message string) (CommitResult, error) {
	if c.git == nil {
		return CommitResult{}, fmt.Errorf("git runner not configured")
	}
	if strings.TrimSpace(message) == "" {
		return CommitResult{}, fmt.Errorf("commit message is empty")
	}
	if _, err := c.git.RunGit(ctx, dir, "add", "-A"); err != nil {
		return CommitResult{}, fmt.Errorf("stage changes: %w", err)
	}
	status, err := c.git.RunGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return CommitResult{}, fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		head, err := c.git.RunGit(ctx, dir, "rev-parse", "HEAD")
		if err != nil {
			return CommitResult{}, fmt.Errorf("resolve HEAD: %w", err)
		}
		return CommitResult{ID: head}, nil
	}
	if _, err := c.git.RunGit(ctx, dir, "commit", "-m", message); err != nil {
		return CommitResult{}, fmt.Errorf("commit: %w", err)
	}
	head, err := c.git.RunGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	return CommitResult{ID: head, Committed: true}, nil
}

// CurrentBranch returns the checked-out branch in dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	if c.git == nil {
		return "", fmt.Errorf("git runner not configured")
	}
	out, err := c.git.RunGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// PushBranch pushes a branch to the remote.
func (c *Client) PushBranch(ctx context.Context, dir string, branch string) error {
	if c.git == nil {
		return fmt.Errorf("git runner not configured")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	_, err := c.git.RunGit(ctx, dir, "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("push branch: %w", err)
	}
	return nil
}

// PRCreateOpts holds options for creating a PR.
type PRCreateOpts struct {
	Repo   string
	Title  string
	Body   string
	Branch string
	Base   string
}

// PRCreateResult holds the result of creating a PR.
type PRCreateResult struct {
	URL string
	// Existing is true when a PR for the branch was already open.
	Existing bool
}

// CreatePR creates a pull request.
func (c *Client) CreatePR(ctx context.Context, opts PRCreateOpts) (*PRCreateResult, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body, "--head", opts.Branch}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Repo != "" {
		args = append(args, "--repo", opts.Repo)
	}

	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}

	return &PRCreateResult{URL: out}, nil
}

// FindPRByBranch checks if a PR already exists for a given branch.
// Returns the PR result if found, nil if none exist.
func (c *Client) FindPRByBranch(ctx context.Context, repo, branch string) (*PRCreateResult, error) {
	args := []string{"pr", "list", "--head", branch, "--json", "url", "--limit", "1"}
	if repo != "" {
		args = append(args, "--repo", repo)
	}
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}

	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &PRCreateResult{URL: prs[0].URL, Existing: true}, nil
}

// RequestPullRequest pushes the branch and opens a PR for it, reusing one
// that is already open.
func (c *Client) RequestPullRequest(ctx context.Context, dir string, opts PRCreateOpts) (*PRCreateResult, error) {
	if opts.Branch == "" {
		b, err := c.CurrentBranch(ctx, dir)
		if err != nil {
			return nil, err
		}
		opts.Branch = b
	}
	if opts.Branch == opts.Base || opts.Branch == "HEAD" {
		return nil, fmt.Errorf("branch %q cannot be used as a PR head", opts.Branch)
	}
	if err := c.PushBranch(ctx, dir, opts.Branch); err != nil {
		return nil, err
	}
	if pr, err := c.FindPRByBranch(ctx, opts.Repo, opts.Branch); err != nil {
		return nil, err
	} else if pr != nil {
		return pr, nil
	}
	return c.CreatePR(ctx, opts)
}
