// Package gitops commits and pushes the agent's work after each session.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/entrhq/autocoder/pkg/logging"
)

// DefaultExcludes are harness-owned paths that are never committed.
var DefaultExcludes = []string{".autocoder", "logs", ".claude_settings.json", ".linear_cache.json"}

// ErrNotRepository is returned when the project is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Config defines git operation configuration
type Config struct {
	AutoPush    bool
	Remote      string
	AuthorName  string
	AuthorEmail string
	// Excludes are pathspecs left out of every commit.
	Excludes []string
	Timeout  time.Duration
}

// Manager handles git operations for one project directory
type Manager struct {
	dir    string
	config Config
	log    *logging.Logger
}

// NewManager creates a new git manager
func NewManager(dir string, config Config, log *logging.Logger) *Manager {
	if config.Remote == "" {
		config.Remote = "origin"
	}
	if config.Excludes == nil {
		config.Excludes = DefaultExcludes
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Manager{dir: dir, config: config, log: log.With("git")}
}

// IsRepository reports whether the project dir is inside a git work tree.
func (g *Manager) IsRepository(ctx context.Context) bool {
	out, err := g.execGit(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// ChangedFiles returns modified and untracked files outside the excludes.
func (g *Manager) ChangedFiles(ctx context.Context) ([]string, error) {
	args := append([]string{"status", "--porcelain", "--untracked-files=all"}, g.pathspec()...)
	output, err := g.execGit(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get changed files: %w", err)
	}

	var files []string
	for _, line := range strings.Split(output, "\n") {
		// Porcelain format: "XY filename"
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// CurrentBranch returns the checked out branch, empty when detached.
func (g *Manager) CurrentBranch(ctx context.Context) (string, error) {
	output, err := g.execGit(ctx, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// Commit stages everything outside the excludes and commits it. It reports
// false without committing when there is nothing to commit.
func (g *Manager) Commit(ctx context.Context, message string) (bool, error) {
	files, err := g.ChangedFiles(ctx)
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}

	if _, err := g.execGit(ctx, append([]string{"add", "-A"}, g.pathspec()...)...); err != nil {
		return false, fmt.Errorf("failed to stage changes: %w", err)
	}

	var args []string
	if g.config.AuthorName != "" && g.config.AuthorEmail != "" {
		args = append(args, "-c", "user.name="+g.config.AuthorName, "-c", "user.email="+g.config.AuthorEmail)
	}
	args = append(args, "commit", "-m", message)
	if _, err := g.execGit(ctx, args...); err != nil {
		return false, fmt.Errorf("failed to create commit: %w", err)
	}

	g.log.Infof("committed %d files: %s", len(files), firstLine(message))
	return true, nil
}

// HasRemote reports whether the configured remote exists.
func (g *Manager) HasRemote(ctx context.Context) bool {
	_, err := g.execGit(ctx, "remote", "get-url", g.config.Remote)
	return err == nil
}

// Push pushes the current branch to the remote
func (g *Manager) Push(ctx context.Context) error {
	branch, err := g.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if branch == "" {
		return errors.New("cannot push a detached HEAD")
	}

	if _, err := g.execGit(ctx, "push", "-u", g.config.Remote, branch); err != nil {
		return fmt.Errorf("failed to push branch '%s': %w", branch, err)
	}
	g.log.Infof("pushed %s to %s", branch, g.config.Remote)
	return nil
}

// SyncResult describes what Sync did.
type SyncResult struct {
	Committed bool
	Pushed    bool
	Files     int
}

// Sync commits pending work and pushes it when auto push is enabled and the
// remote exists.
func (g *Manager) Sync(ctx context.Context, message string) (SyncResult, error) {
	var res SyncResult
	if !g.IsRepository(ctx) {
		return res, ErrNotRepository
	}

	files, err := g.ChangedFiles(ctx)
	if err != nil {
		return res, err
	}
	res.Files = len(files)

	res.Committed, err = g.Commit(ctx, message)
	if err != nil || !res.Committed {
		return res, err
	}

	if !g.config.AutoPush {
		return res, nil
	}
	if !g.HasRemote(ctx) {
		g.log.Warnf("remote %s is not configured, skipping push", g.config.Remote)
		return res, nil
	}
	if err := g.Push(ctx); err != nil {
		return res, err
	}
	res.Pushed = true
	return res, nil
}

func (g *Manager) pathspec() []string {
	spec := []string{"--", "."}
	for _, ex := range g.config.Excludes {
		spec = append(spec, ":(exclude)"+ex)
	}
	return spec
}

// execGit executes a git command and returns its output
func (g *Manager) execGit(ctx context.Context, args ...string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "git", args...)
	cmd.Dir = g.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %w\nOutput: %s", err, string(output))
	}
	return string(output), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
