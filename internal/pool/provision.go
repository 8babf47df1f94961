package pool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"forge/internal/logging"
)

// Provisioner creates and removes isolated working copies. The pool never
// interprets worktree contents; it only guarantees the path exists before the
// child executor starts and is gone after the child has exited.
type Provisioner interface {
	Provision(ctx context.Context, repoPath string) (string, error)
	Remove(ctx context.Context, worktreePath string) error
	Healthcheck() bool
}

// gitRunner executes a git invocation; swapped out in tests.
type gitRunner func(ctx context.Context, args ...string) ([]byte, error)

func runGit(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %v: %w (%s)", args, err, string(out))
	}
	return out, nil
}

// GitWorktreeProvisioner provisions detached git worktrees under a base
// directory, one per session.
type GitWorktreeProvisioner struct {
	baseDir string
	run     gitRunner
	logger  logging.Logger
}

// NewGitWorktreeProvisioner creates the base directory if needed.
func NewGitWorktreeProvisioner(baseDir string, logger logging.Logger) (*GitWorktreeProvisioner, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base dir: %w", err)
	}
	return &GitWorktreeProvisioner{baseDir: baseDir, run: runGit, logger: logger}, nil
}

// Provision creates a detached worktree of repoPath and returns its path.
func (p *GitWorktreeProvisioner) Provision(ctx context.Context, repoPath string) (string, error) {
	worktreePath := filepath.Join(p.baseDir, uuid.NewString())
	if _, err := p.run(ctx, "-C", repoPath, "worktree", "add", "--detach", worktreePath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvision, err)
	}
	p.logger.Info("Provisioned worktree %s from %s", worktreePath, repoPath)
	return worktreePath, nil
}

// Remove tears down a worktree. Removing an already-removed path is a no-op,
// so a failed teardown can be retried safely.
func (p *GitWorktreeProvisioner) Remove(ctx context.Context, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}
	if _, err := os.Stat(worktreePath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if _, err := p.run(ctx, "-C", worktreePath, "worktree", "remove", "--force", worktreePath); err != nil {
		p.logger.Warn("git worktree remove failed for %s, falling back to rm: %v", worktreePath, err)
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", worktreePath, rmErr)
		}
	}
	p.logger.Info("Removed worktree %s", worktreePath)
	return nil
}

// Healthcheck reports whether the base directory exists and is writable; the
// readiness probe folds this into its response.
func (p *GitWorktreeProvisioner) Healthcheck() bool {
	info, err := os.Stat(p.baseDir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe, err := os.CreateTemp(p.baseDir, ".healthcheck-*")
	if err != nil {
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}
