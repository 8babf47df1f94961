package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// gitRunner executes a git invocation; swapped out in tests.
type gitRunner func(ctx context.Context, args ...string) ([]byte, error)

func runGit(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %v: %w (%s)", args, err, string(out))
	}
	return out, nil
}

// DiffProvider produces the combined workspace diff for a session.
type DiffProvider struct {
	workspaceDir string
	run          gitRunner
}

// NewDiffProvider builds a provider over the workspace directory.
func NewDiffProvider(workspaceDir string) *DiffProvider {
	return &DiffProvider{workspaceDir: workspaceDir, run: runGit}
}

// Diff returns the unified diff of all uncommitted changes in the workspace.
// Workspaces without version control yield ErrNoVersionControl, which the
// HTTP layer reports as a conflict rather than an empty diff.
func (d *DiffProvider) Diff(ctx context.Context) (string, error) {
	if _, err := d.run(ctx, "-C", d.workspaceDir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoVersionControl, d.workspaceDir)
	}

	out, err := d.run(ctx, "-C", d.workspaceDir, "diff", "HEAD")
	if err != nil {
		// A repo with no commits yet has no HEAD to diff against.
		if strings.Contains(err.Error(), "HEAD") {
			out, err = d.run(ctx, "-C", d.workspaceDir, "diff")
		}
		if err != nil {
			return "", fmt.Errorf("compute workspace diff: %w", err)
		}
	}
	return string(out), nil
}
