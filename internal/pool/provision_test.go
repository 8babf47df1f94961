package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/logging"
)

func TestProvisionRunsWorktreeAdd(t *testing.T) {
	base := t.TempDir()
	p, err := NewGitWorktreeProvisioner(base, logging.Nop())
	require.NoError(t, err)

	var captured []string
	p.run = func(ctx context.Context, args ...string) ([]byte, error) {
		captured = args
		return nil, nil
	}

	path, err := p.Provision(context.Background(), "/src/repo")
	require.NoError(t, err)
	assert.Equal(t, base, filepath.Dir(path))

	require.Len(t, captured, 6)
	assert.Equal(t, []string{"-C", "/src/repo", "worktree", "add", "--detach", path}, captured)
}

func TestProvisionWrapsGitFailure(t *testing.T) {
	p, err := NewGitWorktreeProvisioner(t.TempDir(), logging.Nop())
	require.NoError(t, err)
	p.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return nil, errors.New("fatal: not a git repository")
	}

	_, err = p.Provision(context.Background(), "/not/a/repo")
	assert.ErrorIs(t, err, ErrProvision)
}

func TestRemoveIsIdempotent(t *testing.T) {
	base := t.TempDir()
	p, err := NewGitWorktreeProvisioner(base, logging.Nop())
	require.NoError(t, err)
	p.run = func(ctx context.Context, args ...string) ([]byte, error) { return nil, nil }

	// Path that never existed: no-op.
	require.NoError(t, p.Remove(context.Background(), filepath.Join(base, "gone")))
	// Empty path (creation failed before provisioning): no-op.
	require.NoError(t, p.Remove(context.Background(), ""))
}

func TestRemoveFallsBackToRm(t *testing.T) {
	base := t.TempDir()
	p, err := NewGitWorktreeProvisioner(base, logging.Nop())
	require.NoError(t, err)
	p.run = func(ctx context.Context, args ...string) ([]byte, error) {
		return nil, errors.New("worktree metadata missing")
	}

	wt := filepath.Join(base, "stale")
	require.NoError(t, os.MkdirAll(wt, 0o755))

	require.NoError(t, p.Remove(context.Background(), wt))
	_, statErr := os.Stat(wt)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHealthcheck(t *testing.T) {
	base := t.TempDir()
	p, err := NewGitWorktreeProvisioner(base, logging.Nop())
	require.NoError(t, err)
	assert.True(t, p.Healthcheck())

	require.NoError(t, os.RemoveAll(base))
	assert.False(t, p.Healthcheck())
}
