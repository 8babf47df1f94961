package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPoolDefaults(t *testing.T) {
	v := NewViper()
	v.Set("master_token", "secret")
	v.Set("worktree_base_dir", t.TempDir())

	cfg, err := LoadPool(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7430", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 15*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.EvictionInterval)
	assert.Equal(t, 30*time.Second, cfg.RetryAfter)
	assert.Equal(t, "forge-executor", cfg.ExecutorBin)
}

func TestLoadPoolRequiredFields(t *testing.T) {
	v := NewViper()
	v.Set("worktree_base_dir", t.TempDir())
	_, err := LoadPool(v)
	require.ErrorContains(t, err, "master_token")

	v = NewViper()
	v.Set("master_token", "secret")
	_, err = LoadPool(v)
	require.ErrorContains(t, err, "worktree_base_dir")
}

func TestLoadPoolValidation(t *testing.T) {
	v := NewViper()
	v.Set("master_token", "secret")
	v.Set("worktree_base_dir", t.TempDir())
	v.Set("pool_size", 0)
	_, err := LoadPool(v)
	assert.ErrorContains(t, err, "pool_size")

	v = NewViper()
	v.Set("master_token", "secret")
	v.Set("worktree_base_dir", t.TempDir())
	v.Set("listen_addr", "no-port")
	_, err = LoadPool(v)
	assert.ErrorContains(t, err, "listen_addr")

	v = NewViper()
	v.Set("master_token", "secret")
	v.Set("worktree_base_dir", t.TempDir())
	v.Set("retry_after", "0s")
	_, err = LoadPool(v)
	assert.ErrorContains(t, err, "retry_after")
}

func TestLoadPoolFromEnv(t *testing.T) {
	t.Setenv("FORGE_MASTER_TOKEN", "env-secret")
	t.Setenv("FORGE_WORKTREE_BASE_DIR", t.TempDir())
	t.Setenv("FORGE_POOL_SIZE", "2")
	t.Setenv("FORGE_IDLE_TIMEOUT", "90s")

	cfg, err := LoadPool(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.MasterToken)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
}

func TestLoadExecutor(t *testing.T) {
	v := NewViper()
	v.Set("exec_id", "exec-1")
	v.Set("listen_addr", "127.0.0.1:0")
	v.Set("auth_token", "tok")
	v.Set("workspace_dir", t.TempDir())

	cfg, err := LoadExecutor(v)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", cfg.ExecID)

	v = NewViper()
	v.Set("listen_addr", "127.0.0.1:0")
	v.Set("workspace_dir", t.TempDir())
	_, err = LoadExecutor(v)
	assert.ErrorContains(t, err, "auth_token")
}
