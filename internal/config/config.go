package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pool holds the forge-pool daemon configuration.
//
// Every field is externally supplied: environment variables with the FORGE_
// prefix (FORGE_POOL_SIZE, FORGE_MASTER_TOKEN, ...) or flags bound by the
// command layer. Nothing here is hard-coded policy.
type Pool struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MasterToken     string        `mapstructure:"master_token"`
	PoolSize        int           `mapstructure:"pool_size"`
	WorktreeBaseDir string        `mapstructure:"worktree_base_dir"`
	ExecutorBin     string        `mapstructure:"executor_bin"`

	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	// RetryAfter is the hint returned with capacity rejections. It is a
	// tunable independent from EvictionInterval; neither derives from the
	// other.
	RetryAfter   time.Duration `mapstructure:"retry_after"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`
}

// Executor holds the forge-executor child process configuration. The pool
// passes these as flags when spawning; env fallback keeps the binary usable
// standalone for debugging.
type Executor struct {
	ExecID       string `mapstructure:"exec_id"`
	ListenAddr   string `mapstructure:"listen_addr"`
	AuthToken    string `mapstructure:"auth_token"`
	WorkspaceDir string `mapstructure:"workspace_dir"`
	LogLevel     string `mapstructure:"log_level"`
}

// NewViper returns a viper instance wired for FORGE_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadPool reads the pool configuration from the given viper instance,
// applying defaults and validating required fields.
func LoadPool(v *viper.Viper) (Pool, error) {
	// Every key needs a default (even an empty one): Unmarshal only sees
	// keys viper already knows about when values come from the environment.
	v.SetDefault("master_token", "")
	v.SetDefault("worktree_base_dir", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_file", "")
	v.SetDefault("listen_addr", "127.0.0.1:7430")
	v.SetDefault("pool_size", 4)
	v.SetDefault("executor_bin", "forge-executor")
	v.SetDefault("idle_timeout", 15*time.Minute)
	v.SetDefault("eviction_interval", time.Minute)
	v.SetDefault("retry_after", 30*time.Second)
	v.SetDefault("ready_timeout", 30*time.Second)
	v.SetDefault("stop_grace", 5*time.Second)
	v.SetDefault("log_level", "info")

	var cfg Pool
	if err := v.Unmarshal(&cfg); err != nil {
		return Pool{}, fmt.Errorf("unmarshal pool config: %w", err)
	}

	cfg.MasterToken = strings.TrimSpace(cfg.MasterToken)
	cfg.WorktreeBaseDir = strings.TrimSpace(cfg.WorktreeBaseDir)

	if cfg.MasterToken == "" {
		return Pool{}, fmt.Errorf("master_token is required (FORGE_MASTER_TOKEN)")
	}
	if cfg.WorktreeBaseDir == "" {
		return Pool{}, fmt.Errorf("worktree_base_dir is required (FORGE_WORKTREE_BASE_DIR)")
	}
	if cfg.PoolSize < 1 {
		return Pool{}, fmt.Errorf("pool_size must be at least 1, got %d", cfg.PoolSize)
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return Pool{}, fmt.Errorf("listen_addr must be host:port: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		return Pool{}, fmt.Errorf("idle_timeout must be positive, got %s", cfg.IdleTimeout)
	}
	if cfg.EvictionInterval <= 0 {
		return Pool{}, fmt.Errorf("eviction_interval must be positive, got %s", cfg.EvictionInterval)
	}
	if cfg.RetryAfter <= 0 {
		return Pool{}, fmt.Errorf("retry_after must be positive, got %s", cfg.RetryAfter)
	}

	return cfg, nil
}

// LoadExecutor reads the executor configuration, validating required fields.
func LoadExecutor(v *viper.Viper) (Executor, error) {
	v.SetDefault("exec_id", "")
	v.SetDefault("listen_addr", "")
	v.SetDefault("auth_token", "")
	v.SetDefault("workspace_dir", "")
	v.SetDefault("log_level", "info")

	var cfg Executor
	if err := v.Unmarshal(&cfg); err != nil {
		return Executor{}, fmt.Errorf("unmarshal executor config: %w", err)
	}

	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.WorkspaceDir = strings.TrimSpace(cfg.WorkspaceDir)

	if cfg.ListenAddr == "" {
		return Executor{}, fmt.Errorf("listen_addr is required")
	}
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return Executor{}, fmt.Errorf("listen_addr must be host:port: %w", err)
	}
	if cfg.AuthToken == "" {
		return Executor{}, fmt.Errorf("auth_token is required")
	}
	if cfg.WorkspaceDir == "" {
		return Executor{}, fmt.Errorf("workspace_dir is required")
	}

	return cfg, nil
}
