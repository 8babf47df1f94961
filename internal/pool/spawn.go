package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"forge/internal/logging"
)

// SpawnSpec describes the child executor to start for one session.
type SpawnSpec struct {
	SessionID    string
	WorkspaceDir string
}

// Handle tracks a running child executor process.
type Handle struct {
	SessionID string
	ExecID    string
	// Endpoint is the base URL of the child's local control surface.
	Endpoint string
	// AuthToken is the child's own bearer credential, injected by the proxy.
	AuthToken string

	cmd  *exec.Cmd
	done chan struct{}
}

// Exited reports whether the child process has been observed to exit.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Spawner abstracts child process lifecycle so pool logic depends only on
// this contract; tests substitute an in-process fake.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error)
	Terminate(ctx context.Context, handle *Handle) error
}

// ProcessSpawner starts forge-executor subprocesses, waits for their
// readiness probe, and terminates them with a graceful-then-forced sequence.
type ProcessSpawner struct {
	bin          string
	readyTimeout time.Duration
	stopGrace    time.Duration
	pollInterval time.Duration
	probe        *http.Client
	logger       logging.Logger
}

// NewProcessSpawner builds a spawner for the given executor binary.
func NewProcessSpawner(bin string, readyTimeout, stopGrace time.Duration, logger logging.Logger) *ProcessSpawner {
	return &ProcessSpawner{
		bin:          bin,
		readyTimeout: readyTimeout,
		stopGrace:    stopGrace,
		pollInterval: 500 * time.Millisecond,
		probe:        &http.Client{Timeout: 2 * time.Second},
		logger:       logger,
	}
}

// Spawn starts a child bound to the given workspace, discovers its listen
// address, and confirms readiness within the configured timeout. On any
// failure the process is reaped and an ErrSpawn-wrapped error returned, so
// session creation stays all-or-nothing.
func (s *ProcessSpawner) Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error) {
	port, err := allocateFreePort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	execID := uuid.NewString()
	listenAddr := fmt.Sprintf("127.0.0.1:%d", port)
	authToken := NewChildToken()

	cmd := exec.Command(s.bin,
		"--exec-id", execID,
		"--listen-addr", listenAddr,
		"--auth-token", authToken,
		"--workspace-dir", spec.WorkspaceDir,
	)
	childLogger := logging.NewComponentLogger("executor:" + spec.SessionID)
	cmd.Stdout = logging.WriterFor(childLogger, logging.INFO)
	cmd.Stderr = logging.WriterFor(childLogger, logging.WARN)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrSpawn, s.bin, err)
	}
	s.logger.Info("Started executor for session %s (execId=%s, pid=%d)", spec.SessionID, execID, cmd.Process.Pid)

	handle := &Handle{
		SessionID: spec.SessionID,
		ExecID:    execID,
		Endpoint:  "http://" + listenAddr,
		AuthToken: authToken,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(handle.done)
	}()

	if err := s.pollForReadiness(ctx, handle); err != nil {
		if termErr := s.Terminate(context.Background(), handle); termErr != nil {
			s.logger.Warn("Failed to reap unready executor %s: %v", execID, termErr)
		}
		return nil, err
	}

	s.logger.Info("Executor %s for session %s ready at %s", execID, spec.SessionID, handle.Endpoint)
	return handle, nil
}

// Terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
// Returns once process exit has been observed.
func (s *ProcessSpawner) Terminate(ctx context.Context, handle *Handle) error {
	if handle == nil || handle.Exited() {
		return nil
	}

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM to executor %s failed (already gone?): %v", handle.ExecID, err)
	}

	select {
	case <-handle.done:
		return nil
	case <-time.After(s.stopGrace):
	case <-ctx.Done():
	}

	s.logger.Warn("Executor %s did not exit within grace period, killing", handle.ExecID)
	if err := handle.cmd.Process.Kill(); err != nil {
		s.logger.Debug("Kill of executor %s failed: %v", handle.ExecID, err)
	}

	select {
	case <-handle.done:
		return nil
	case <-time.After(s.stopGrace):
		return fmt.Errorf("executor %s did not exit after kill", handle.ExecID)
	}
}

func (s *ProcessSpawner) pollForReadiness(ctx context.Context, handle *Handle) error {
	deadline := time.Now().Add(s.readyTimeout)
	url := handle.Endpoint + "/health/live"

	for time.Now().Before(deadline) {
		if handle.Exited() {
			return fmt.Errorf("%w: executor %s exited before becoming ready", ErrSpawn, handle.ExecID)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		resp, err := s.probe.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			s.logger.Debug("Executor %s readiness probe returned %d, retrying", handle.ExecID, resp.StatusCode)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSpawn, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}

	return fmt.Errorf("%w: executor %s not ready within %s", ErrSpawn, handle.ExecID, s.readyTimeout)
}

func allocateFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate free port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}
