package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"forge/internal/logging"
)

// Service is the session-scoped facade one executor process exposes: bind a
// session, accept jobs, stream events, compute diffs. Exactly one session is
// ever bound per process; the pool enforces the pairing and this service
// enforces it again locally.
type Service struct {
	store        *JobStore
	runner       *Runner
	differ       *DiffProvider
	workspaceDir string
	logger       logging.Logger

	mu          sync.Mutex
	sessionID   string
	sessionName string
}

// NewService wires the executor facade.
func NewService(store *JobStore, runner *Runner, differ *DiffProvider, workspaceDir string, logger logging.Logger) *Service {
	return &Service{
		store:        store,
		runner:       runner,
		differ:       differ,
		workspaceDir: workspaceDir,
		logger:       logger,
	}
}

// InitSession binds this executor to its session. Re-binding with the same
// ID is idempotent; a different ID is refused.
func (s *Service) InitSession(sessionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID != "" && s.sessionID != sessionID {
		return ErrSessionMismatch
	}
	s.sessionID = sessionID
	s.sessionName = name
	s.logger.Info("Bound to session %s (%s)", sessionID, name)
	return nil
}

// ImportArchive binds the session and stores its history archive in the
// workspace. The archive contents are opaque to the pool; they are unpacked
// lazily by the agent when the first job runs.
func (s *Service) ImportArchive(sessionID, name string, archive []byte) error {
	if err := s.InitSession(sessionID, name); err != nil {
		return err
	}

	path := filepath.Join(s.workspaceDir, ".forge-session.zip")
	if err := os.WriteFile(path, archive, 0o600); err != nil {
		return fmt.Errorf("store session archive: %w", err)
	}
	s.logger.Info("Imported session archive for %s (%d bytes)", sessionID, len(archive))
	return nil
}

// SessionID returns the bound session ID, or empty when unbound.
func (s *Service) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Service) requireSession() error {
	if s.SessionID() == "" {
		return ErrSessionNotInitialized
	}
	return nil
}

// SubmitJob creates a job for the idempotency key, or replays the existing
// one. Only a freshly created job is started.
func (s *Service) SubmitJob(key string, spec JobSpec) (Job, bool, error) {
	if err := s.requireSession(); err != nil {
		return Job{}, false, err
	}

	job, created, err := s.store.CreateOrGet(key, spec)
	if err != nil {
		return Job{}, false, err
	}
	if created {
		s.runner.Start(job.ID)
	}
	return job, created, nil
}

// GetJob returns the job record.
func (s *Service) GetJob(id string) (Job, error) {
	if err := s.requireSession(); err != nil {
		return Job{}, err
	}
	return s.store.Get(id)
}

// ReadEvents returns the job's events after the cursor, plus the next cursor.
func (s *Service) ReadEvents(id string, after int64, limit int) ([]Event, int64, error) {
	if err := s.requireSession(); err != nil {
		return nil, 0, err
	}
	return s.store.ReadEvents(id, after, limit)
}

// CancelJob requests cooperative cancellation. The request is accepted for
// any known job; terminal jobs are unaffected.
func (s *Service) CancelJob(id string) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	if _, err := s.store.Get(id); err != nil {
		return err
	}
	s.runner.Cancel(id)
	return nil
}

// Diff returns the workspace's uncommitted changes for the job's session.
func (s *Service) Diff(ctx context.Context, jobID string) (string, error) {
	if err := s.requireSession(); err != nil {
		return "", err
	}
	if _, err := s.store.Get(jobID); err != nil {
		return "", err
	}
	return s.differ.Diff(ctx)
}

// Shutdown waits for in-flight jobs after cancelling them.
func (s *Service) Shutdown() {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	s.logger.Info("Executor for session %s shutting down", id)
	s.runner.Wait()
}
