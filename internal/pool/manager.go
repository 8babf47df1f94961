package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"forge/internal/logging"
)

// Metrics is the subset of pool instrumentation the manager reports to.
type Metrics interface {
	AdmissionGranted()
	AdmissionRejected()
	SpawnFailure()
	SessionStarted()
	SessionEnded()
	SessionEvicted()
}

type nopMetrics struct{}

func (nopMetrics) AdmissionGranted() {}
func (nopMetrics) AdmissionRejected() {}
func (nopMetrics) SpawnFailure()     {}
func (nopMetrics) SessionStarted()   {}
func (nopMetrics) SessionEnded()     {}
func (nopMetrics) SessionEvicted()   {}

// Readiness is the capacity report backing /health/ready. It reads the same
// counter admission uses.
type Readiness struct {
	Ready              bool `json:"-"`
	ActiveSessions     int  `json:"activeSessions"`
	PoolSize           int  `json:"poolSize"`
	AvailableCapacity  int  `json:"availableCapacity"`
	ProvisionerHealthy bool `json:"provisionerHealthy"`
}

// Manager orchestrates session lifecycle: admission, worktree provisioning,
// child spawn, token minting, teardown and idle eviction. Blocking work
// (provision, spawn, terminate) runs outside the registry lock; only state
// transitions take it.
type Manager struct {
	registry    *Registry
	provisioner Provisioner
	spawner     Spawner
	tokens      *TokenService
	idleTimeout time.Duration
	logger      logging.Logger
	metrics     Metrics
	client      *http.Client

	mu      sync.Mutex
	handles map[string]*Handle
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithMetrics attaches an instrumentation sink.
func WithMetrics(m Metrics) ManagerOption {
	return func(mgr *Manager) {
		if m != nil {
			mgr.metrics = m
		}
	}
}

// WithChildClient overrides the HTTP client used for pool→child calls.
func WithChildClient(c *http.Client) ManagerOption {
	return func(mgr *Manager) { mgr.client = c }
}

// NewManager wires the session orchestrator.
func NewManager(registry *Registry, provisioner Provisioner, spawner Spawner, tokens *TokenService, idleTimeout time.Duration, logger logging.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:    registry,
		provisioner: provisioner,
		spawner:     spawner,
		tokens:      tokens,
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     nopMetrics{},
		client:      &http.Client{Timeout: 10 * time.Second},
		handles:     make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession admits, provisions, spawns and activates a session, returning
// the record and its freshly minted token. Creation is all-or-nothing: any
// failure unwinds the capacity slot, the worktree and the child process
// before the error is returned, so no partial state is ever observable.
func (m *Manager) CreateSession(ctx context.Context, name, repoPath string) (Session, string, error) {
	sess, err := m.registry.Admit(name, repoPath)
	if err != nil {
		m.metrics.AdmissionRejected()
		return Session{}, "", err
	}
	m.metrics.AdmissionGranted()

	worktreePath, err := m.provisioner.Provision(ctx, repoPath)
	if err != nil {
		m.registry.Abort(sess.ID)
		return Session{}, "", fmt.Errorf("provision session %s: %w", sess.ID, err)
	}

	handle, err := m.spawner.Spawn(ctx, SpawnSpec{SessionID: sess.ID, WorkspaceDir: worktreePath})
	if err != nil {
		m.metrics.SpawnFailure()
		m.unwindCreation(sess.ID, worktreePath, nil)
		return Session{}, "", fmt.Errorf("spawn executor for session %s: %w", sess.ID, err)
	}

	if err := m.createChildSession(ctx, handle, sess); err != nil {
		m.metrics.SpawnFailure()
		m.unwindCreation(sess.ID, worktreePath, handle)
		return Session{}, "", fmt.Errorf("initialize executor session %s: %w", sess.ID, err)
	}

	if err := m.registry.Activate(sess.ID, worktreePath, handle.Endpoint, handle.AuthToken); err != nil {
		m.unwindCreation(sess.ID, worktreePath, handle)
		return Session{}, "", fmt.Errorf("activate session %s: %w", sess.ID, err)
	}

	m.mu.Lock()
	m.handles[sess.ID] = handle
	m.mu.Unlock()

	token := m.tokens.Mint(sess.ID)
	m.metrics.SessionStarted()

	activated, err := m.registry.Get(sess.ID)
	if err != nil {
		return Session{}, "", err
	}
	m.logger.Info("Session %s (%s) ready at %s", sess.ID, name, handle.Endpoint)
	return activated, token, nil
}

// unwindCreation releases everything allocated so far for a failed creation.
func (m *Manager) unwindCreation(sessionID, worktreePath string, handle *Handle) {
	// Unwind must run even when the caller's context is already dead.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if handle != nil {
		if err := m.spawner.Terminate(ctx, handle); err != nil {
			m.logger.Warn("Failed to terminate executor during unwind of %s: %v", sessionID, err)
		}
	}
	if worktreePath != "" {
		if err := m.provisioner.Remove(ctx, worktreePath); err != nil {
			m.logger.Warn("Failed to remove worktree during unwind of %s: %v", sessionID, err)
		}
	}
	m.registry.Abort(sessionID)
}

// createChildSession tells the freshly spawned child which session it serves.
// The pool-generated ID is authoritative for the whole lifecycle.
func (m *Manager) createChildSession(ctx context.Context, handle *Handle, sess Session) error {
	body, err := json.Marshal(map[string]string{
		"sessionId": sess.ID,
		"name":      sess.Name,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.Endpoint+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+handle.AuthToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: executor session create returned %d: %s", ErrSpawn, resp.StatusCode, string(payload))
	}
	return nil
}

// Teardown synchronously evicts one session. When it returns nil, the child
// has exited, the worktree is removed and the capacity slot is free.
func (m *Manager) Teardown(ctx context.Context, sessionID string) error {
	if err := m.registry.BeginEviction(sessionID); err != nil {
		return err
	}
	sess, err := m.registry.Get(sessionID)
	if err != nil {
		return err
	}
	return m.finishTeardown(ctx, sess)
}

// finishTeardown releases the process, then the worktree, then the slot — in
// that order, so capacity is never reported free while resources linger.
// Safe to retry: terminate and remove are both idempotent.
func (m *Manager) finishTeardown(ctx context.Context, sess Session) error {
	m.mu.Lock()
	handle := m.handles[sess.ID]
	m.mu.Unlock()

	if handle != nil {
		if err := m.spawner.Terminate(ctx, handle); err != nil {
			return fmt.Errorf("terminate executor for session %s: %w", sess.ID, err)
		}
	}

	if err := m.provisioner.Remove(ctx, sess.WorktreePath); err != nil {
		return fmt.Errorf("remove worktree for session %s: %w", sess.ID, err)
	}

	if err := m.registry.Remove(sess.ID); err != nil {
		// An explicit delete and the idle sweep can both tear down the same
		// EVICTING session; whoever loses finds the record already gone.
		// Terminate and worktree removal are idempotent, so the loser's pass
		// did no harm and the teardown as a whole succeeded.
		if errors.Is(err, ErrTerminated) || errors.Is(err, ErrNotFound) {
			m.mu.Lock()
			delete(m.handles, sess.ID)
			m.mu.Unlock()
			return nil
		}
		return err
	}

	m.mu.Lock()
	delete(m.handles, sess.ID)
	m.mu.Unlock()

	m.metrics.SessionEnded()
	m.logger.Info("Session %s terminated", sess.ID)
	return nil
}

// EvictIdle runs one sweep: flips idle READY sessions to EVICTING and tears
// them down, and retries any straggler left EVICTING by a previous failed
// attempt. A failing session is logged and left for the next sweep; it never
// blocks eviction of the others.
func (m *Manager) EvictIdle(ctx context.Context) int {
	evicted := 0
	for _, sess := range m.registry.CollectEvictable(m.idleTimeout) {
		if err := m.finishTeardown(ctx, sess); err != nil {
			m.logger.Warn("Eviction of session %s failed, will retry next sweep: %v", sess.ID, err)
			continue
		}
		m.metrics.SessionEvicted()
		evicted++
	}
	if evicted > 0 {
		m.logger.Info("Idle eviction cycle evicted %d session(s)", evicted)
	}
	return evicted
}

// Shutdown tears down every live session in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.registry.List()
	ids := lo.Map(sessions, func(s Session, _ int) string { return s.ID })
	m.logger.Info("Shutting down pool (%d live session(s))", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.registry.BeginEviction(id); err != nil && !errors.Is(err, ErrEvicting) {
				return nil // already gone
			}
			sess, err := m.registry.Get(id)
			if err != nil {
				return nil
			}
			if err := m.finishTeardown(gctx, sess); err != nil {
				m.logger.Warn("Shutdown teardown of session %s failed: %v", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Readiness reports capacity and provisioner health from the same counter
// admission decisions use.
func (m *Manager) Readiness() Readiness {
	active := m.registry.ActiveCount()
	size := m.registry.Size()
	healthy := m.provisioner.Healthcheck()
	return Readiness{
		Ready:              active < size && healthy,
		ActiveSessions:     active,
		PoolSize:           size,
		AvailableCapacity:  size - active,
		ProvisionerHealthy: healthy,
	}
}

// Route resolves a session to its child endpoint and credential, refreshing
// the activity timestamp atomically with respect to the eviction scan.
func (m *Manager) Route(sessionID string) (endpoint, childToken string, err error) {
	return m.registry.Route(sessionID)
}

// Get returns one session record.
func (m *Manager) Get(sessionID string) (Session, error) {
	return m.registry.Get(sessionID)
}

// List returns all live session records.
func (m *Manager) List() []Session {
	return m.registry.List()
}

// MarkBusy records that a job was dispatched to the session.
func (m *Manager) MarkBusy(sessionID string) { m.registry.MarkBusy(sessionID) }

// MarkReady records that the session's job reached a terminal state.
func (m *Manager) MarkReady(sessionID string) { m.registry.MarkReady(sessionID) }

// ValidateToken checks a session token and returns its session ID.
func (m *Manager) ValidateToken(token string) (string, error) {
	return m.tokens.Validate(token)
}
