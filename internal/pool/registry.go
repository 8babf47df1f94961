package pool

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
)

// tombstoneCapacity bounds how many terminated session IDs are remembered so
// late job calls can be answered with "terminated" instead of a bare 404.
const tombstoneCapacity = 1024

// Registry is the single source of truth for session records and capacity
// accounting. One mutex covers the table, every per-session state transition
// and every activity-timestamp update, so "read capacity then admit" and
// "check idle then evict" are atomic with respect to each other and to the
// activity refresh in Route.
type Registry struct {
	mu         sync.Mutex
	size       int
	sessions   map[string]*Session
	tombstones *lru.Cache[string, time.Time]
	clock      clock.Clock
}

// NewRegistry creates a registry with the given pool size.
func NewRegistry(size int, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	tombstones, _ := lru.New[string, time.Time](tombstoneCapacity)
	return &Registry{
		size:       size,
		sessions:   make(map[string]*Session),
		tombstones: tombstones,
		clock:      clk,
	}
}

// Admit atomically checks capacity and inserts a new PROVISIONING record.
// No two concurrent admissions can both observe the last free slot.
func (r *Registry) Admit(name, repoPath string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.liveCountLocked()
	if active >= r.size {
		return Session{}, CapacityError(active, r.size)
	}

	now := r.clock.Now()
	sess := &Session{
		ID:             uuid.NewString(),
		Name:           name,
		RepoPath:       repoPath,
		State:          StateProvisioning,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[sess.ID] = sess
	return *sess, nil
}

// Activate transitions a PROVISIONING session to READY and records the
// resources bound during creation.
func (r *Registry) Activate(id, worktreePath, childEndpoint, childToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.State != StateProvisioning {
		return ErrInvalidState
	}
	sess.WorktreePath = worktreePath
	sess.ChildEndpoint = childEndpoint
	sess.childToken = childToken
	sess.State = StateReady
	sess.LastActivityAt = r.clock.Now()
	return nil
}

// Abort discards a PROVISIONING record after a creation failure. The slot is
// released immediately and no tombstone is left: from the caller's view the
// session never existed.
func (r *Registry) Abort(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[id]; ok && sess.State == StateProvisioning {
		delete(r.sessions, id)
	}
}

// Get returns a copy of the session record.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(id)
}

// Route returns the child endpoint and pool→child credential for a live
// session, refreshing its activity timestamp in the same critical section.
// The refresh shares the registry mutex with the eviction scan, so a session
// that was just routed to cannot be selected as idle by a concurrent sweep
// using an older timestamp.
func (r *Registry) Route(id string) (endpoint, childToken string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		if _, terminated := r.tombstones.Get(id); terminated {
			return "", "", ErrTerminated
		}
		return "", "", ErrNotFound
	}
	switch sess.State {
	case StateReady, StateBusy:
		sess.LastActivityAt = r.clock.Now()
		return sess.ChildEndpoint, sess.childToken, nil
	case StateEvicting:
		return "", "", ErrEvicting
	default:
		return "", "", ErrInvalidState
	}
}

// MarkBusy flips READY→BUSY when a job is dispatched.
func (r *Registry) MarkBusy(id string) {
	r.setState(id, StateReady, StateBusy)
}

// MarkReady flips BUSY→READY once a terminal job state has been observed.
func (r *Registry) MarkReady(id string) {
	r.setState(id, StateBusy, StateReady)
}

func (r *Registry) setState(id string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok && sess.State == from {
		sess.State = to
	}
}

// BeginEviction flips a live session to EVICTING. Used by explicit teardown;
// the idle sweep uses CollectEvictable instead. Once EVICTING, the session
// must reach TERMINATED: there is no way back.
func (r *Registry) BeginEviction(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	switch sess.State {
	case StateReady, StateBusy, StateProvisioning:
		r.sessions[id].State = StateEvicting
		return nil
	case StateEvicting:
		return ErrEvicting
	default:
		return ErrInvalidState
	}
}

// CollectEvictable selects sessions for the idle sweep: READY sessions idle
// past the timeout are flipped to EVICTING and returned, together with any
// straggler already in EVICTING whose previous teardown attempt failed. The
// flip happens under the same lock Route's activity refresh uses, so a
// just-routed session can never be picked with a stale timestamp.
func (r *Registry) CollectEvictable(idleTimeout time.Duration) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-idleTimeout)
	var selected []Session
	for _, sess := range r.sessions {
		switch {
		case sess.State == StateReady && sess.LastActivityAt.Before(cutoff):
			sess.State = StateEvicting
			selected = append(selected, *sess)
		case sess.State == StateEvicting:
			selected = append(selected, *sess)
		}
	}
	return selected
}

// Remove finalizes teardown: the EVICTING record is deleted, the slot is
// released and a tombstone is left behind. Callers invoke this only after
// the child process has exited and the worktree is gone.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.State != StateEvicting {
		return ErrInvalidState
	}
	delete(r.sessions, id)
	r.tombstones.Add(id, r.clock.Now())
	return nil
}

// List returns copies of all live session records.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(lo.Values(r.sessions), func(s *Session, _ int) Session { return *s })
}

// ActiveCount returns the number of capacity-consuming sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveCountLocked()
}

// Size returns the configured pool size.
func (r *Registry) Size() int {
	return r.size
}

// Available returns the number of free slots.
func (r *Registry) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size - r.liveCountLocked()
}

func (r *Registry) liveCountLocked() int {
	count := 0
	for _, sess := range r.sessions {
		if sess.State.countsAgainstCapacity() {
			count++
		}
	}
	return count
}

func (r *Registry) lookupLocked(id string) (Session, error) {
	if sess, ok := r.sessions[id]; ok {
		return *sess, nil
	}
	if _, terminated := r.tombstones.Get(id); terminated {
		return Session{}, ErrTerminated
	}
	return Session{}, ErrNotFound
}
