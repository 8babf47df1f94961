package pool

import "time"

// State is the lifecycle state of a pooled session.
//
// PROVISIONING and EVICTING are transient; TERMINATED is terminal and the
// record leaves the registry once teardown has confirmed process exit and
// worktree removal.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateEvicting     State = "evicting"
	StateTerminated   State = "terminated"
)

// countsAgainstCapacity reports whether a session in this state holds a pool
// slot. Everything short of TERMINATED does; slots are released only after
// teardown completes.
func (s State) countsAgainstCapacity() bool {
	return s != StateTerminated
}

// Session is one admitted, capacity-consuming unit: one worktree, one child
// executor process, one bearer token.
type Session struct {
	ID       string `json:"sessionId"`
	Name     string `json:"name"`
	RepoPath string `json:"repoPath"`

	WorktreePath  string `json:"worktreePath,omitempty"`
	ChildEndpoint string `json:"-"`
	// childToken authenticates pool→child calls. It never leaves the pool
	// process and is unrelated to the caller-facing session token.
	childToken string

	State          State     `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}
