package pool

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pool domain. The HTTP layer maps these to status
// codes via errors.Is, so every orchestration path wraps rather than
// replaces them.

var (
	// ErrCapacity indicates the pool is at its configured size.
	ErrCapacity = errors.New("pool at capacity")

	// ErrNotFound indicates no live session exists for the given ID.
	ErrNotFound = errors.New("session not found")

	// ErrTerminated indicates the session existed but has been torn down.
	ErrTerminated = errors.New("session terminated")

	// ErrEvicting indicates the session is mid-teardown and no longer
	// accepts traffic. Eviction is not cancellable once begun.
	ErrEvicting = errors.New("session evicting")

	// ErrInvalidState indicates a lifecycle transition was requested from a
	// state that does not permit it.
	ErrInvalidState = errors.New("invalid session state")

	// ErrProvision indicates the worktree could not be created.
	ErrProvision = errors.New("worktree provisioning failed")

	// ErrSpawn indicates the child executor could not be brought to ready.
	ErrSpawn = errors.New("executor spawn failed")

	// ErrInvalidToken indicates a session token failed validation.
	ErrInvalidToken = errors.New("invalid session token")
)

// CapacityError wraps ErrCapacity with the current occupancy.
func CapacityError(active, size int) error {
	return fmt.Errorf("%w: %d/%d sessions active", ErrCapacity, active, size)
}
