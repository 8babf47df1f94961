package executor

import "errors"

var (
	// ErrSessionNotInitialized is returned for job operations before the pool
	// has registered the session on this executor.
	ErrSessionNotInitialized = errors.New("session not initialized")

	// ErrSessionMismatch is returned when initialization is attempted with a
	// different session ID than the one already bound.
	ErrSessionMismatch = errors.New("executor already bound to another session")

	// ErrJobNotFound is returned when the job ID is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobActive is returned when a new job is submitted while another
	// non-terminal job exists. Each executor runs at most one job at a time.
	ErrJobActive = errors.New("a job is already active")

	// ErrNoVersionControl is returned when a diff is requested for a
	// workspace that is not under version control.
	ErrNoVersionControl = errors.New("workspace has no version control")

	// ErrBadCursor is returned for a malformed event cursor.
	ErrBadCursor = errors.New("malformed event cursor")
)
