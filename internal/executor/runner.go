package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"forge/internal/logging"
)

// Standard event types emitted over a job's stream.
const (
	EventJobStarted   = "job.started"
	EventJobProgress  = "job.progress"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
)

// EmitFunc publishes one progress event on the running job's stream.
type EmitFunc func(eventType string, data json.RawMessage)

// Agent performs the actual coding work for one job. Implementations must
// honor ctx cancellation: returning ctx.Err() marks the job CANCELLED.
type Agent interface {
	RunTask(ctx context.Context, workspaceDir string, spec JobSpec, emit EmitFunc) error
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, workspaceDir string, spec JobSpec, emit EmitFunc) error

func (f AgentFunc) RunTask(ctx context.Context, workspaceDir string, spec JobSpec, emit EmitFunc) error {
	return f(ctx, workspaceDir, spec, emit)
}

// Runner drives jobs through the agent one at a time, recording state
// transitions and lifecycle events in the store.
type Runner struct {
	store        *JobStore
	agent        Agent
	workspaceDir string
	logger       logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner wires a runner over the store and agent.
func NewRunner(store *JobStore, agent Agent, workspaceDir string, logger logging.Logger) *Runner {
	return &Runner{
		store:        store,
		agent:        agent,
		workspaceDir: workspaceDir,
		logger:       logger,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Start launches the job's execution in the background. The job must already
// exist in the store in QUEUED state.
func (r *Runner) Start(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, jobID)
}

func (r *Runner) run(ctx context.Context, jobID string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[jobID]; ok {
			cancel()
			delete(r.cancels, jobID)
		}
		r.mu.Unlock()
	}()

	job, err := r.store.Get(jobID)
	if err != nil {
		r.logger.Error("Cannot run unknown job %s: %v", jobID, err)
		return
	}

	r.store.SetRunning(jobID)
	r.store.Append(jobID, EventJobStarted, TextData(job.Spec.Task))
	r.logger.Info("Job %s started", jobID)

	emit := func(eventType string, data json.RawMessage) {
		r.store.Append(jobID, eventType, data)
	}

	err = r.agent.RunTask(ctx, r.workspaceDir, job.Spec, emit)
	switch {
	case err == nil:
		r.store.Finish(jobID, JobCompleted, "")
		r.store.Append(jobID, EventJobCompleted, nil)
		r.logger.Info("Job %s completed", jobID)
	case errors.Is(err, context.Canceled):
		r.store.Finish(jobID, JobCancelled, "")
		r.store.Append(jobID, EventJobCancelled, nil)
		r.logger.Info("Job %s cancelled", jobID)
	default:
		r.store.Finish(jobID, JobFailed, err.Error())
		r.store.Append(jobID, EventJobFailed, TextData(err.Error()))
		r.logger.Warn("Job %s failed: %v", jobID, err)
	}
}

// Cancel requests cooperative cancellation of a running job. Cancelling a
// job that is already terminal or unknown to the runner is a no-op; the
// caller reports acceptance, not completion.
func (r *Runner) Cancel(jobID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()

	if ok {
		r.logger.Info("Cancellation requested for job %s", jobID)
		cancel()
	}
}

// Wait blocks until all launched jobs have finished. Used during shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}
