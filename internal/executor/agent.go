package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forge/internal/logging"
)

// TaskAgent is the built-in agent: it records the task in the workspace,
// emits progress over the event stream, and optionally commits the result.
// Deployments with a real coding agent swap in their own Agent.
type TaskAgent struct {
	run    gitRunner
	logger logging.Logger
}

// NewTaskAgent builds the built-in agent.
func NewTaskAgent(logger logging.Logger) *TaskAgent {
	return &TaskAgent{run: runGit, logger: logger}
}

// RunTask appends the task to the workspace journal, then commits when
// autoCommit is set. Cancellation is checked between steps.
func (a *TaskAgent) RunTask(ctx context.Context, workspaceDir string, spec JobSpec, emit EmitFunc) error {
	emit(EventJobProgress, TextData("recording task"))

	journal := filepath.Join(workspaceDir, "TASKS.md")
	entry := fmt.Sprintf("- [%s] %s\n", time.Now().UTC().Format(time.RFC3339), spec.Task)
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open task journal: %w", err)
	}
	if _, err := f.WriteString(entry); err != nil {
		_ = f.Close()
		return fmt.Errorf("append task journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close task journal: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if spec.AutoCommit {
		emit(EventJobProgress, TextData("committing workspace changes"))
		if _, err := a.run(ctx, "-C", workspaceDir, "add", "-A"); err != nil {
			return fmt.Errorf("stage changes: %w", err)
		}
		if _, err := a.run(ctx, "-C", workspaceDir, "commit", "-m", spec.Task, "--allow-empty"); err != nil {
			return fmt.Errorf("commit changes: %w", err)
		}
	}

	return ctx.Err()
}
