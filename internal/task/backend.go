package task

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/antigravity-dev/agentd/internal/config"
	agenttemporal "github.com/antigravity-dev/agentd/internal/temporal"
)

// RunFunc is the agent-loop work for one task. It returns the fields needed
// to report the completed webhook, or an error to report failed.
type RunFunc func(ctx context.Context) (resultData map[string]string, resultFiles []string, iterations int, activityLog []string, err error)

// WorkerBackend executes a task's RunFunc on a background worker. Both
// implementations satisfy the identical HTTP-visible contract (§6) and
// dispatch the same three webhook events regardless of which is active;
// the backend only changes how (and how durably) the work is scheduled.
type WorkerBackend interface {
	// Submit schedules fn to run for taskID and returns immediately; fn runs
	// on some goroutine (in-process or, for TemporalBackend, inside a
	// Temporal activity). done is invoked exactly once with fn's outcome.
	Submit(taskID string, fn RunFunc, done func(resultData map[string]string, resultFiles []string, iterations int, activityLog []string, err error))
}

// GoroutineBackend is the default worker backend: one goroutine per task.
type GoroutineBackend struct{}

// NewGoroutineBackend constructs the default backend.
func NewGoroutineBackend() *GoroutineBackend { return &GoroutineBackend{} }

func (b *GoroutineBackend) Submit(taskID string, fn RunFunc, done func(map[string]string, []string, int, []string, error)) {
	go func() {
		resultData, resultFiles, iterations, activityLog, err := fn(context.Background())
		done(resultData, resultFiles, iterations, activityLog, err)
	}()
}

// TemporalBackend runs each task's agent loop as a single Temporal Activity
// inside RunTaskWorkflow when temporal.enabled is set (§4.8A). The activity
// is attempted once and finds its runner in this process's memory, so a
// task interrupted by a process crash is not resumed. Submit still returns
// immediately; the workflow result is awaited on a background goroutine so
// the interface stays identical to GoroutineBackend from the caller's side.
type TemporalBackend struct {
	client    client.Client
	taskQueue string
}

// NewTemporalBackend wraps an already-started *temporal.Worker's client.
func NewTemporalBackend(w *agenttemporal.Worker, cfg config.TemporalConfig) *TemporalBackend {
	return &TemporalBackend{client: w.Client(), taskQueue: cfg.TaskQueue}
}

func (b *TemporalBackend) Submit(taskID string, fn RunFunc, done func(map[string]string, []string, int, []string, error)) {
	agenttemporal.Register(taskID, agenttemporal.Runner(fn))

	go func() {
		defer agenttemporal.Unregister(taskID)

		ctx := context.Background()
		opts := client.StartWorkflowOptions{
			ID:        "agentd-task-" + taskID,
			TaskQueue: b.taskQueue,
		}
		run, err := b.client.ExecuteWorkflow(ctx, opts, agenttemporal.RunTaskWorkflow, agenttemporal.TaskInput{TaskID: taskID})
		if err != nil {
			done(nil, nil, 0, nil, fmt.Errorf("temporal: start workflow: %w", err))
			return
		}

		var out agenttemporal.TaskOutput
		if err := run.Get(ctx, &out); err != nil {
			done(nil, nil, 0, nil, fmt.Errorf("temporal: workflow failed: %w", err))
			return
		}
		done(out.ResultData, out.ResultFiles, out.Iterations, out.ActivityLog, nil)
	}()
}
