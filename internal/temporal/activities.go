package temporal

import (
	"context"
	"fmt"
	"sync"
)

// Runner is the activity-side signature of a task's agent loop work; it
// matches task.RunFunc's return shape so TemporalBackend can register a
// closure here without internal/temporal importing internal/task (which
// would create an import cycle, since task.TemporalBackend imports this
// package).
type Runner func(ctx context.Context) (resultData map[string]string, resultFiles []string, iterations int, activityLog []string, err error)

var (
	mu      sync.Mutex
	runners = make(map[string]Runner)
)

// Register records taskID's runner before starting its workflow. The
// activity looks it up by task_id since Temporal activity arguments must
// be data, not closures.
func Register(taskID string, run Runner) {
	mu.Lock()
	defer mu.Unlock()
	runners[taskID] = run
}

// Unregister removes taskID's runner once its workflow has completed.
func Unregister(taskID string) {
	mu.Lock()
	defer mu.Unlock()
	delete(runners, taskID)
}

func lookup(taskID string) (Runner, bool) {
	mu.Lock()
	defer mu.Unlock()
	run, ok := runners[taskID]
	return run, ok
}

// Activities holds no state. Its methods use pointer receivers so a nil
// *Activities can still form valid method values for
// workflow.ExecuteActivity inside RunTaskWorkflow.
type Activities struct{}

// RunAgentLoopActivity runs the agent loop previously registered for
// input.TaskID and returns its result. It does not itself construct the
// sandbox/workspace/loop — those are assembled by task.Service, which
// registers the closure via Register before the workflow starts.
func (a *Activities) RunAgentLoopActivity(ctx context.Context, input TaskInput) (TaskOutput, error) {
	run, ok := lookup(input.TaskID)
	if !ok {
		return TaskOutput{}, fmt.Errorf("temporal: no runner registered for task %q", input.TaskID)
	}

	resultData, resultFiles, iterations, activityLog, err := run(ctx)
	if err != nil {
		return TaskOutput{}, err
	}
	return TaskOutput{
		ResultData:  resultData,
		ResultFiles: resultFiles,
		Iterations:  iterations,
		ActivityLog: activityLog,
	}, nil
}
