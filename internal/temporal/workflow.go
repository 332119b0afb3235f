package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// RunTaskWorkflow is the minimal durable wrapper around one task's agent
// loop: a single activity, no retry of the loop itself (the loop already
// has its own error-recovery and termination policy; an activity retry
// would re-run an already-iterating agent from scratch).
func RunTaskWorkflow(ctx workflow.Context, input TaskInput) (TaskOutput, error) {
	opts := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, opts)

	var a *Activities
	var out TaskOutput
	err := workflow.ExecuteActivity(ctx, a.RunAgentLoopActivity, input).Get(ctx, &out)
	return out, err
}
