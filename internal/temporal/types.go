// Package temporal wires the optional durable-workflow worker backend
// (§4.8A): a single Temporal Activity, RunAgentLoopActivity, runs one
// task's agent loop inside a minimal Workflow when temporal.enabled is set,
// without changing the in-memory semantics of the default GoroutineBackend.
// Runners live in this process's memory, so a task interrupted by a process
// crash is not resumed.
package temporal

// TaskInput is RunTaskWorkflow's argument: the registered task_id whose
// RunFunc closure was recorded via Register before the workflow started.
type TaskInput struct {
	TaskID string
}

// TaskOutput is RunAgentLoopActivity's result, the same shape task.RunFunc
// returns, flattened for Temporal's JSON data converter.
type TaskOutput struct {
	ResultData  map[string]string
	ResultFiles []string
	Iterations  int
	ActivityLog []string
}
