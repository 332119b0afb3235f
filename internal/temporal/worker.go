package temporal

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/agentd/internal/config"
)

// Worker owns the Temporal client connection and the running worker
// goroutine for the agentd task queue.
type Worker struct {
	client client.Client
	worker worker.Worker
	logger *slog.Logger
}

// StartWorker connects to Temporal and registers RunTaskWorkflow /
// RunAgentLoopActivity on cfg.TaskQueue.
func StartWorker(cfg config.TemporalConfig, logger *slog.Logger) (*Worker, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial failed: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	acts := &Activities{}

	w.RegisterWorkflow(RunTaskWorkflow)
	w.RegisterActivity(acts.RunAgentLoopActivity)

	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("temporal: worker start failed: %w", err)
	}

	logger.Info("temporal worker started", "task_queue", cfg.TaskQueue, "namespace", cfg.Namespace)
	return &Worker{client: c, worker: w, logger: logger}, nil
}

// Client exposes the underlying Temporal client so TemporalBackend can
// start workflow executions.
func (w *Worker) Client() client.Client { return w.client }

// Stop shuts down the worker and closes the client connection.
func (w *Worker) Stop() {
	w.worker.Stop()
	w.client.Close()
}
