package task

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/antigravity-dev/agentd/internal/agent"
	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/events"
	"github.com/antigravity-dev/agentd/internal/llmclient"
	"github.com/antigravity-dev/agentd/internal/ratelimit"
	"github.com/antigravity-dev/agentd/internal/sandbox"
	"github.com/antigravity-dev/agentd/internal/store"
	"github.com/antigravity-dev/agentd/internal/workspace"
)

// Task is the HTTP-accepted unit of work (§6 Task JSON).
type Task struct {
	TaskID      string
	Title       string
	Description string
	Prompt      string
	Priority    string
	UserID      string
	ProjectID   *string
}

// Service is the task lifecycle owner: registry, concurrency cap, webhook
// delivery, and the pluggable background-worker backend. One Service
// instance serves the whole process.
type Service struct {
	general config.General
	sandbox config.Sandbox

	registry *Registry
	sem      *semaphore.Weighted
	webhook  *WebhookClient
	backend  WorkerBackend

	llm       *llmclient.Client
	limiter   *ratelimit.RateLimiter
	providers map[string]config.Provider
	tiers     config.Tiers

	journal *store.Store // optional; nil disables the durability breadcrumb trail
	logger  *slog.Logger

	// runOverride lets tests in this package substitute a fake for the real
	// sandbox-backed run method without a live Docker daemon.
	runOverride func(context.Context, Task) (map[string]string, []string, int, []string, error)
}

// NewService wires a Service from its already-constructed dependencies.
// journal may be nil if no durability journal is configured.
func NewService(
	general config.General,
	sbCfg config.Sandbox,
	webhookCfg config.Webhook,
	backend WorkerBackend,
	llm *llmclient.Client,
	limiter *ratelimit.RateLimiter,
	providers map[string]config.Provider,
	tiers config.Tiers,
	journal *store.Store,
	logger *slog.Logger,
) *Service {
	webhookClient := NewWebhookClient(webhookCfg, logger)

	s := &Service{
		general:   general,
		sandbox:   sbCfg,
		registry:  NewRegistry(),
		sem:       semaphore.NewWeighted(int64(general.MaxConcurrentTasks)),
		webhook:   webhookClient,
		backend:   backend,
		llm:       llm,
		limiter:   limiter,
		providers: providers,
		tiers:     tiers,
		journal:   journal,
		logger:    logger,
	}

	webhookClient.OnDeliveryFailure(func(status string) {
		deliveryFailures.WithLabelValues(status).Inc()
	})

	return s
}

// Execute registers task and, if accepted, hands it to the configured
// worker backend. It returns *ErrDuplicateTask for an already-live
// task_id; the caller (internal/api) maps that to HTTP 409.
func (s *Service) Execute(task Task) error {
	if err := s.registry.Register(task.TaskID); err != nil {
		return err
	}

	s.registry.SetRunning(task.TaskID)
	activeTasks.Inc()
	s.webhook.Running(context.Background(), task.TaskID)
	s.recordJournal(task.TaskID, "running", "running")

	runFn := s.run
	if s.runOverride != nil {
		runFn = s.runOverride
	}

	s.backend.Submit(task.TaskID, func(ctx context.Context) (map[string]string, []string, int, []string, error) {
		return runFn(ctx, task)
	}, func(resultData map[string]string, resultFiles []string, iterations int, activityLog []string, err error) {
		s.onDone(task.TaskID, resultData, resultFiles, iterations, activityLog, err)
	})

	return nil
}

// Status returns the in-memory record for taskID.
func (s *Service) Status(taskID string) (Record, bool) {
	return s.registry.Get(taskID)
}

// run is the actual per-task work: block on the concurrency semaphore,
// instantiate sandbox/workspace/event-stream, run the agent loop, and
// extract its result. It always returns to the caller (the worker
// backend), which reports the outcome via onDone.
func (s *Service) run(ctx context.Context, task Task) (map[string]string, []string, int, []string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, 0, nil, fmt.Errorf("task: acquire concurrency slot: %w", err)
	}
	defer s.sem.Release(1)

	workspaceDir := filepath.Join(s.general.WorkspaceRoot, fmt.Sprintf("agent_workspace_%s", task.TaskID))
	ws := workspace.New(workspaceDir)

	sb, err := sandbox.Start(ctx, s.sandbox, task.TaskID, workspaceDir)
	if err != nil {
		return nil, nil, 0, nil, fmt.Errorf("task: sandbox unavailable: %w", err)
	}

	evStream := events.NewStream(s.general.EventStreamCapacity)
	loop := agent.NewLoop(task.TaskID, s.llm, s.limiter, s.providers, s.tiers, sb, ws, evStream,
		s.general.MaxIterations, s.general.RecentEventsForCtx)

	result := loop.Run(ctx, task.Prompt)

	activityLog := make([]string, 0, len(result.FinalObservations))
	for _, e := range result.FinalObservations {
		activityLog = append(activityLog, string(e.Type)+": "+e.Content)
	}

	if result.Err != nil {
		return nil, nil, result.Iterations, activityLog, result.Err
	}
	if result.State != agent.Completed {
		return nil, nil, result.Iterations, activityLog, fmt.Errorf("task: loop ended in state %s", result.State)
	}
	return result.ResultData, result.Files, result.Iterations, activityLog, nil
}

// onDone is the backend's completion callback: it updates the registry,
// dispatches the terminal webhook, and schedules eviction.
func (s *Service) onDone(taskID string, resultData map[string]string, resultFiles []string, iterations int, activityLog []string, err error) {
	ctx := context.Background()

	activeTasks.Dec()
	loopIterations.Observe(float64(iterations))

	if err != nil {
		s.registry.SetFailed(taskID, err.Error())
		s.webhook.Failed(ctx, taskID, err.Error())
		s.recordJournal(taskID, "failed", "failed")
		s.logger.Error("task failed", "task_id", taskID, "error", err)
	} else {
		s.registry.SetCompleted(taskID)
		s.webhook.Completed(ctx, taskID, resultData, resultFiles, iterations, activityLog)
		s.recordJournal(taskID, "completed", "completed")
		s.logger.Info("task completed", "task_id", taskID, "iterations", iterations)
	}

	gracePeriod := s.general.TaskGracePeriod.Duration
	if gracePeriod <= 0 {
		gracePeriod = 3600 * time.Second
	}
	s.registry.ScheduleEviction(taskID, gracePeriod)
}

func (s *Service) recordJournal(taskID, status, eventType string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.UpsertJournal(taskID, status, eventType, time.Now()); err != nil {
		s.logger.Error("journal upsert failed", "task_id", taskID, "error", err)
	}
}

// RecoverOrphans logs journal rows left "running" by an unclean shutdown and
// marks them orphaned_on_restart; the rows are kept. It never resumes them (§9A): the journal is an operator
// breadcrumb trail, not a task store.
func (s *Service) RecoverOrphans() error {
	if s.journal == nil {
		return nil
	}
	entries, err := s.journal.RunningJournalEntries()
	if err != nil {
		return fmt.Errorf("task: list running journal entries: %w", err)
	}
	for _, e := range entries {
		if _, live := s.registry.Get(e.TaskID); live {
			continue
		}
		s.logger.Warn("orphaned_on_restart", "task_id", e.TaskID, "last_event_type", e.LastEventType, "last_event_at", e.LastEventAt)
		if err := s.journal.MarkOrphaned(e.TaskID); err != nil {
			s.logger.Error("failed to mark orphaned journal entry", "task_id", e.TaskID, "error", err)
		}
	}
	return nil
}
