// Package agent implements the central orchestrator: observe context,
// route to a model, request the next action, dispatch it to the sandbox or
// workspace, record the observation, and decide whether to continue.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/events"
	"github.com/antigravity-dev/agentd/internal/llmclient"
	"github.com/antigravity-dev/agentd/internal/planner"
	"github.com/antigravity-dev/agentd/internal/ratelimit"
	"github.com/antigravity-dev/agentd/internal/router"
	"github.com/antigravity-dev/agentd/internal/sandbox"
	"github.com/antigravity-dev/agentd/internal/telemetry"
	"github.com/antigravity-dev/agentd/internal/workspace"
)

// consecutiveErrorCap is the fixed number of consecutive error observations
// that terminates a task with failure.
const consecutiveErrorCap = 3

const planDocument = "todo.md"

// State is the loop's lifecycle state. Transitions are terminal.
type State string

const (
	Idle             State = "idle"
	Running          State = "running"
	Completed        State = "completed"
	MaxIterationsHit State = "max_iterations_hit"
	Failed           State = "failed"
)

// Result is what the loop returns once it reaches a terminal state.
type Result struct {
	State             State
	Iterations        int
	Summary           string
	Files             []string
	ResultData        map[string]string
	FinalObservations []events.Event
	Err               error
}

// Loop is the per-task agent loop orchestrator. A Loop is used once, for
// one task.
type Loop struct {
	TaskID    string
	LLM       *llmclient.Client
	Limiter   *ratelimit.RateLimiter
	Providers map[string]config.Provider
	Tiers     config.Tiers
	Sandbox   *sandbox.Sandbox
	Workspace *workspace.Store
	Events    *events.Stream

	MaxIterations      int
	RecentEventsForCtx int

	state State
	plan  *planner.Plan
}

// NewLoop constructs a Loop in its Idle state.
func NewLoop(taskID string, llm *llmclient.Client, limiter *ratelimit.RateLimiter, providers map[string]config.Provider, tiers config.Tiers, sb *sandbox.Sandbox, ws *workspace.Store, evs *events.Stream, maxIterations, recentEventsForCtx int) *Loop {
	return &Loop{
		TaskID:             taskID,
		LLM:                llm,
		Limiter:            limiter,
		Providers:          providers,
		Tiers:              tiers,
		Sandbox:            sb,
		Workspace:          ws,
		Events:             evs,
		MaxIterations:      maxIterations,
		RecentEventsForCtx: recentEventsForCtx,
		state:              Idle,
	}
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() State { return l.state }

// resolveModel asks the router for a tier, then the rate limiter for a
// concrete provider within that tier, falling back to the tier's first
// configured provider if every authed candidate is rate-limited.
func (l *Loop) resolveModel(stepType string, recentErrors int) (string, func(), error) {
	complexity := router.Complexity(stepType, recentErrors)
	tier := router.Select(stepType, complexity)

	provider, _, release, err := l.Limiter.PickAndReserveProvider(string(tier), l.Providers, l.Tiers, l.TaskID, stepType)
	if err != nil {
		return "", func() {}, fmt.Errorf("agent: resolve model for tier %s: %w", tier, err)
	}
	if provider == nil {
		candidates := map[router.Tier][]string{
			router.Complex:  l.Tiers.Complex,
			router.Coding:   l.Tiers.Coding,
			router.Fast:     l.Tiers.Fast,
			router.Balanced: l.Tiers.Balanced,
		}[tier]
		for _, name := range candidates {
			if p, ok := l.Providers[name]; ok {
				return p.Model, func() {}, nil
			}
		}
		return "", func() {}, fmt.Errorf("agent: no provider configured for tier %s", tier)
	}
	if release == nil {
		release = func() {}
	}
	return provider.Model, release, nil
}

// Run drives the loop to a terminal state: creates the plan, iterates up to
// MaxIterations, and always ensures the sandbox is stopped before
// returning.
func (l *Loop) Run(ctx context.Context, taskPrompt string) *Result {
	l.state = Running
	defer func() {
		_ = l.Sandbox.Stop(context.Background())
	}()

	planModel, release, err := l.resolveModel("planning", 0)
	if err != nil {
		return l.fail(0, fmt.Errorf("agent: pick planning model: %w", err))
	}
	plan, err := planner.Create(ctx, l.LLM, planModel, taskPrompt)
	release()
	if err != nil {
		return l.fail(0, fmt.Errorf("agent: create plan: %w", err))
	}
	l.plan = plan

	l.Events.Append(events.Event{Type: events.Task, Content: taskPrompt})
	l.persistPlan()

	consecutiveErrors := 0
	for iteration := 1; iteration <= l.MaxIterations; iteration++ {
		result, done, newConsecutiveErrors := l.runIteration(ctx, taskPrompt, iteration, consecutiveErrors)
		consecutiveErrors = newConsecutiveErrors
		if done {
			return result
		}
	}

	return &Result{
		State:             MaxIterationsHit,
		Iterations:        l.MaxIterations,
		FinalObservations: l.Events.ByType(events.Observation),
		Err:               fmt.Errorf("agent: reached max iterations (%d) without completion", l.MaxIterations),
	}
}

// runIteration executes one plan/act/observe cycle under its own trace span.
// It returns (result, done, nextConsecutiveErrors); done is true once Run
// should return result instead of continuing to the next iteration.
func (l *Loop) runIteration(ctx context.Context, taskPrompt string, iteration, consecutiveErrors int) (*Result, bool, int) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanLoopIteration, l.TaskID,
		attribute.Int(telemetry.AttrIteration, iteration))
	var iterErr error
	defer func() { telemetry.MarkResult(span, iterErr); span.End() }()

	step := l.plan.CurrentStep()
	stepType := "general"
	if step != nil {
		stepType = step.Type
	}

	recentErrors := 0
	for _, e := range l.Events.Recent(l.recentEventsForCtx()) {
		if e.Type == events.Observation && isErrorObservation(e.Content) {
			recentErrors++
		}
	}
	model, release, err := l.resolveModel(stepType, recentErrors)
	if err != nil {
		iterErr = fmt.Errorf("agent: pick model: %w", err)
		return l.fail(iteration, iterErr), true, consecutiveErrors
	}

	action, err := l.requestAction(ctx, model, taskPrompt, step)
	release()
	if err != nil {
		iterErr = fmt.Errorf("agent: request action: %w", err)
		return l.fail(iteration, iterErr), true, consecutiveErrors
	}

	if action.Kind == Complete {
		l.Events.Append(events.Event{Type: events.Action, Content: "complete: " + action.Summary})
		return l.succeed(iteration, action), true, consecutiveErrors
	}

	observation := l.dispatch(ctx, action)
	l.Events.Append(events.Event{Type: events.Action, Content: describeAction(action)})
	l.Events.Append(events.Event{Type: events.Observation, Content: observation})
	l.persistPlan()

	if isErrorObservation(observation) {
		consecutiveErrors++
		if consecutiveErrors >= consecutiveErrorCap {
			iterErr = fmt.Errorf("agent: %d consecutive error observations", consecutiveErrors)
			return l.fail(iteration, iterErr), true, consecutiveErrors
		}
		l.appendRecoveryDiagnosis(ctx, observation, consecutiveErrors)
	} else {
		consecutiveErrors = 0
	}

	if l.plan.IsComplete() {
		return l.succeed(iteration, Action{Summary: "plan complete"}), true, consecutiveErrors
	}

	return nil, false, consecutiveErrors
}

// requestAction asks the LLM for the next action given the current context:
// recent events, the plan, and the current step.
func (l *Loop) requestAction(ctx context.Context, model, taskPrompt string, step *planner.Step) (Action, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanLLMCompletion, l.TaskID,
		attribute.String(telemetry.AttrModel, model))
	var err error
	defer func() { telemetry.MarkResult(span, err); span.End() }()

	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt()},
		{Role: "user", Content: l.contextPrompt(taskPrompt, step)},
	}

	var resp *llmclient.Response
	resp, err = l.LLM.Complete(ctx, llmclient.Request{
		Model:    model,
		Messages: messages,
		Tools:    Catalog,
	})
	if err != nil {
		return Action{}, err
	}
	if len(resp.ToolCalls) == 0 {
		return Action{Kind: Unknown}, nil
	}
	return ParseAction(resp.ToolCalls[0]), nil
}

func (l *Loop) contextPrompt(taskPrompt string, step *planner.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", taskPrompt)
	b.WriteString(l.plan.Render())
	b.WriteString("\n")

	if step != nil {
		fmt.Fprintf(&b, "Current step: %s (type: %s)\n\n", step.Text, step.Type)
	}

	recent := l.Events.Recent(l.recentEventsForCtx())
	b.WriteString("Recent events:\n")
	for _, e := range recent {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Type, truncateForCtx(e.Content))
	}

	files, _ := l.Workspace.List("")
	fmt.Fprintf(&b, "\nWorkspace files: %s\n", strings.Join(files, ", "))

	return b.String()
}

func (l *Loop) recentEventsForCtx() int {
	if l.RecentEventsForCtx <= 0 {
		return 20
	}
	return l.RecentEventsForCtx
}

const ctxPreviewLimit = 500

func truncateForCtx(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= ctxPreviewLimit {
		return s
	}
	return s[:ctxPreviewLimit] + "..."
}

// dispatch routes an action to the sandbox or workspace and returns a
// textual observation.
func (l *Loop) dispatch(ctx context.Context, a Action) string {
	var out string
	var err error

	sandboxRouted := a.Kind == ExecutePython || a.Kind == ShellCommand || a.Kind == BrowserNavigate || a.Kind == WebSearch
	var span trace.Span
	if sandboxRouted {
		ctx, span = telemetry.StartSpan(ctx, telemetry.SpanSandboxExec, l.TaskID,
			attribute.String(telemetry.AttrActionType, string(a.Kind)))
		defer func() { telemetry.MarkResult(span, err); span.End() }()
	}

	switch a.Kind {
	case ExecutePython:
		out, err = l.Sandbox.ExecutePython(ctx, a.Code)
	case ShellCommand:
		out, err = l.Sandbox.ShellCommand(ctx, a.Command)
	case BrowserNavigate:
		out, err = l.Sandbox.BrowserNavigate(ctx, a.URL, a.Op, a.Selector, a.Value)
	case WebSearch:
		n := a.NumResults
		if n <= 0 {
			n = 5
		}
		out, err = l.Sandbox.WebSearch(ctx, a.Query, n)
	case SaveFile:
		err = l.Workspace.Save(a.Filename, a.Content)
		out = fmt.Sprintf("saved %s (%d bytes)", a.Filename, len(a.Content))
	case ReadFile:
		out, err = l.Workspace.Read(a.Filename)
	case Unknown:
		return "no-op: unrecognized action"
	}

	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

func describeAction(a Action) string {
	switch a.Kind {
	case ExecutePython:
		return "execute_python"
	case ShellCommand:
		return "shell_command: " + a.Command
	case BrowserNavigate:
		return fmt.Sprintf("browser_navigate: %s %s", a.Op, a.URL)
	case WebSearch:
		return "web_search: " + a.Query
	case SaveFile:
		return "save_file: " + a.Filename
	case ReadFile:
		return "read_file: " + a.Filename
	default:
		return string(a.Kind)
	}
}

// appendRecoveryDiagnosis asks the LLM for a one-shot diagnosis of the
// failing observation and records it as a recovery event. A failure to
// obtain a diagnosis is itself recorded, not propagated — recovery is
// advisory, never fatal.
func (l *Loop) appendRecoveryDiagnosis(ctx context.Context, observation string, attempt int) {
	model, release, err := l.resolveModel("analysis", attempt)
	if err != nil {
		l.Events.Append(events.Event{Type: events.Recovery, Content: "diagnosis unavailable: " + err.Error()})
		return
	}
	defer release()

	resp, err := l.LLM.Complete(ctx, llmclient.Request{
		Model: model,
		Messages: []llmclient.Message{
			{Role: "system", Content: "Diagnose the following error in one or two sentences and suggest a fix."},
			{Role: "user", Content: observation},
		},
	})
	if err != nil {
		l.Events.Append(events.Event{Type: events.Recovery, Content: "diagnosis unavailable: " + err.Error()})
		return
	}
	l.Events.Append(events.Event{Type: events.Recovery, Content: resp.Content})
}

func (l *Loop) persistPlan() {
	_ = l.Workspace.Save(planDocument, l.plan.Render())
}

func (l *Loop) succeed(iteration int, action Action) *Result {
	files, resultData := l.extractResult()
	return &Result{
		State:             Completed,
		Iterations:        iteration,
		Summary:           action.Summary,
		Files:             files,
		ResultData:        resultData,
		FinalObservations: lastN(l.Events.ByType(events.Observation), 5),
	}
}

func (l *Loop) fail(iteration int, err error) *Result {
	return &Result{
		State:             Failed,
		Iterations:        iteration,
		Files:             listWorkspaceFiles(l.Workspace),
		FinalObservations: lastN(l.Events.ByType(events.Observation), 5),
		Err:               err,
	}
}

// extractResult lists workspace files and reads back every text-like
// artifact (.json, .md, .txt, .csv) for inclusion in the task's result data.
func (l *Loop) extractResult() ([]string, map[string]string) {
	files := listWorkspaceFiles(l.Workspace)
	data := make(map[string]string)
	for _, name := range files {
		if !hasResultExtension(name) {
			continue
		}
		content, err := l.Workspace.Read(name)
		if err != nil {
			continue
		}
		data[name] = content
	}
	return files, data
}

func listWorkspaceFiles(ws *workspace.Store) []string {
	files, err := ws.List("")
	if err != nil {
		return nil
	}
	return files
}

func hasResultExtension(name string) bool {
	for _, ext := range []string{".json", ".md", ".txt", ".csv"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func lastN(evs []events.Event, n int) []events.Event {
	if len(evs) <= n {
		return evs
	}
	return evs[len(evs)-n:]
}

func systemPrompt() string {
	return "You are an autonomous task agent. On every turn, reply with exactly one tool call " +
		"from the available action catalog (execute_python, shell_command, browser_navigate, " +
		"web_search, save_file, read_file, complete). Track the numbered plan shown to you and " +
		"work through it step by step. If a previous action's observation indicates an error, " +
		"learn from it before retrying rather than repeating the same action. Call complete only " +
		"once every step of the plan is satisfied."
}
