// Package planner builds and tracks a task's step-by-step plan: a single
// completion request produces a numbered list of steps, each tagged with an
// inferred type. The plan exposes MarkComplete/MarkFailed; the agent loop
// renders the plan each iteration but does not change step status itself.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/agentd/internal/llmclient"
)

// Status is a step's lifecycle state.
type Status string

const (
	Pending   Status = "pending"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Step is one unit of work in a Plan.
type Step struct {
	Text        string
	Type        string
	Status      Status
	Observation string
	Err         string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Plan is an ordered list of steps created once at task start; step status
// changes only through MarkComplete and MarkFailed.
type Plan struct {
	Title     string
	CreatedAt time.Time
	Steps     []Step
}

var numberedLineRE = regexp.MustCompile(`^\s*\d+[.)]\s*(.+)$`)

// keywordTypes maps a step-type to the keywords that infer it, checked in
// table order (first match wins) per the planner's keyword table.
var keywordTypes = []struct {
	Type     string
	Keywords []string
}{
	{"research", []string{"search", "find information"}},
	{"browser", []string{"scrape", "browser", "navigate", "website"}},
	{"analysis", []string{"analyze", "process", "calculate"}},
	{"file_operation", []string{"write", "create file", "save", "generate"}},
	{"code", []string{"code", "script", "program"}},
}

// inferStepType returns the step type inferred from text by keyword match,
// or "general" if nothing matches.
func inferStepType(text string) string {
	lower := strings.ToLower(text)
	for _, kt := range keywordTypes {
		for _, kw := range kt.Keywords {
			if strings.Contains(lower, kw) {
				return kt.Type
			}
		}
	}
	return "general"
}

// ParseSteps scans text for lines beginning with a digit followed by "." or
// ")", treating the remainder of each such line as a step.
func ParseSteps(text string) []Step {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		m := numberedLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		stepText := strings.TrimSpace(m[1])
		if stepText == "" {
			continue
		}
		steps = append(steps, Step{
			Text:   stepText,
			Type:   inferStepType(stepText),
			Status: Pending,
		})
	}
	return steps
}

// planPrompt asks the high-capability model for a numbered plan to
// accomplish the given task description.
func planPrompt(taskDescription string) string {
	return fmt.Sprintf(`You are planning how to accomplish the following task:

%s

Break this down into a numbered list of concrete, sequential steps. Each
step should be a single line starting with its number followed by a period,
e.g.:

1. First step
2. Second step

Respond with ONLY the numbered list, nothing else.`, taskDescription)
}

// Create sends a single completion request to the high-capability model
// (the caller resolves "model" to a concrete identifier via the router and
// config.Tiers before calling) and parses the result into a Plan.
func Create(ctx context.Context, client *llmclient.Client, model, taskDescription string) (*Plan, error) {
	resp, err := client.Complete(ctx, llmclient.Request{
		Model:    model,
		Messages: []llmclient.Message{{Role: "user", Content: planPrompt(taskDescription)}},
	})
	if err != nil {
		return nil, fmt.Errorf("planner: create plan: %w", err)
	}

	steps := ParseSteps(resp.Content)
	if len(steps) == 0 {
		return nil, fmt.Errorf("planner: no numbered steps found in plan response")
	}

	return &Plan{
		Title:     taskDescription,
		CreatedAt: time.Now(),
		Steps:     steps,
	}, nil
}

// CurrentStep returns a pointer to the first pending step, or nil if none
// remain.
func (p *Plan) CurrentStep() *Step {
	for i := range p.Steps {
		if p.Steps[i].Status == Pending {
			return &p.Steps[i]
		}
	}
	return nil
}

// MarkComplete marks step i completed with the given observation.
func (p *Plan) MarkComplete(i int, observation string) {
	if i < 0 || i >= len(p.Steps) {
		return
	}
	p.Steps[i].Status = Completed
	p.Steps[i].Observation = observation
	p.Steps[i].FinishedAt = time.Now()
}

// MarkFailed marks step i failed with the given error.
func (p *Plan) MarkFailed(i int, stepErr string) {
	if i < 0 || i >= len(p.Steps) {
		return
	}
	p.Steps[i].Status = Failed
	p.Steps[i].Err = stepErr
	p.Steps[i].FinishedAt = time.Now()
}

// IsComplete reports whether every step is completed (a failed step does
// not count as complete; the agent loop decides how to treat it).
func (p *Plan) IsComplete() bool {
	for _, s := range p.Steps {
		if s.Status != Completed {
			return false
		}
	}
	return true
}

// CompletionRatio returns the fraction of steps that are completed.
func (p *Plan) CompletionRatio() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range p.Steps {
		if s.Status == Completed {
			done++
		}
	}
	return float64(done) / float64(len(p.Steps))
}

const observationPreviewLimit = 200

// Render produces the progress document the agent writes after every
// iteration: title, creation time, a numbered checklist, an optional
// one-line observation preview per step, and the completion ratio.
func (p *Plan) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	fmt.Fprintf(&b, "Created: %s\n\n", p.CreatedAt.Format(time.RFC3339))

	for i, s := range p.Steps {
		box := "[ ]"
		if s.Status == Completed {
			box = "[x]"
		} else if s.Status == Failed {
			box = "[!]"
		}
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, box, s.Text)

		preview := s.Observation
		if s.Status == Failed {
			preview = s.Err
		}
		if preview != "" {
			fmt.Fprintf(&b, "   %s\n", truncate(preview, observationPreviewLimit))
		}
	}

	fmt.Fprintf(&b, "\n%.0f%% complete\n", p.CompletionRatio()*100)
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
