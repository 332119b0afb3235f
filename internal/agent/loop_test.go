package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/events"
	"github.com/antigravity-dev/agentd/internal/llmclient"
	"github.com/antigravity-dev/agentd/internal/planner"
	"github.com/antigravity-dev/agentd/internal/ratelimit"
	"github.com/antigravity-dev/agentd/internal/store"
	"github.com/antigravity-dev/agentd/internal/workspace"
)

func testLimiter(t *testing.T) *ratelimit.RateLimiter {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return ratelimit.NewRateLimiter(s, config.RateLimits{Window5hCap: 100, WeeklyCap: 1000, WeeklyHeadroomPct: 90})
}

func testProvidersAndTiers() (map[string]config.Provider, config.Tiers) {
	providers := map[string]config.Provider{
		"cerebras":     {Family: "fast", Authed: false, Model: "llama-fast"},
		"claude-max20": {Family: "balanced", Authed: true, Model: "claude-balanced"},
		"gpt-complex":  {Family: "complex", Authed: true, Model: "gpt-complex"},
		"gpt-coding":   {Family: "coding", Authed: true, Model: "gpt-coding"},
	}
	tiers := config.Tiers{
		Fast:     []string{"cerebras"},
		Balanced: []string{"claude-max20"},
		Complex:  []string{"gpt-complex"},
		Coding:   []string{"gpt-coding"},
	}
	return providers, tiers
}

func newTestLoop(t *testing.T, llmURL string) *Loop {
	t.Helper()
	providers, tiers := testProvidersAndTiers()
	return &Loop{
		TaskID:             "task-1",
		LLM:                llmclient.New(llmURL, "test-key", time.Second),
		Limiter:            testLimiter(t),
		Providers:          providers,
		Tiers:              tiers,
		Workspace:          workspace.New(t.TempDir()),
		Events:             events.NewStream(100),
		MaxIterations:      10,
		RecentEventsForCtx: 20,
	}
}

func TestResolveModel_RoutesToExpectedTier(t *testing.T) {
	loop := newTestLoop(t, "http://unused.invalid")

	model, release, err := loop.resolveModel("code", 0)
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	release()
	if model != "gpt-coding" {
		t.Errorf("model = %q, want gpt-coding", model)
	}

	model, release, err = loop.resolveModel("simple", 0)
	if err != nil {
		t.Fatalf("resolveModel failed: %v", err)
	}
	release()
	// "simple" has complexity 0.3, which sits in the balanced band.
	if model != "claude-balanced" {
		t.Errorf("model = %q, want claude-balanced", model)
	}
}

func TestRequestAction_ParsesToolCallFromGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"tool_calls"`
		}{
			ToolCalls: []struct {
				ID        string `json:"id"`
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{{ID: "1", Name: "shell_command", Arguments: `{"command":"echo hi"}`}},
		})
	}))
	defer srv.Close()

	loop := newTestLoop(t, srv.URL)
	loop.plan = &planner.Plan{Steps: []planner.Step{{Text: "run a command", Type: "general", Status: planner.Pending}}}

	action, err := loop.requestAction(t.Context(), "claude-balanced", "do a thing", loop.plan.CurrentStep())
	if err != nil {
		t.Fatalf("requestAction failed: %v", err)
	}
	if action.Kind != ShellCommand || action.Command != "echo hi" {
		t.Errorf("unexpected action: %+v", action)
	}
}

func TestDescribeAction(t *testing.T) {
	cases := []struct {
		action Action
		want   string
	}{
		{Action{Kind: ShellCommand, Command: "ls"}, "shell_command: ls"},
		{Action{Kind: SaveFile, Filename: "a.txt"}, "save_file: a.txt"},
		{Action{Kind: WebSearch, Query: "go"}, "web_search: go"},
	}
	for _, c := range cases {
		if got := describeAction(c.action); got != c.want {
			t.Errorf("describeAction(%+v) = %q, want %q", c.action, got, c.want)
		}
	}
}

func TestExtractResult_OnlyReadsKnownExtensions(t *testing.T) {
	ws := workspace.New(t.TempDir())
	ws.Save("result.json", `{"ok":true}`)
	ws.Save("notes.md", "# notes")
	ws.Save("data.bin", "\x00\x01")

	loop := &Loop{Workspace: ws}
	files, data := loop.extractResult()
	if len(files) != 3 {
		t.Fatalf("expected 3 files listed, got %d: %v", len(files), files)
	}
	if _, ok := data["result.json"]; !ok {
		t.Error("expected result.json in result data")
	}
	if _, ok := data["notes.md"]; !ok {
		t.Error("expected notes.md in result data")
	}
	if _, ok := data["data.bin"]; ok {
		t.Error("did not expect data.bin in result data")
	}
}

func TestSystemPrompt_MentionsSingleActionRule(t *testing.T) {
	if systemPrompt() == "" {
		t.Fatal("expected non-empty system prompt")
	}
	if !strings.Contains(systemPrompt(), "exactly one tool call") {
		t.Error("system prompt does not state the one-tool-call-per-turn rule")
	}
}

func TestNewLoop_StartsIdle(t *testing.T) {
	providers, tiers := testProvidersAndTiers()
	loop := NewLoop("task-1", llmclient.New("http://unused.invalid", "key", time.Second), testLimiter(t), providers, tiers, nil, workspace.New(t.TempDir()), events.NewStream(10), 5, 20)
	if loop.State() != Idle {
		t.Errorf("State() = %v, want Idle", loop.State())
	}
}

func TestLastN(t *testing.T) {
	evs := []events.Event{{Content: "a"}, {Content: "b"}, {Content: "c"}}
	got := lastN(evs, 2)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Errorf("unexpected lastN result: %+v", got)
	}
	if got := lastN(evs, 10); len(got) != 3 {
		t.Errorf("expected all events when n > len, got %d", len(got))
	}
}
