package task

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/llmclient"
	"github.com/antigravity-dev/agentd/internal/ratelimit"
	"github.com/antigravity-dev/agentd/internal/store"
)

func testService(t *testing.T, webhookURL string, runOverride func(context.Context, Task) (map[string]string, []string, int, []string, error)) *Service {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	general := config.General{
		MaxConcurrentTasks:  5,
		MaxIterations:       10,
		RecentEventsForCtx:  20,
		EventStreamCapacity: 1000,
		TaskGracePeriod:     config.Duration{Duration: 50 * time.Millisecond},
		WorkspaceRoot:       t.TempDir(),
	}
	webhookCfg := config.Webhook{URL: webhookURL, Timeout: config.Duration{Duration: time.Second}}
	limiter := ratelimit.NewRateLimiter(s, config.RateLimits{Window5hCap: 100, WeeklyCap: 1000, WeeklyHeadroomPct: 90})
	llm := llmclient.New("http://unused.invalid", "key", time.Second)

	svc := NewService(general, config.Sandbox{}, webhookCfg, NewGoroutineBackend(), llm, limiter, nil, config.Tiers{}, s, testLogger())
	svc.runOverride = runOverride
	return svc
}

func TestExecute_RejectsDuplicateLiveTaskID(t *testing.T) {
	svc := testService(t, "", func(ctx context.Context, task Task) (map[string]string, []string, int, []string, error) {
		<-ctx.Done() // never finishes during the test
		return nil, nil, 0, nil, ctx.Err()
	})

	if err := svc.Execute(Task{TaskID: "T-1"}); err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	err := svc.Execute(Task{TaskID: "T-1"})
	if _, ok := err.(*ErrDuplicateTask); !ok {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestExecute_DispatchesRunningThenCompletedWebhooks(t *testing.T) {
	var mu sync.Mutex
	var statuses []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookPayload
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		statuses = append(statuses, body.Status)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	done := make(chan struct{})
	svc := testService(t, srv.URL, func(ctx context.Context, task Task) (map[string]string, []string, int, []string, error) {
		defer close(done)
		return map[string]string{"out.txt": "42"}, []string{"out.txt"}, 2, []string{"action: did a thing"}, nil
	})

	if err := svc.Execute(Task{TaskID: "T-1", Prompt: "do a thing"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to complete")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(statuses)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 || statuses[0] != "running" || statuses[len(statuses)-1] != "completed" {
		t.Fatalf("unexpected webhook sequence: %v", statuses)
	}

	rec, ok := svc.Status("T-1")
	if !ok || rec.Status != Completed {
		t.Fatalf("expected completed record, got %+v (ok=%v)", rec, ok)
	}
}

func TestExecute_FailurePropagatesToFailedWebhook(t *testing.T) {
	var mu sync.Mutex
	var statuses []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookPayload
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		statuses = append(statuses, body.Status)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	done := make(chan struct{})
	svc := testService(t, srv.URL, func(ctx context.Context, task Task) (map[string]string, []string, int, []string, error) {
		defer close(done)
		return nil, nil, 1, nil, context.DeadlineExceeded
	})

	if err := svc.Execute(Task{TaskID: "T-1"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run to complete")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(statuses)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, ok := svc.Status("T-1")
	if !ok || rec.Status != Failed {
		t.Fatalf("expected failed record, got %+v (ok=%v)", rec, ok)
	}
}

func TestStatus_UnknownTaskReturnsFalse(t *testing.T) {
	svc := testService(t, "", nil)
	if _, ok := svc.Status("nope"); ok {
		t.Error("expected Status to report not found for unknown task")
	}
}
