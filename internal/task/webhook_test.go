package task

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-dev/agentd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestWebhookClient_RunningSendsBearerAndStatus(t *testing.T) {
	var gotAuth string
	var gotBody webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookClient(config.Webhook{URL: srv.URL, Secret: "shh", Timeout: config.Duration{Duration: time.Second}}, testLogger())
	c.Running(t.Context(), "T-1")

	if gotAuth != "Bearer shh" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.TaskID != "T-1" || gotBody.Status != "running" {
		t.Errorf("unexpected payload: %+v", gotBody)
	}
}

func TestWebhookClient_CompletedIncludesSessionData(t *testing.T) {
	var gotBody webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookClient(config.Webhook{URL: srv.URL, Timeout: config.Duration{Duration: time.Second}}, testLogger())
	c.Completed(t.Context(), "T-1", map[string]string{"fibonacci.txt": "0 1 1 2"}, []string{"fibonacci.txt"}, 4, []string{"step 1", "step 2"})

	if gotBody.Status != "completed" {
		t.Fatalf("status = %q", gotBody.Status)
	}
	if gotBody.SessionData == nil || gotBody.SessionData.Iterations != 4 {
		t.Errorf("unexpected session data: %+v", gotBody.SessionData)
	}
	if len(gotBody.ResultFiles) != 1 || gotBody.ResultFiles[0] != "fibonacci.txt" {
		t.Errorf("unexpected result files: %v", gotBody.ResultFiles)
	}
}

func TestWebhookClient_FailedIncludesErrorMessage(t *testing.T) {
	var gotBody webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookClient(config.Webhook{URL: srv.URL, Timeout: config.Duration{Duration: time.Second}}, testLogger())
	c.Failed(t.Context(), "T-1", "sandbox unavailable")

	if gotBody.Status != "failed" || gotBody.ErrorMessage != "sandbox unavailable" {
		t.Errorf("unexpected payload: %+v", gotBody)
	}
}

func TestWebhookClient_RetriesOnNon2xxThenGivesUp(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Webhook{
		URL:           srv.URL,
		Timeout:       config.Duration{Duration: time.Second},
		MaxRetries:    2,
		InitialDelay:  config.Duration{Duration: time.Millisecond},
		MaxDelay:      config.Duration{Duration: 5 * time.Millisecond},
		BackoffFactor: 2.0,
	}
	c := NewWebhookClient(cfg, testLogger())

	var failedStatus string
	c.OnDeliveryFailure(func(status string) { failedStatus = status })
	c.Running(t.Context(), "T-1")

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 1 initial attempt + 2 retries = 3 total, got %d", got)
	}
	if failedStatus != "running" {
		t.Errorf("expected delivery-failure callback with status 'running', got %q", failedStatus)
	}
}

func TestWebhookClient_BlankURLIsNoOp(t *testing.T) {
	c := NewWebhookClient(config.Webhook{}, testLogger())
	c.Running(t.Context(), "T-1")
}
