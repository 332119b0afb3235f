package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
state_db = "/tmp/agentd-test.db"
lock_file = "/tmp/agentd-test.lock"
workspace_root = "/tmp/agentd-test-workspace"
max_iterations = 50
max_concurrent_tasks = 10

[api]
bind = "127.0.0.1:8088"

[sandbox]
image = "agentd-sandbox:latest"
exec_timeout = "300s"

[rate_limits]
window_5h_cap = 20
weekly_cap = 200
weekly_headroom_pct = 80

[providers.cerebras]
family = "fast"
authed = false
model = "llama-4-scout"

[providers.claude-complex]
family = "complex"
authed = true
model = "claude-opus"

[tiers]
fast = ["cerebras"]
complex = ["claude-complex"]

[webhook]
url = "https://example.com/hooks/agentd"
secret = "test-secret"
`

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("AIML_API_KEY", "test-key")
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.MaxIterations != 50 {
		t.Errorf("expected max_iterations 50, got %d", cfg.General.MaxIterations)
	}
	if cfg.Sandbox.ExecTimeout.Duration != 300*time.Second {
		t.Errorf("expected exec_timeout 300s, got %s", cfg.Sandbox.ExecTimeout.Duration)
	}
	if len(cfg.Tiers.Fast) != 1 || cfg.Tiers.Fast[0] != "cerebras" {
		t.Errorf("unexpected fast tier: %v", cfg.Tiers.Fast)
	}
	if cfg.Gateway.APIKey != "test-key" {
		t.Errorf("expected gateway API key from AIML_API_KEY, got %q", cfg.Gateway.APIKey)
	}
}

func TestLoad_MissingAPIKeyIsFatal(t *testing.T) {
	t.Setenv("AIML_API_KEY", "")
	path := writeTestConfig(t, validConfig)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail when AIML_API_KEY is unset")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Setenv("AIML_API_KEY", "test-key")
	path := writeTestConfig(t, `
[sandbox]
image = "agentd-sandbox:latest"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.MaxIterations != 50 {
		t.Errorf("expected default max_iterations 50, got %d", cfg.General.MaxIterations)
	}
	if cfg.General.EventStreamCapacity != 1000 {
		t.Errorf("expected default event_stream_capacity 1000, got %d", cfg.General.EventStreamCapacity)
	}
	if cfg.Webhook.BackoffFactor != 2.0 {
		t.Errorf("expected default backoff_factor 2.0, got %f", cfg.Webhook.BackoffFactor)
	}
}

func TestLoad_EnvOverridesApply(t *testing.T) {
	t.Setenv("AIML_API_KEY", "test-key")
	t.Setenv("MAX_ITERATIONS", "25")
	t.Setenv("MAX_CONCURRENT_TASKS", "4")
	t.Setenv("MODEL_FAST", "env-fast-model")
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.MaxIterations != 25 {
		t.Errorf("expected MAX_ITERATIONS override to apply, got %d", cfg.General.MaxIterations)
	}
	if cfg.General.MaxConcurrentTasks != 4 {
		t.Errorf("expected MAX_CONCURRENT_TASKS override to apply, got %d", cfg.General.MaxConcurrentTasks)
	}
	if cfg.Tiers.Fast[0] != "fast-env" {
		t.Errorf("expected env-injected fast provider to lead the tier, got %v", cfg.Tiers.Fast)
	}
	if p, ok := cfg.Providers["fast-env"]; !ok || p.Model != "env-fast-model" {
		t.Errorf("expected fast-env provider with model env-fast-model, got %+v", cfg.Providers["fast-env"])
	}
}

func TestLoad_RequiresAllowedTokensWhenSecurityEnabled(t *testing.T) {
	t.Setenv("AIML_API_KEY", "test-key")
	path := writeTestConfig(t, validConfig+"\n[api.security]\nenabled = true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail when security is enabled with no allowed_tokens")
	}
}

func TestClone_DeepCopiesSlicesAndMaps(t *testing.T) {
	t.Setenv("AIML_API_KEY", "test-key")
	path := writeTestConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	clone := cfg.Clone()
	clone.Tiers.Fast[0] = "mutated"
	clone.Providers["cerebras"] = Provider{Model: "mutated"}

	if cfg.Tiers.Fast[0] == "mutated" {
		t.Error("mutating clone's tier slice affected the original")
	}
	if cfg.Providers["cerebras"].Model == "mutated" {
		t.Error("mutating clone's provider map affected the original")
	}
}
