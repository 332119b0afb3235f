// Package config loads and validates the agentd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the top-level agentd configuration.
type Config struct {
	General    General             `toml:"general"`
	API        API                 `toml:"api"`
	Gateway    Gateway             `toml:"gateway"`
	Sandbox    Sandbox             `toml:"sandbox"`
	RateLimits RateLimits          `toml:"rate_limits"`
	Providers  map[string]Provider `toml:"providers"`
	Tiers      Tiers               `toml:"tiers"`
	Webhook    Webhook             `toml:"webhook"`
	Temporal   TemporalConfig      `toml:"temporal"`
	Telemetry  Telemetry           `toml:"telemetry"`
}

// Gateway configures the single HTTP/JSON LLM endpoint that fronts every
// router tier's model family (§4.3A). APIKey is never read from TOML; it is
// only ever populated from AIML_API_KEY so it cannot be checked in.
type Gateway struct {
	URL               string   `toml:"url"`
	APIKey            string   `toml:"-"`
	RequestTimeout    Duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// General holds process-wide, mostly non-reloadable settings.
type General struct {
	LogLevel            string   `toml:"log_level"`
	Dev                 bool     `toml:"dev"`
	StateDB             string   `toml:"state_db"` // journal/usage-ledger sqlite path
	LockFile            string   `toml:"lock_file"`
	WorkspaceRoot       string   `toml:"workspace_root"` // parent of agent_workspace_<task_id> dirs
	MaxIterations       int      `toml:"max_iterations"`
	MaxConcurrentTasks  int      `toml:"max_concurrent_tasks"`
	TaskGracePeriod     Duration `toml:"task_grace_period"` // post-completion eviction delay
	RecentEventsForCtx  int      `toml:"recent_events_for_ctx"`
	EventStreamCapacity int      `toml:"event_stream_capacity"`
	DefaultModel        string   `toml:"default_model"` // fallback when a tier has no configured providers
}

// API holds HTTP server bind and security settings.
type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

// APISecurity controls bearer-token auth for the inbound HTTP surface.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// Sandbox controls the container-backed execution environment.
type Sandbox struct {
	Image        string   `toml:"image"`
	MemoryBytes  int64    `toml:"memory_bytes"`
	NanoCPUs     float64  `toml:"nano_cpus"`
	ExecTimeout  Duration `toml:"exec_timeout"`
	StopTimeout  Duration `toml:"stop_timeout"`
	PythonBinary string   `toml:"python_binary"`
}

// RateLimits enforces unified rate limits across all authed model families.
type RateLimits struct {
	Window5hCap       int `toml:"window_5h_cap"`
	WeeklyCap         int `toml:"weekly_cap"`
	WeeklyHeadroomPct int `toml:"weekly_headroom_pct"`
}

// Provider is one concrete model-family endpoint target.
type Provider struct {
	Model  string `toml:"model"`
	Authed bool   `toml:"authed"`
	Family string `toml:"family"` // complex, balanced, fast, coding, llama
}

// Tiers maps router tiers to ordered candidate provider names.
type Tiers struct {
	Complex  []string `toml:"complex"`
	Balanced []string `toml:"balanced"`
	Fast     []string `toml:"fast"`
	Coding   []string `toml:"coding"`
	Llama    []string `toml:"llama"`
}

// Webhook configures outbound lifecycle-event delivery.
type Webhook struct {
	URL           string   `toml:"url"`
	Secret        string   `toml:"secret"`
	Timeout       Duration `toml:"timeout"`
	MaxRetries    int      `toml:"max_retries"`
	InitialDelay  Duration `toml:"initial_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
}

// TemporalConfig controls the optional durable-workflow worker backend (§4.8A).
type TemporalConfig struct {
	Enabled   bool   `toml:"enabled"`
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// Telemetry controls OTLP trace export for agent loop iterations, sandbox
// execs, and LLM completions. Enabled=false disables export: spans are
// still created against the global no-op tracer, so instrumented code paths
// never need a nil check.
type Telemetry struct {
	Enabled        bool     `toml:"enabled"`
	Endpoint       string   `toml:"endpoint"` // OTLP/HTTP collector, e.g. "localhost:4318"
	ServiceName    string   `toml:"service_name"`
	Insecure       bool     `toml:"insecure"`
	SampleRatio    float64  `toml:"sample_ratio"`
	ExportTimeout  Duration `toml:"export_timeout"`
}

func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	clone := *cfg
	clone.Providers = cloneProviders(cfg.Providers)
	clone.Tiers.Complex = cloneStringSlice(cfg.Tiers.Complex)
	clone.Tiers.Balanced = cloneStringSlice(cfg.Tiers.Balanced)
	clone.Tiers.Fast = cloneStringSlice(cfg.Tiers.Fast)
	clone.Tiers.Coding = cloneStringSlice(cfg.Tiers.Coding)
	clone.Tiers.Llama = cloneStringSlice(cfg.Tiers.Llama)
	clone.API.Security.AllowedTokens = cloneStringSlice(cfg.API.Security.AllowedTokens)
	return &clone
}

func cloneProviders(in map[string]Provider) map[string]Provider {
	if in == nil {
		return nil
	}
	out := make(map[string]Provider, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates a TOML config file, applying defaults and
// environment-variable overrides for secrets.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(&cfg, md)
	applyEnvOverrides(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads the config file from path.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager loads the initial config and wraps it in a thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config, _ toml.MetaData) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "agentd.db"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "/tmp/agentd.lock"
	}
	if cfg.General.WorkspaceRoot == "" {
		cfg.General.WorkspaceRoot = "/tmp"
	}
	if cfg.General.MaxIterations <= 0 {
		cfg.General.MaxIterations = 50
	}
	if cfg.General.MaxConcurrentTasks <= 0 {
		cfg.General.MaxConcurrentTasks = 10
	}
	if cfg.General.TaskGracePeriod.Duration <= 0 {
		cfg.General.TaskGracePeriod = Duration{3600 * time.Second}
	}
	if cfg.General.RecentEventsForCtx <= 0 {
		cfg.General.RecentEventsForCtx = 20
	}
	if cfg.General.EventStreamCapacity <= 0 {
		cfg.General.EventStreamCapacity = 1000
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8088"
	}

	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "agentd-sandbox:latest"
	}
	if cfg.Sandbox.MemoryBytes <= 0 {
		cfg.Sandbox.MemoryBytes = 2 * 1024 * 1024 * 1024
	}
	if cfg.Sandbox.NanoCPUs <= 0 {
		cfg.Sandbox.NanoCPUs = 2.0
	}
	if cfg.Sandbox.ExecTimeout.Duration <= 0 {
		cfg.Sandbox.ExecTimeout = Duration{300 * time.Second}
	}
	if cfg.Sandbox.StopTimeout.Duration <= 0 {
		cfg.Sandbox.StopTimeout = Duration{10 * time.Second}
	}
	if cfg.Sandbox.PythonBinary == "" {
		cfg.Sandbox.PythonBinary = "python3"
	}

	if cfg.RateLimits.Window5hCap <= 0 {
		cfg.RateLimits.Window5hCap = 1000
	}
	if cfg.RateLimits.WeeklyCap <= 0 {
		cfg.RateLimits.WeeklyCap = 5000
	}
	if cfg.RateLimits.WeeklyHeadroomPct <= 0 {
		cfg.RateLimits.WeeklyHeadroomPct = 90
	}

	if cfg.Webhook.Timeout.Duration <= 0 {
		cfg.Webhook.Timeout = Duration{30 * time.Second}
	}
	if cfg.Webhook.MaxRetries <= 0 {
		cfg.Webhook.MaxRetries = 3
	}
	if cfg.Webhook.InitialDelay.Duration <= 0 {
		cfg.Webhook.InitialDelay = Duration{2 * time.Second}
	}
	if cfg.Webhook.MaxDelay.Duration <= 0 {
		cfg.Webhook.MaxDelay = Duration{30 * time.Second}
	}
	if cfg.Webhook.BackoffFactor <= 0 {
		cfg.Webhook.BackoffFactor = 2.0
	}

	if cfg.Gateway.RequestTimeout.Duration <= 0 {
		cfg.Gateway.RequestTimeout = Duration{60 * time.Second}
	}
	if cfg.Gateway.RequestsPerSecond <= 0 {
		cfg.Gateway.RequestsPerSecond = 5
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 10
	}

	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "agentd-tasks"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "agentd"
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 1.0
	}
	if cfg.Telemetry.ExportTimeout.Duration <= 0 {
		cfg.Telemetry.ExportTimeout = Duration{10 * time.Second}
	}
}

// applyEnvOverrides pulls secrets and a handful of operational knobs from the
// environment, per the recognized-keys table. Secrets are never written back
// to the TOML file.
func applyEnvOverrides(cfg *Config) {
	cfg.Gateway.APIKey = strings.TrimSpace(os.Getenv("AIML_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("WRITGO_API_URL")); v != "" {
		cfg.Webhook.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("WRITGO_WEBHOOK_SECRET")); v != "" {
		cfg.Webhook.Secret = v
		cfg.API.Security.AllowedTokens = append(cfg.API.Security.AllowedTokens, v)
	}
	if v := strings.TrimSpace(os.Getenv("MAX_ITERATIONS")); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.General.MaxIterations = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_TIMEOUT")); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.Sandbox.ExecTimeout = Duration{time.Duration(n) * time.Second}
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_TASKS")); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.General.MaxConcurrentTasks = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_MODEL")); v != "" {
		cfg.General.DefaultModel = v
	}
	applyModelEnvOverride(cfg, "MODEL_COMPLEX", "complex")
	applyModelEnvOverride(cfg, "MODEL_BALANCED", "balanced")
	applyModelEnvOverride(cfg, "MODEL_FAST", "fast")
	applyModelEnvOverride(cfg, "MODEL_CODING", "coding")
	applyModelEnvOverride(cfg, "MODEL_LLAMA", "llama")
}

func applyModelEnvOverride(cfg *Config, envKey, family string) {
	v := strings.TrimSpace(os.Getenv(envKey))
	if v == "" {
		return
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]Provider)
	}
	name := family + "-env"
	cfg.Providers[name] = Provider{Model: v, Family: family, Authed: true}
	switch family {
	case "complex":
		cfg.Tiers.Complex = append([]string{name}, cfg.Tiers.Complex...)
	case "balanced":
		cfg.Tiers.Balanced = append([]string{name}, cfg.Tiers.Balanced...)
	case "fast":
		cfg.Tiers.Fast = append([]string{name}, cfg.Tiers.Fast...)
	case "coding":
		cfg.Tiers.Coding = append([]string{name}, cfg.Tiers.Coding...)
	case "llama":
		cfg.Tiers.Llama = append([]string{name}, cfg.Tiers.Llama...)
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.General.WorkspaceRoot = ExpandHome(cfg.General.WorkspaceRoot)
	cfg.API.Security.AuditLog = ExpandHome(cfg.API.Security.AuditLog)
}

func validate(cfg *Config) error {
	if cfg.General.MaxIterations <= 0 {
		return fmt.Errorf("general.max_iterations must be positive")
	}
	if cfg.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	if cfg.API.Security.Enabled && len(cfg.API.Security.AllowedTokens) == 0 {
		return fmt.Errorf("api.security.enabled is true but no allowed_tokens configured")
	}
	if cfg.Gateway.APIKey == "" {
		return fmt.Errorf("AIML_API_KEY is not set")
	}
	return nil
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// HeadroomThreshold returns the configured weekly headroom warning percentage.
func (rl *RateLimits) HeadroomThreshold() int {
	return rl.WeeklyHeadroomPct
}
