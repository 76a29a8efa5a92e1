// Package config loads the daemon configuration from
// ~/.goloft/config.yaml with GOLOFT_* environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for the hosted planner backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RunConfig bounds run and step execution.
type RunConfig struct {
	// TimeoutSeconds is the wall-clock ceiling for a whole run. Default 600.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// StepTimeoutSeconds bounds one sandbox command. Default 60, capped at 600.
	StepTimeoutSeconds int `yaml:"step_timeout_seconds"`

	// MaxFailureRatio is the fraction of failed steps that fails the whole
	// run. Default 0.5.
	MaxFailureRatio float64 `yaml:"max_failure_ratio"`

	// WatchdogIntervalSeconds is how often stale running rows are swept.
	// Default 60.
	WatchdogIntervalSeconds int `yaml:"watchdog_interval_seconds"`
}

// IndexConfig tunes chunking, embedding, and watcher cadence.
type IndexConfig struct {
	ScanIntervalSeconds int   `yaml:"scan_interval_seconds"`
	CooldownSeconds     int   `yaml:"cooldown_seconds"`
	EmbeddingDim        int   `yaml:"embedding_dim"`
	ChunkSize           int   `yaml:"chunk_size"`
	ChunkOverlap        int   `yaml:"chunk_overlap"`
	MaxFileSizeBytes    int64 `yaml:"max_file_size_bytes"`
	TopK                int   `yaml:"top_k"`
}

// Execution modes for sandbox commands.
const (
	ExecutionModeHost   = "host"
	ExecutionModeDocker = "docker"
)

// ExecutionConfig selects how sandbox commands run.
type ExecutionConfig struct {
	// Mode is "host" (sh -c in the worktree) or "docker" (ephemeral container
	// with the worktree bind-mounted).
	Mode           string `yaml:"mode"`
	DockerImage    string `yaml:"docker_image"`
	DockerMemoryMB int64  `yaml:"docker_memory_mb"`
	DockerNetwork  string `yaml:"docker_network"`
}

// PlannerConfig describes the planner fallback chain: an explicit override
// command, then a hosted model API, then a local CLI agent.
type PlannerConfig struct {
	OverrideCommand string `yaml:"override_command"`

	Provider                 string `yaml:"provider"`
	Model                    string `yaml:"model"`
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`

	CLICommand string `yaml:"cli_command"`

	TimeoutSeconds int `yaml:"timeout_seconds"`

	// FailoverThreshold is the number of consecutive failures before a
	// backend's circuit breaker trips. Default 3.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker skips the
	// backend. Default 120.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`

	Providers map[string]ProviderConfig `yaml:"providers"`
}

// MaintenanceConfig holds cron expressions (5-field) for scheduled upkeep.
type MaintenanceConfig struct {
	FullRescanCron    string `yaml:"full_rescan_cron"`
	WorktreeSweepCron string `yaml:"worktree_sweep_cron"`
}

// TelemetryConfig mirrors the OTel provider settings.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required as a Bearer token on the HTTP and WS
	// surfaces. /healthz stays open.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Run         RunConfig         `yaml:"run"`
	Index       IndexConfig       `yaml:"index"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Planner     PlannerConfig     `yaml:"planner"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PlannerAPIKey returns the hosted-provider API key, env vars first.
func (c Config) PlannerAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if provider == "google" {
		if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
			return v
		}
	}
	if c.Planner.Providers != nil {
		if p, ok := c.Planner.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// RunTimeout returns the run ceiling as a duration.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Run.TimeoutSeconds) * time.Second
}

// StepTimeout returns the per-command ceiling as a duration.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.Run.StepTimeoutSeconds) * time.Second
}

// WatchdogInterval returns the stale-run sweep cadence as a duration.
func (c Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Run.WatchdogIntervalSeconds) * time.Second
}

// ScanInterval returns the watcher poll cadence as a duration.
func (c Config) ScanInterval() time.Duration {
	return time.Duration(c.Index.ScanIntervalSeconds) * time.Second
}

// Cooldown returns the reindex rate-limit window as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Index.CooldownSeconds) * time.Second
}

// PlannerTimeout bounds one planner backend invocation.
func (c Config) PlannerTimeout() time.Duration {
	return time.Duration(c.Planner.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, used to detect
// changes across reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|scan=%d|cooldown=%d|dim=%d|chunk=%d/%d|maxfile=%d|mode=%s|planner=%s/%s|cli=%s|origins=%v",
		c.BindAddr, c.LogLevel,
		c.Index.ScanIntervalSeconds, c.Index.CooldownSeconds, c.Index.EmbeddingDim,
		c.Index.ChunkSize, c.Index.ChunkOverlap, c.Index.MaxFileSizeBytes,
		c.Execution.Mode, c.Planner.Provider, c.Planner.Model, c.Planner.CLICommand,
		c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18930",
		LogLevel: "info",
		Run: RunConfig{
			TimeoutSeconds:          int((10 * time.Minute).Seconds()),
			StepTimeoutSeconds:      60,
			MaxFailureRatio:         0.5,
			WatchdogIntervalSeconds: 60,
		},
		Index: IndexConfig{
			ScanIntervalSeconds: 30,
			CooldownSeconds:     10,
			EmbeddingDim:        256,
			ChunkSize:           1200,
			ChunkOverlap:        200,
			MaxFileSizeBytes:    1 << 20,
			TopK:                5,
		},
		Execution: ExecutionConfig{
			Mode:           "host",
			DockerImage:    "alpine:3.20",
			DockerMemoryMB: 512,
			DockerNetwork:  "none",
		},
		Planner: PlannerConfig{
			Provider:                "google",
			CLICommand:              "loft-agent",
			TimeoutSeconds:          120,
			FailoverThreshold:       3,
			FailoverCooldownSeconds: 120,
		},
		Maintenance: MaintenanceConfig{
			FullRescanCron:    "0 3 * * *",
			WorktreeSweepCron: "30 3 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOLOFT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goloft")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goloft home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18930"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Run.TimeoutSeconds <= 0 {
		cfg.Run.TimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Run.StepTimeoutSeconds <= 0 {
		cfg.Run.StepTimeoutSeconds = 60
	}
	if cfg.Run.StepTimeoutSeconds > 600 {
		cfg.Run.StepTimeoutSeconds = 600
	}
	if cfg.Run.MaxFailureRatio <= 0 || cfg.Run.MaxFailureRatio > 1 {
		cfg.Run.MaxFailureRatio = 0.5
	}
	if cfg.Run.WatchdogIntervalSeconds <= 0 {
		cfg.Run.WatchdogIntervalSeconds = 60
	}
	if cfg.Index.ScanIntervalSeconds <= 0 {
		cfg.Index.ScanIntervalSeconds = 30
	}
	if cfg.Index.CooldownSeconds < 0 {
		cfg.Index.CooldownSeconds = 10
	}
	if cfg.Index.EmbeddingDim <= 0 {
		cfg.Index.EmbeddingDim = 256
	}
	if cfg.Index.ChunkSize <= 0 {
		cfg.Index.ChunkSize = 1200
	}
	if cfg.Index.ChunkOverlap < 0 {
		cfg.Index.ChunkOverlap = 200
	}
	if cfg.Index.MaxFileSizeBytes <= 0 {
		cfg.Index.MaxFileSizeBytes = 1 << 20
	}
	if cfg.Index.TopK <= 0 {
		cfg.Index.TopK = 5
	}
	cfg.Execution.Mode = strings.ToLower(strings.TrimSpace(cfg.Execution.Mode))
	if cfg.Execution.Mode == "" {
		cfg.Execution.Mode = ExecutionModeHost
	}
	if cfg.Execution.DockerImage == "" {
		cfg.Execution.DockerImage = "alpine:3.20"
	}
	if cfg.Execution.DockerMemoryMB <= 0 {
		cfg.Execution.DockerMemoryMB = 512
	}
	if cfg.Execution.DockerNetwork == "" {
		cfg.Execution.DockerNetwork = "none"
	}
	cfg.Planner.Provider = strings.ToLower(strings.TrimSpace(cfg.Planner.Provider))
	if cfg.Planner.Provider == "" || cfg.Planner.Provider == "gemini" {
		cfg.Planner.Provider = "google"
	}
	if cfg.Planner.CLICommand == "" {
		cfg.Planner.CLICommand = "loft-agent"
	}
	if cfg.Planner.TimeoutSeconds <= 0 {
		cfg.Planner.TimeoutSeconds = 120
	}
	if cfg.Planner.FailoverThreshold <= 0 {
		cfg.Planner.FailoverThreshold = 3
	}
	if cfg.Planner.FailoverCooldownSeconds <= 0 {
		cfg.Planner.FailoverCooldownSeconds = 120
	}
	if cfg.Maintenance.FullRescanCron == "" {
		cfg.Maintenance.FullRescanCron = "0 3 * * *"
	}
	if cfg.Maintenance.WorktreeSweepCron == "" {
		cfg.Maintenance.WorktreeSweepCron = "30 3 * * *"
	}
}

func validate(cfg *Config) error {
	switch cfg.Execution.Mode {
	case ExecutionModeHost, ExecutionModeDocker:
	default:
		return fmt.Errorf("execution.mode %q not supported (use host or docker)", cfg.Execution.Mode)
	}
	if cfg.Index.ChunkOverlap >= cfg.Index.ChunkSize {
		return fmt.Errorf("index.chunk_overlap (%d) must be smaller than index.chunk_size (%d)",
			cfg.Index.ChunkOverlap, cfg.Index.ChunkSize)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOLOFT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOLOFT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOLOFT_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("GOLOFT_RUN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Run.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOLOFT_STEP_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Run.StepTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOLOFT_SCAN_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Index.ScanIntervalSeconds = v
		}
	}
	if raw := os.Getenv("GOLOFT_INDEX_COOLDOWN_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Index.CooldownSeconds = v
		}
	}
	if raw := os.Getenv("GOLOFT_EMBEDDING_DIM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Index.EmbeddingDim = v
		}
	}
	if raw := os.Getenv("GOLOFT_MAX_FILE_SIZE_BYTES"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Index.MaxFileSizeBytes = v
		}
	}
	if raw := os.Getenv("GOLOFT_EXECUTION_MODE"); raw != "" {
		cfg.Execution.Mode = raw
	}
	if raw := os.Getenv("GOLOFT_PLANNER_OVERRIDE"); raw != "" {
		cfg.Planner.OverrideCommand = raw
	}
	if raw := os.Getenv("GOLOFT_PLANNER_PROVIDER"); raw != "" {
		cfg.Planner.Provider = raw
	}
	if raw := os.Getenv("GOLOFT_PLANNER_MODEL"); raw != "" {
		cfg.Planner.Model = raw
	}
	if raw := os.Getenv("GOLOFT_PLANNER_CLI"); raw != "" {
		cfg.Planner.CLICommand = raw
	}
	if raw := os.Getenv("GOLOFT_PLANNER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Planner.TimeoutSeconds = v
		}
	}
}
