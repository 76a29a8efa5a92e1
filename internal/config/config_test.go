package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atticlabs/go-loft/internal/config"
)

func TestLoadDefaultsWhenNoConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("NeedsGenesis = false, want true for missing config.yaml")
	}
	if cfg.BindAddr != "127.0.0.1:18930" {
		t.Fatalf("BindAddr = %q, want default", cfg.BindAddr)
	}
	if cfg.Index.EmbeddingDim != 256 {
		t.Fatalf("EmbeddingDim = %d, want 256", cfg.Index.EmbeddingDim)
	}
	if cfg.Index.ChunkSize != 1200 || cfg.Index.ChunkOverlap != 200 {
		t.Fatalf("chunking defaults = %d/%d, want 1200/200", cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)
	}
	if cfg.Execution.Mode != "host" {
		t.Fatalf("Execution.Mode = %q, want host", cfg.Execution.Mode)
	}
	if cfg.Planner.CLICommand != "loft-agent" {
		t.Fatalf("CLICommand = %q, want loft-agent", cfg.Planner.CLICommand)
	}
}

func TestLoadReadsYAMLAndNormalizes(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)

	yaml := strings.Join([]string{
		"bind_addr: 127.0.0.1:9000",
		"log_level: debug",
		"index:",
		"  scan_interval_seconds: 5",
		"  embedding_dim: 64",
		"planner:",
		"  provider: gemini",
		"execution:",
		"  mode: HOST",
	}, "\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatalf("NeedsGenesis = true with config.yaml present")
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Index.ScanIntervalSeconds != 5 || cfg.Index.EmbeddingDim != 64 {
		t.Fatalf("index overrides not applied: %+v", cfg.Index)
	}
	if cfg.Planner.Provider != "google" {
		t.Fatalf("provider = %q, want normalized google", cfg.Planner.Provider)
	}
	if cfg.Execution.Mode != "host" {
		t.Fatalf("mode = %q, want lowercased host", cfg.Execution.Mode)
	}
	// Unset sections keep defaults.
	if cfg.Run.TimeoutSeconds != 600 {
		t.Fatalf("Run.TimeoutSeconds = %d, want 600", cfg.Run.TimeoutSeconds)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("bind_addr: 127.0.0.1:9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GOLOFT_BIND_ADDR", "127.0.0.1:9001")
	t.Setenv("GOLOFT_EXECUTION_MODE", "docker")
	t.Setenv("GOLOFT_PLANNER_CLI", "my-agent")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9001" {
		t.Fatalf("env override lost: BindAddr = %q", cfg.BindAddr)
	}
	if cfg.Execution.Mode != "docker" {
		t.Fatalf("env override lost: Mode = %q", cfg.Execution.Mode)
	}
	if cfg.Planner.CLICommand != "my-agent" {
		t.Fatalf("env override lost: CLICommand = %q", cfg.Planner.CLICommand)
	}
}

func TestLoadRejectsBadExecutionMode(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("execution:\n  mode: vm\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(); err == nil {
		t.Fatalf("Load accepted execution.mode vm, want error")
	}
}

func TestLoadRejectsOverlapNotSmallerThanChunk(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)
	yaml := "index:\n  chunk_size: 100\n  chunk_overlap: 100\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(); err == nil {
		t.Fatalf("Load accepted overlap >= chunk size, want error")
	}
}

func TestFingerprintTracksChanges(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOFT_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical configs have different fingerprints")
	}
	b.Index.EmbeddingDim = 512
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint did not change with embedding_dim")
	}
}

func TestPlannerAPIKeyEnvFirst(t *testing.T) {
	var cfg config.Config
	cfg.Planner.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "from-file"},
	}
	t.Setenv("OPENAI_API_KEY", "from-env")
	if got := cfg.PlannerAPIKey("openai"); got != "from-env" {
		t.Fatalf("PlannerAPIKey = %q, want env value", got)
	}
	t.Setenv("OPENAI_API_KEY", "")
	if got := cfg.PlannerAPIKey("openai"); got != "from-file" {
		t.Fatalf("PlannerAPIKey = %q, want file value", got)
	}
}
