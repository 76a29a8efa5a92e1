// Package doctor runs environment diagnostics for the goloft daemon: config,
// sidecar store, planner backends, sandbox executors, and network reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkSidecar,
		checkPlannerKey,
		checkPlannerCLI,
		checkExecution,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml yet; running on defaults",
			Detail:  fmt.Sprintf("The daemon writes %s on first start", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkSidecar opens a scratch sidecar store to prove the SQLite driver loads
// and the schema migrations run. Project sidecars live next to their folders,
// so there is no daemon-wide database to probe directly.
func checkSidecar(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sidecar store", Status: "SKIP", Message: "Config missing"}
	}

	dir, err := os.MkdirTemp("", "goloft-doctor-*")
	if err != nil {
		return CheckResult{Name: "Sidecar store", Status: "FAIL", Message: fmt.Sprintf("Temp dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, persistence.SidecarDirName, persistence.DBFileName), nil)
	if err != nil {
		return CheckResult{Name: "Sidecar store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.Bootstrap(ctx, "doctor", dir); err != nil {
		return CheckResult{Name: "Sidecar store", Status: "FAIL", Message: fmt.Sprintf("Bootstrap failed: %v", err)}
	}
	if _, err := store.TotalEventCount(ctx); err != nil {
		return CheckResult{Name: "Sidecar store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Sidecar store", Status: "PASS", Message: "Driver, schema, and event log OK"}
}

func checkPlannerKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Planner key", Status: "SKIP", Message: "Config missing"}
	}

	provider := cfg.Planner.Provider
	if provider == "" {
		provider = "google"
	}
	if cfg.PlannerAPIKey(provider) != "" {
		return CheckResult{Name: "Planner key", Status: "PASS", Message: fmt.Sprintf("Key present for %s", provider)}
	}

	envVars := map[string]string{
		"google":            "GEMINI_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	hint := "set the provider key in config.yaml under planner.providers"
	if envVar, ok := envVars[provider]; ok {
		hint = fmt.Sprintf("set %s or planner.providers.%s.api_key", envVar, provider)
	}
	return CheckResult{
		Name:    "Planner key",
		Status:  "WARN",
		Message: fmt.Sprintf("No key for hosted provider %q; runs will fall through to the CLI backend", provider),
		Detail:  hint,
	}
}

func checkPlannerCLI(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Planner CLI", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	status := "PASS"

	if cfg.Planner.OverrideCommand != "" {
		bin := strings.Fields(cfg.Planner.OverrideCommand)[0]
		if _, err := exec.LookPath(bin); err != nil {
			details = append(details, fmt.Sprintf("override %q: missing", bin))
			status = "FAIL"
		} else {
			details = append(details, fmt.Sprintf("override %q: ok", bin))
		}
	}

	cli := cfg.Planner.CLICommand
	if cli == "" {
		cli = "loft-agent"
	}
	if _, err := exec.LookPath(cli); err != nil {
		details = append(details, fmt.Sprintf("cli %q: missing (last-resort backend unavailable)", cli))
		if status == "PASS" {
			status = "WARN"
		}
	} else {
		details = append(details, fmt.Sprintf("cli %q: ok", cli))
	}

	return CheckResult{
		Name:    "Planner CLI",
		Status:  status,
		Message: fmt.Sprintf("Checked %d backends", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkExecution(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Execution", Status: "SKIP", Message: "Config missing"}
	}

	switch cfg.Execution.Mode {
	case config.ExecutionModeDocker:
		if _, err := exec.LookPath("docker"); err != nil {
			return CheckResult{
				Name:    "Execution",
				Status:  "FAIL",
				Message: "docker binary missing (execution.mode is docker)",
				Detail:  "install Docker or switch execution.mode to host",
			}
		}
		cmd := exec.CommandContext(ctx, "docker", "info")
		if err := cmd.Run(); err != nil {
			return CheckResult{
				Name:    "Execution",
				Status:  "FAIL",
				Message: fmt.Sprintf("docker daemon unreachable: %v", err),
			}
		}
		return CheckResult{Name: "Execution", Status: "PASS",
			Message: fmt.Sprintf("docker OK (image %s, network %s)", cfg.Execution.DockerImage, cfg.Execution.DockerNetwork)}
	default:
		if _, err := exec.LookPath("sh"); err != nil {
			return CheckResult{Name: "Execution", Status: "FAIL", Message: "sh not found on PATH"}
		}
		return CheckResult{Name: "Execution", Status: "PASS", Message: "host shell available"}
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.Planner.Provider)
	if provider == "" {
		provider = "google"
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openai_compatible": "api.openai.com",
	}

	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
