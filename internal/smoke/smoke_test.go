package smoke

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atticlabs/go-loft/internal/config"
)

func scenarioConfig() config.Config {
	cfg := config.Config{}
	cfg.Run.TimeoutSeconds = 60
	cfg.Run.StepTimeoutSeconds = 20
	cfg.Run.MaxFailureRatio = 0.5
	cfg.Run.WatchdogIntervalSeconds = 3600
	cfg.Index.ScanIntervalSeconds = 30
	cfg.Index.EmbeddingDim = 256
	cfg.Index.ChunkSize = 1200
	cfg.Index.MaxFileSizeBytes = 1 << 20
	cfg.Index.TopK = 5
	return cfg
}

func TestScenarioPasses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report, err := Run(ctx, logger, scenarioConfig())
	if err != nil {
		t.Fatalf("scenario failed: %v\nreport: %+v", err, report)
	}
	if !report.Passed {
		t.Fatalf("report not passed: %+v", report)
	}
	wantSteps := []string{"workspace", "project open", "index", "search", "run"}
	if len(report.Steps) != len(wantSteps) {
		t.Fatalf("steps = %d, want %d: %+v", len(report.Steps), len(wantSteps), report.Steps)
	}
	for i, step := range report.Steps {
		if step.Name != wantSteps[i] {
			t.Fatalf("step %d = %q, want %q", i, step.Name, wantSteps[i])
		}
		if step.Status != "PASS" {
			t.Fatalf("step %s = %+v, want PASS", step.Name, step)
		}
	}
}

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func TestBuildsDaemonBinary(t *testing.T) {
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "goloft")

	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/goloft")
	cmd.Dir = root

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build ./cmd/goloft failed: %v\n%s", err, buf.String())
	}

	fi, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat built binary: %v", err)
	}
	if fi.Size() <= 0 {
		t.Fatalf("built binary has unexpected size %d", fi.Size())
	}
}
