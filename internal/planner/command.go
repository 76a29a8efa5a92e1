package planner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/atticlabs/go-loft/internal/shared"
)

// maxStderrInError bounds how much subprocess stderr travels in an error.
const maxStderrInError = 512

// commandBackend runs an external process with the planning prompt on stdin
// and reads the plan (or prose) from stdout. The override backend passes its
// configured string through `sh -c` so pipelines and env prefixes work; the
// CLI backend execs the agent binary directly and gates readiness on PATH.
type commandBackend struct {
	name    string
	command string
	shell   bool
}

func newOverrideBackend(command string) *commandBackend {
	return &commandBackend{name: BackendOverride, command: strings.TrimSpace(command), shell: true}
}

func newCLIBackend(command string) *commandBackend {
	return &commandBackend{name: BackendCLI, command: strings.TrimSpace(command)}
}

func (b *commandBackend) Name() string { return b.name }

func (b *commandBackend) Ready(ctx context.Context) error {
	if b.command == "" {
		return fmt.Errorf("%s planner is not configured", b.name)
	}
	if b.shell {
		return nil
	}
	argv := strings.Fields(b.command)
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("%s not found on PATH", argv[0])
	}
	return nil
}

func (b *commandBackend) Generate(ctx context.Context, req Request) (string, error) {
	if err := b.Ready(ctx); err != nil {
		return "", err
	}

	var cmd *exec.Cmd
	if b.shell {
		cmd = exec.CommandContext(ctx, "sh", "-c", b.command)
	} else {
		argv := strings.Fields(b.command)
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	cmd.Stdin = strings.NewReader(systemPrompt + "\n\n" + BuildPrompt(req))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := shared.Redact(strings.TrimSpace(stderr.String()))
		if len(detail) > maxStderrInError {
			detail = detail[:maxStderrInError]
		}
		if detail != "" {
			return "", fmt.Errorf("%s planner: %w: %s", b.name, err, detail)
		}
		return "", fmt.Errorf("%s planner: %w", b.name, err)
	}
	return stdout.String(), nil
}
