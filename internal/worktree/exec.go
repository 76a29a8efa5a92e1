package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/atticlabs/go-loft/internal/config"
)

// Executor runs one shell command in a working directory. A non-zero exit
// code is reported through exitCode with a nil error; the error return is for
// the executor itself failing to run the command at all.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// NewExecutor picks the executor for the configured execution mode.
func NewExecutor(cfg config.ExecutionConfig) (Executor, error) {
	switch cfg.Mode {
	case config.ExecutionModeDocker:
		return NewDockerExecutor(cfg.DockerImage, cfg.DockerMemoryMB, cfg.DockerNetwork)
	default:
		return &HostExecutor{}, nil
	}
}

// hostEnvAllowlist is the full environment a host-mode command sees. Keeping
// the parent environment out of the sandbox stops commands from reading
// tokens the service itself was started with.
var hostEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR", "TERM", "USER", "SHELL"}

// HostExecutor runs commands with `sh -c` directly on the host.
type HostExecutor struct{}

func (h *HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}
	env := make([]string, 0, len(hostEnvAllowlist))
	for _, key := range hostEnvAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	execCmd.Env = env

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// DockerExecutor runs each command in an ephemeral container with the
// worktree bind-mounted at /workspace.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

func NewDockerExecutor(image string, memoryMB int64, networkMode string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}

	return &DockerExecutor{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

func (d *DockerExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		// The kill must outlive the expired ctx or it never reaches the daemon.
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return "", "command timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
