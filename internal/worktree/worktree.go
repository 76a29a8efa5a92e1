// Package worktree gives run steps an isolated copy of the project to execute
// commands in. Commands arrive tagged `@wt/<name> <command>`; side effects
// land in the worktree or in a staged change set, never in the live tree
// until an explicit apply.
package worktree

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/shared"
)

// maxStepOutput caps captured stdout/stderr per command.
const maxStepOutput = 8 * 1024

var tagRe = regexp.MustCompile(`^@wt/([a-z0-9][a-z0-9_-]*)\s+(\S.*)$`)

// Tag names the worktree a command runs in.
type Tag struct {
	Name    string
	Command string
}

// ParseTag validates the `@wt/<name> <command>` shape. Anything else is a
// validation fault; nothing malformed ever reaches an executor.
func ParseTag(raw string) (Tag, error) {
	m := tagRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Tag{}, faults.Validation("command %q is not of the form @wt/<name> <command>", raw)
	}
	return Tag{Name: m[1], Command: strings.TrimSpace(m[2])}, nil
}

// ExecResult is the captured outcome of one sandboxed command.
type ExecResult struct {
	Worktree   string `json:"worktree"`
	Command    string `json:"command"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Sandbox manages one run's worktrees and change set staging under
// `.loft/worktrees/<run-id>/`.
type Sandbox struct {
	logger  *slog.Logger
	store   *persistence.Store
	exec    Executor
	runID   string
	timeout time.Duration
}

func NewSandbox(logger *slog.Logger, store *persistence.Store, exec Executor, runID string, stepTimeout time.Duration) *Sandbox {
	return &Sandbox{
		logger:  logger.With("component", "sandbox", "run_id", runID),
		store:   store,
		exec:    exec,
		runID:   runID,
		timeout: stepTimeout,
	}
}

func (s *Sandbox) runDir() string {
	return filepath.Join(s.store.WorktreesDir(), s.runID)
}

// Materialize copies the project tree (sidecar and hidden directories
// excluded) into the named worktree. Idempotent per name: a worktree already
// on disk is reused so consecutive steps see each other's files.
func (s *Sandbox) Materialize(name string) (string, error) {
	if !tagRe.MatchString("@wt/" + name + " x") {
		return "", faults.Validation("worktree name %q is invalid", name)
	}
	dir := filepath.Join(s.runDir(), name)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if err := copyTree(s.store.RootPath(), dir); err != nil {
		return "", fmt.Errorf("materialize worktree %s: %w", name, err)
	}
	s.logger.Info("worktree materialized", "worktree", name)
	return dir, nil
}

// Execute parses a tagged command, materializes its worktree and runs the
// command there under the per-step timeout. A non-zero exit code is a result,
// not an error; the error return covers parse failures, timeouts and the
// executor itself breaking.
func (s *Sandbox) Execute(ctx context.Context, raw string) (ExecResult, error) {
	tag, err := ParseTag(raw)
	if err != nil {
		return ExecResult{}, err
	}
	dir, err := s.Materialize(tag.Name)
	if err != nil {
		return ExecResult{}, err
	}

	execCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	stdout, stderr, exitCode, err := s.exec.Exec(execCtx, tag.Command, dir)
	duration := time.Since(started)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{Worktree: tag.Name, Command: tag.Command, ExitCode: -1, DurationMS: duration.Milliseconds()},
			faults.ExecutionTimeout("command in worktree %s exceeded %s", tag.Name, s.timeout)
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("execute in worktree %s: %w", tag.Name, err)
	}

	res := ExecResult{
		Worktree:   tag.Name,
		Command:    tag.Command,
		Stdout:     shared.Redact(truncateOutput(stdout, maxStepOutput)),
		Stderr:     shared.Redact(truncateOutput(stderr, maxStepOutput)),
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	}
	s.logger.Info("sandbox command finished",
		"worktree", tag.Name,
		"exit_code", exitCode,
		"duration_ms", res.DurationMS)
	return res, nil
}

// Dispose removes the run's worktrees. With keepChangeSet the staging
// directory survives so apply/discard can still replay it.
func (s *Sandbox) Dispose(keepChangeSet bool) error {
	if !keepChangeSet {
		return os.RemoveAll(s.runDir())
	}
	entries, err := os.ReadDir(s.runDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read run dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == changeSetDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.runDir(), e.Name())); err != nil {
			return fmt.Errorf("dispose worktree %s: %w", e.Name(), err)
		}
	}
	return nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files vanishing mid-copy are an editing race, not a failure.
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
