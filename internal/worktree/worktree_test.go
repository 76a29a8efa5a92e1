package worktree_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/worktree"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSandbox(t *testing.T, stepTimeout time.Duration) (*worktree.Sandbox, *persistence.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := persistence.Open(filepath.Join(root, persistence.SidecarDirName, persistence.DBFileName), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Bootstrap(context.Background(), "worktree-test", root); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sb := worktree.NewSandbox(discardLogger(), store, &worktree.HostExecutor{}, "run-0001", stepTimeout)
	return sb, store, root
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestParseTag(t *testing.T) {
	valid := []struct {
		raw     string
		name    string
		command string
	}{
		{"@wt/build go test ./...", "build", "go test ./..."},
		{"  @wt/a1 ls  ", "a1", "ls"},
		{"@wt/my-wt_2 echo hi", "my-wt_2", "echo hi"},
	}
	for _, tc := range valid {
		tag, err := worktree.ParseTag(tc.raw)
		if err != nil {
			t.Fatalf("ParseTag(%q): %v", tc.raw, err)
		}
		if tag.Name != tc.name || tag.Command != tc.command {
			t.Fatalf("ParseTag(%q) = %+v, want {%s %s}", tc.raw, tag, tc.name, tc.command)
		}
	}

	invalid := []string{
		"ls -la",
		"@wt/Build ls",
		"@wt/-x ls",
		"@wt/build",
		"@wt/build   ",
		"@wt/ ls",
		"wt/build ls",
		"",
	}
	for _, raw := range invalid {
		if _, err := worktree.ParseTag(raw); !faults.Is(err, faults.KindValidation) {
			t.Fatalf("ParseTag(%q) err = %v, want validation fault", raw, err)
		}
	}
}

func TestSandbox_MaterializeCopiesTreeWithoutHiddenDirs(t *testing.T) {
	sb, _, root := newSandbox(t, 0)

	write(t, root, "a.md", "# A\n")
	write(t, root, "src/b.go", "package b\n")
	write(t, root, ".git/config", "[core]\n")
	if err := os.WriteFile(filepath.Join(root, "run.sh"), []byte("#!/bin/sh\necho ok\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	dir, err := sb.Materialize("probe")
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	for _, rel := range []string{"a.md", "src/b.go", "run.sh"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("worktree missing %s: %v", rel, err)
		}
	}
	for _, rel := range []string{".git", persistence.SidecarDirName} {
		if _, err := os.Stat(filepath.Join(dir, rel)); !os.IsNotExist(err) {
			t.Fatalf("worktree should not contain %s", rel)
		}
	}
	info, err := os.Stat(filepath.Join(dir, "run.sh"))
	if err != nil {
		t.Fatalf("stat run.sh: %v", err)
	}
	if info.Mode().Perm()&0o111 == 0 {
		t.Fatalf("run.sh lost its exec bit: %v", info.Mode())
	}

	// A second materialize must reuse the directory, not wipe it.
	write(t, dir, "marker.txt", "keep me\n")
	again, err := sb.Materialize("probe")
	if err != nil {
		t.Fatalf("re-materialize: %v", err)
	}
	if again != dir {
		t.Fatalf("re-materialize dir = %q, want %q", again, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Fatalf("marker lost on re-materialize: %v", err)
	}
}

func TestSandbox_ExecuteRunsCommandInWorktree(t *testing.T) {
	sb, _, root := newSandbox(t, 0)
	ctx := context.Background()

	write(t, root, "marker.txt", "hello from the project\n")

	res, err := sb.Execute(ctx, "@wt/probe cat marker.txt")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello from the project") {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Worktree != "probe" || res.Command != "cat marker.txt" {
		t.Fatalf("result identity = %q/%q", res.Worktree, res.Command)
	}

	res, err = sb.Execute(ctx, "@wt/probe exit 3")
	if err != nil {
		t.Fatalf("execute exit 3: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestSandbox_ExecuteIsolatesWrites(t *testing.T) {
	sb, store, root := newSandbox(t, 0)
	ctx := context.Background()

	write(t, root, "a.md", "# A\n")

	if _, err := sb.Execute(ctx, "@wt/probe echo changed > isolated.txt"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	wtPath := filepath.Join(store.WorktreesDir(), "run-0001", "probe", "isolated.txt")
	if _, err := os.Stat(wtPath); err != nil {
		t.Fatalf("worktree write missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "isolated.txt")); !os.IsNotExist(err) {
		t.Fatal("sandbox write leaked into the project root")
	}
}

func TestSandbox_ExecuteRejectsUntaggedCommand(t *testing.T) {
	sb, _, _ := newSandbox(t, 0)

	_, err := sb.Execute(context.Background(), "rm -rf ./anything")
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}

func TestSandbox_ExecuteTimesOut(t *testing.T) {
	sb, _, _ := newSandbox(t, 200*time.Millisecond)

	res, err := sb.Execute(context.Background(), "@wt/probe sleep 5")
	if !faults.Is(err, faults.KindExecutionTimeout) {
		t.Fatalf("err = %v, want execution timeout fault", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestSandbox_ExecuteTruncatesAndRedactsOutput(t *testing.T) {
	sb, _, _ := newSandbox(t, 0)
	ctx := context.Background()

	res, err := sb.Execute(ctx, "@wt/probe head -c 20000 /dev/zero | tr '\\0' 'a'")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasSuffix(res.Stdout, "... (truncated)") {
		t.Fatalf("stdout not truncated, len = %d", len(res.Stdout))
	}
	if len(res.Stdout) > 8*1024+len("\n... (truncated)") {
		t.Fatalf("stdout too long after truncation: %d", len(res.Stdout))
	}

	res, err = sb.Execute(ctx, "@wt/probe echo api_key=sk_live_abcdef1234567890abcd")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(res.Stdout, "sk_live_abcdef1234567890abcd") {
		t.Fatalf("key material survived redaction: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "[REDACTED]") {
		t.Fatalf("no redaction placeholder in %q", res.Stdout)
	}
}

func TestHostExecutor_EnvAllowlist(t *testing.T) {
	t.Setenv("GOLOFT_WT_PROBE_SECRET", "topsecret_value_123")

	h := &worktree.HostExecutor{}
	stdout, stderr, exitCode, err := h.Exec(context.Background(), "env", t.TempDir())
	if err != nil || exitCode != 0 {
		t.Fatalf("exec env: exit %d, err %v, stderr %s", exitCode, err, stderr)
	}
	if strings.Contains(stdout, "GOLOFT_WT_PROBE_SECRET") {
		t.Fatal("parent environment leaked into the sandbox")
	}
	if !strings.Contains(stdout, "PATH=") {
		t.Fatal("allowlisted PATH missing from sandbox environment")
	}
}

func TestSandbox_StageApplyRoundTrip(t *testing.T) {
	sb, _, root := newSandbox(t, 0)

	write(t, root, "docs/a.md", "original a\n")
	write(t, root, "notes/old.txt", "obsolete\n")
	write(t, root, "move-src.txt", "payload\n")

	cs, err := sb.StageChanges([]worktree.StagedChange{
		{Op: worktree.OpEdit, Path: "docs/a.md", Content: []byte("edited a\n")},
		{Op: worktree.OpCreate, Path: "new/dir/fresh.txt", Content: []byte("fresh\n")},
		{Op: worktree.OpDelete, Path: "notes/old.txt"},
		{Op: worktree.OpRename, Path: "move-src.txt", To: "archive/moved.txt"},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if cs.ID == "" || len(cs.Changes) != 4 {
		t.Fatalf("staged change set = %+v", cs)
	}

	loaded, err := sb.LoadChangeSet()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || loaded.ID != cs.ID || len(loaded.Changes) != 4 {
		t.Fatalf("loaded = %+v", loaded)
	}

	// Staging must not touch the live tree.
	if data, _ := os.ReadFile(filepath.Join(root, "docs/a.md")); string(data) != "original a\n" {
		t.Fatalf("live tree mutated before apply: %q", data)
	}

	applied, err := sb.Apply()
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.ID != cs.ID {
		t.Fatalf("applied ID = %q, want %q", applied.ID, cs.ID)
	}

	if data, _ := os.ReadFile(filepath.Join(root, "docs/a.md")); string(data) != "edited a\n" {
		t.Fatalf("edit not applied: %q", data)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "new/dir/fresh.txt")); string(data) != "fresh\n" {
		t.Fatalf("create not applied: %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, "notes/old.txt")); !os.IsNotExist(err) {
		t.Fatal("delete not applied")
	}
	if _, err := os.Stat(filepath.Join(root, "move-src.txt")); !os.IsNotExist(err) {
		t.Fatal("rename left the source behind")
	}
	if data, _ := os.ReadFile(filepath.Join(root, "archive/moved.txt")); string(data) != "payload\n" {
		t.Fatalf("rename not applied: %q", data)
	}

	if loaded, err := sb.LoadChangeSet(); err != nil || loaded != nil {
		t.Fatalf("staging should be gone after apply: %+v, %v", loaded, err)
	}
	if _, err := sb.Apply(); !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("second apply err = %v, want not found", err)
	}
}

func TestSandbox_DiscardLeavesTreeUntouched(t *testing.T) {
	sb, _, root := newSandbox(t, 0)

	write(t, root, "docs/b.md", "untouched\n")

	if _, err := sb.StageChanges([]worktree.StagedChange{
		{Op: worktree.OpEdit, Path: "docs/b.md", Content: []byte("changed\n")},
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := sb.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "docs/b.md")); string(data) != "untouched\n" {
		t.Fatalf("discard mutated the tree: %q", data)
	}
	if loaded, err := sb.LoadChangeSet(); err != nil || loaded != nil {
		t.Fatalf("staging should be gone after discard: %+v, %v", loaded, err)
	}

	// Discarding with nothing staged is a no-op.
	if err := sb.Discard(); err != nil {
		t.Fatalf("second discard: %v", err)
	}
}

func TestSandbox_StageRejectsUnsafePaths(t *testing.T) {
	sb, _, _ := newSandbox(t, 0)

	bad := []worktree.StagedChange{
		{Op: worktree.OpCreate, Path: "../evil.txt", Content: []byte("x")},
		{Op: worktree.OpCreate, Path: "/etc/evil.txt", Content: []byte("x")},
		{Op: worktree.OpCreate, Path: "a/../../evil.txt", Content: []byte("x")},
		{Op: worktree.OpEdit, Path: persistence.SidecarDirName + "/" + persistence.DBFileName, Content: []byte("x")},
		{Op: worktree.OpDelete, Path: ""},
		{Op: worktree.OpRename, Path: "ok.txt", To: "../escape.txt"},
	}
	for _, ch := range bad {
		if _, err := sb.StageChanges([]worktree.StagedChange{ch}); !faults.Is(err, faults.KindValidation) {
			t.Fatalf("StageChanges(%+v) err = %v, want validation fault", ch, err)
		}
	}

	if _, err := sb.StageChanges(nil); !faults.Is(err, faults.KindValidation) {
		t.Fatal("empty change set should be a validation fault")
	}
}

func TestSandbox_DisposeKeepsChangeSetWhenAsked(t *testing.T) {
	sb, store, root := newSandbox(t, 0)
	ctx := context.Background()

	write(t, root, "a.md", "# A\n")
	if _, err := sb.Execute(ctx, "@wt/probe true"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := sb.StageChanges([]worktree.StagedChange{
		{Op: worktree.OpCreate, Path: "kept.txt", Content: []byte("kept\n")},
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := sb.Dispose(true); err != nil {
		t.Fatalf("dispose keep: %v", err)
	}
	runDir := filepath.Join(store.WorktreesDir(), "run-0001")
	if _, err := os.Stat(filepath.Join(runDir, "probe")); !os.IsNotExist(err) {
		t.Fatal("worktree survived dispose")
	}
	if loaded, err := sb.LoadChangeSet(); err != nil || loaded == nil {
		t.Fatalf("change set lost on keeping dispose: %+v, %v", loaded, err)
	}

	if err := sb.Dispose(false); err != nil {
		t.Fatalf("dispose all: %v", err)
	}
	if _, err := os.Stat(runDir); !os.IsNotExist(err) {
		t.Fatal("run dir survived full dispose")
	}
}
