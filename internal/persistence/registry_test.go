package persistence_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
)

func newTestRegistry(t *testing.T) *persistence.Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := persistence.NewRegistry(logger, nil)
	t.Cleanup(func() {
		_ = reg.CloseAll()
	})
	return reg
}

func TestRegistry_OpenIdempotentPerPath(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()
	ctx := context.Background()

	first, err := reg.Open(ctx, root)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	second, err := reg.Open(ctx, root)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same store for the same path")
	}
	if first.Project().ID == "" {
		t.Fatalf("expected a project id")
	}

	got, ok := reg.Get(first.Project().ID)
	if !ok || got != first {
		t.Fatalf("Get(%s) = %v/%v, want the open store", first.Project().ID, got, ok)
	}
	if n := len(reg.Projects()); n != 1 {
		t.Fatalf("projects = %d, want 1", n)
	}
}

func TestRegistry_OpenCreatesSidecarLayout(t *testing.T) {
	reg := newTestRegistry(t)
	root := t.TempDir()

	store, err := reg.Open(context.Background(), root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	sidecar := filepath.Join(root, persistence.SidecarDirName)
	for _, p := range []string{
		filepath.Join(sidecar, persistence.DBFileName),
		filepath.Join(sidecar, persistence.WorktreesDirName),
		filepath.Join(sidecar, persistence.LogsDirName),
		filepath.Join(sidecar, "project.yaml"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected sidecar path %s: %v", p, err)
		}
	}

	mirror, err := os.ReadFile(filepath.Join(sidecar, "project.yaml"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if !strings.Contains(string(mirror), store.Project().ID) {
		t.Fatalf("mirror does not mention project id %s:\n%s", store.Project().ID, mirror)
	}

	if store.WorktreesDir() != filepath.Join(sidecar, persistence.WorktreesDirName) {
		t.Fatalf("WorktreesDir = %q", store.WorktreesDir())
	}
}

func TestRegistry_ProjectIDSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	reg := newTestRegistry(t)
	store, err := reg.Open(ctx, root)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	firstID := store.Project().ID
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("close all: %v", err)
	}

	fresh := newTestRegistry(t)
	store, err = fresh.Open(ctx, root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if store.Project().ID != firstID {
		t.Fatalf("project id changed across restart: %q vs %q", store.Project().ID, firstID)
	}
}

func TestRegistry_RejectsMissingRoot(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Open(context.Background(), filepath.Join(t.TempDir(), "nope"))
	if !faults.Is(err, faults.KindNotFound) {
		t.Fatalf("err = %v, want not-found fault", err)
	}
}

func TestRegistry_RejectsFileRoot(t *testing.T) {
	reg := newTestRegistry(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := reg.Open(context.Background(), file)
	if !faults.Is(err, faults.KindValidation) {
		t.Fatalf("err = %v, want validation fault", err)
	}
}
