package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
)

const (
	changeSetDirName = "changeset"
	manifestName     = "changes.json"
	filesDirName     = "files"
)

// ChangeOp is one kind of mutation a change set can replay.
type ChangeOp string

const (
	OpEdit   ChangeOp = "edit"
	OpCreate ChangeOp = "create"
	OpDelete ChangeOp = "delete"
	OpRename ChangeOp = "rename"
)

// Change is one manifest entry. Edits and creates carry their payload as a
// staged file next to the manifest, keyed by Path.
type Change struct {
	Op   ChangeOp `json:"op"`
	Path string   `json:"path"`
	To   string   `json:"to,omitempty"`
}

// ChangeSet is the staged manifest for a run, written to
// `.loft/worktrees/<run-id>/changeset/changes.json`.
type ChangeSet struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Changes   []Change  `json:"changes"`
}

// StagedChange is a mutation plus its payload, before staging.
type StagedChange struct {
	Op      ChangeOp
	Path    string
	To      string
	Content []byte
}

func (s *Sandbox) changeSetDir() string {
	return filepath.Join(s.runDir(), changeSetDirName)
}

// StageChanges writes payloads and the manifest into the staging directory,
// replacing any previous staging for this run.
func (s *Sandbox) StageChanges(changes []StagedChange) (ChangeSet, error) {
	if len(changes) == 0 {
		return ChangeSet{}, faults.Validation("change set must contain at least one change")
	}

	dir := s.changeSetDir()
	if err := os.RemoveAll(dir); err != nil {
		return ChangeSet{}, fmt.Errorf("clear staging: %w", err)
	}
	filesDir := filepath.Join(dir, filesDirName)
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return ChangeSet{}, fmt.Errorf("create staging: %w", err)
	}

	cs := ChangeSet{ID: uuid.NewString(), RunID: s.runID, CreatedAt: time.Now().UTC()}
	for _, ch := range changes {
		rel, err := safeRel(ch.Path)
		if err != nil {
			return ChangeSet{}, err
		}
		entry := Change{Op: ch.Op, Path: rel}
		switch ch.Op {
		case OpEdit, OpCreate:
			target := filepath.Join(filesDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return ChangeSet{}, fmt.Errorf("stage %s: %w", rel, err)
			}
			if err := os.WriteFile(target, ch.Content, 0o644); err != nil {
				return ChangeSet{}, fmt.Errorf("stage %s: %w", rel, err)
			}
		case OpDelete:
		case OpRename:
			to, err := safeRel(ch.To)
			if err != nil {
				return ChangeSet{}, err
			}
			entry.To = to
		default:
			return ChangeSet{}, faults.Validation("unknown change op %q", ch.Op)
		}
		cs.Changes = append(cs.Changes, entry)
	}

	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return ChangeSet{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0o644); err != nil {
		return ChangeSet{}, fmt.Errorf("write manifest: %w", err)
	}
	s.logger.Info("change set staged", "change_set_id", cs.ID, "changes", len(cs.Changes))
	return cs, nil
}

// LoadChangeSet reads the staged manifest. Nil with no error means nothing
// is staged for this run.
func (s *Sandbox) LoadChangeSet() (*ChangeSet, error) {
	data, err := os.ReadFile(filepath.Join(s.changeSetDir(), manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var cs ChangeSet
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &cs, nil
}

// Apply replays the staged manifest against the project root, then removes
// the staging directory. Failure partway leaves the staging intact so the
// apply can be retried.
func (s *Sandbox) Apply() (*ChangeSet, error) {
	cs, err := s.LoadChangeSet()
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, faults.NotFound("run %s has no staged change set", s.runID)
	}

	root := s.store.RootPath()
	filesDir := filepath.Join(s.changeSetDir(), filesDirName)
	for _, ch := range cs.Changes {
		// Manifests live on disk between staging and apply; re-validate in
		// case one was edited by hand.
		rel, err := safeRel(ch.Path)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(root, filepath.FromSlash(rel))
		switch ch.Op {
		case OpEdit, OpCreate:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, fmt.Errorf("apply %s: %w", rel, err)
			}
			if err := copyFile(filepath.Join(filesDir, filepath.FromSlash(rel)), dst); err != nil {
				return nil, fmt.Errorf("apply %s: %w", rel, err)
			}
		case OpDelete:
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("apply delete %s: %w", rel, err)
			}
		case OpRename:
			to, err := safeRel(ch.To)
			if err != nil {
				return nil, err
			}
			renameDst := filepath.Join(root, filepath.FromSlash(to))
			if err := os.MkdirAll(filepath.Dir(renameDst), 0o755); err != nil {
				return nil, fmt.Errorf("apply rename %s: %w", rel, err)
			}
			if err := os.Rename(dst, renameDst); err != nil {
				return nil, fmt.Errorf("apply rename %s: %w", rel, err)
			}
		default:
			return nil, faults.Validation("unknown change op %q", ch.Op)
		}
	}

	if err := os.RemoveAll(s.changeSetDir()); err != nil {
		return nil, fmt.Errorf("clear staging: %w", err)
	}
	s.logger.Info("change set applied", "change_set_id", cs.ID, "changes", len(cs.Changes))
	return cs, nil
}

// Discard removes the staging directory without touching the project tree.
func (s *Sandbox) Discard() error {
	if err := os.RemoveAll(s.changeSetDir()); err != nil {
		return fmt.Errorf("discard change set: %w", err)
	}
	return nil
}

// safeRel normalizes a change path to slash form and rejects anything that
// would land outside the project root or inside the sidecar.
func safeRel(p string) (string, error) {
	if p == "" {
		return "", faults.Validation("change path must not be empty")
	}
	if filepath.IsAbs(p) {
		return "", faults.Validation("change path %q must be relative", p)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", faults.Validation("change path %q escapes the project root", p)
	}
	if clean == persistence.SidecarDirName || strings.HasPrefix(clean, persistence.SidecarDirName+"/") {
		return "", faults.Validation("change path %q targets the %s sidecar", p, persistence.SidecarDirName)
	}
	return clean, nil
}
