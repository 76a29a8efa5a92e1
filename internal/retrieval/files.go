package retrieval

import (
	"fmt"
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/atticlabs/go-loft/internal/persistence"
)

// DefaultMaxFileSize caps what the indexer will read into memory.
const DefaultMaxFileSize = 1 << 20 // 1 MiB

// KVTreeSignature is the KV key holding the signature of the last
// successfully indexed tree. The indexer writes it after a scan; the watcher
// reads it to decide whether the tree moved. Stamping only on success means a
// crash mid-scan cannot mark the tree as seen.
const KVTreeSignature = "index.tree_signature"

// indexableExtensions is the text/code allowlist. Everything else in the
// tree is invisible to the index.
var indexableExtensions = map[string]struct{}{
	".md": {}, ".markdown": {}, ".txt": {}, ".rst": {},
	".go": {}, ".py": {}, ".js": {}, ".ts": {}, ".tsx": {}, ".jsx": {},
	".rb": {}, ".rs": {}, ".java": {}, ".kt": {}, ".c": {}, ".h": {},
	".cc": {}, ".cpp": {}, ".hpp": {}, ".cs": {}, ".swift": {},
	".sh": {}, ".bash": {}, ".zsh": {},
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {},
	".html": {}, ".css": {}, ".scss": {},
	".sql": {}, ".proto": {}, ".graphql": {},
	".csv": {}, ".tsv": {},
}

// noteExtensions mark assets ingested as notes rather than plain files.
var noteExtensions = map[string]struct{}{
	".md": {}, ".markdown": {}, ".txt": {}, ".rst": {},
}

// FileInfo describes one indexable file found in a project tree.
type FileInfo struct {
	RelPath   string
	AbsPath   string
	Size      int64
	ModTimeNS int64
}

// KindForPath classifies an asset by extension.
func KindForPath(relPath string) persistence.AssetKind {
	if _, ok := noteExtensions[strings.ToLower(filepath.Ext(relPath))]; ok {
		return persistence.AssetNote
	}
	return persistence.AssetFile
}

// IsIndexablePath reports whether a relative path would be picked up by the
// walk, ignoring size. Dotfiles, anything under a dot-directory (the sidecar
// included) and unknown extensions are out.
func IsIndexablePath(relPath string) bool {
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if strings.HasPrefix(part, ".") {
			return false
		}
	}
	_, ok := indexableExtensions[strings.ToLower(filepath.Ext(relPath))]
	return ok
}

// IndexableFiles walks a project root and returns the indexable files in
// deterministic (lexical walk) order. maxSize <= 0 applies the default cap.
func IndexableFiles(root string, maxSize int64) ([]FileInfo, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	var out []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory vanishing mid-walk is normal during edits.
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if _, ok := indexableExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > maxSize {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		out = append(out, FileInfo{
			RelPath:   filepath.ToSlash(rel),
			AbsPath:   path,
			Size:      info.Size(),
			ModTimeNS: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project tree: %w", err)
	}
	return out, nil
}

// TreeSignature hashes a walked tree into a short fingerprint. Any rename,
// edit, addition or removal of an indexable file changes it.
func TreeSignature(files []FileInfo) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s|%s|%d|%d", f.RelPath, KindForPath(f.RelPath), f.Size, f.ModTimeNS))
	}
	sort.Strings(lines)
	h := fnv.New64a()
	for _, line := range lines {
		_, _ = h.Write([]byte(line))
		_, _ = h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
