// Package retrieval maintains a project's chunk index and answers similarity
// searches over it. Embeddings come from a deterministic hashing embedder, so
// two machines indexing the same tree produce identical vectors and the
// sidecar stays portable.
package retrieval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/persistence"
	"github.com/atticlabs/go-loft/internal/tokenutil"
)

// kvEmbedderDim records the vector dimension the stored chunks were embedded
// with. A mismatch forces every asset through re-embedding on the next scan.
const kvEmbedderDim = "index.embedder_dim"

// ScanDetail summarizes one index scan. It is stored as the completed job's
// detail payload and surfaced through the API.
type ScanDetail struct {
	AssetsScanned int   `json:"assets_scanned"`
	AssetsIndexed int   `json:"assets_indexed"`
	AssetsRemoved int   `json:"assets_removed"`
	ChunksWritten int   `json:"chunks_written"`
	DurationMS    int64 `json:"duration_ms"`
}

// Indexer drains one project's index job queue: it walks the tree, chunks and
// embeds files whose content moved, and reconciles deletions on full scans.
// Jobs for a project run strictly one at a time.
type Indexer struct {
	logger      *slog.Logger
	store       *persistence.Store
	embedder    Embedder
	chunker     *Chunker
	maxFileSize int64
	topK        int
	wake        chan struct{}
}

func NewIndexer(logger *slog.Logger, store *persistence.Store, cfg config.IndexConfig) *Indexer {
	return &Indexer{
		logger:      logger.With("component", "indexer", "project_id", store.Project().ID),
		store:       store,
		embedder:    NewHashingEmbedder(cfg.EmbeddingDim),
		chunker:     NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		maxFileSize: cfg.MaxFileSizeBytes,
		topK:        cfg.TopK,
		wake:        make(chan struct{}, 1),
	}
}

// Store returns the project store this indexer serves.
func (ix *Indexer) Store() *persistence.Store { return ix.store }

// Enqueue records an index job and wakes the worker. Deduplication against
// already-queued jobs happens in the store.
func (ix *Indexer) Enqueue(ctx context.Context, kind persistence.IndexJobKind) (persistence.IndexJob, error) {
	job, err := ix.store.CreateIndexJob(ctx, kind)
	if err != nil {
		return persistence.IndexJob{}, err
	}
	ix.Notify()
	return job, nil
}

// Notify nudges the worker without blocking. Safe from any goroutine.
func (ix *Indexer) Notify() {
	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

// Start runs the drain loop until ctx is cancelled. Call it in its own
// goroutine. The ticker catches jobs enqueued by other processes writing the
// same sidecar.
func (ix *Indexer) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		ix.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ix.wake:
		case <-ticker.C:
		}
	}
}

func (ix *Indexer) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := ix.store.NextQueuedIndexJob(ctx)
		if err != nil {
			ix.logger.Error("poll index queue", "error", err)
			return
		}
		if job == nil {
			return
		}
		if err := ix.RunJob(ctx, *job); err != nil {
			return
		}
	}
}

// RunJob executes a queued job to completion, recording the outcome on the
// job row. Scan failures are returned after being written to the row.
func (ix *Indexer) RunJob(ctx context.Context, job persistence.IndexJob) error {
	if err := ix.store.StartIndexJob(ctx, job.ID); err != nil {
		return fmt.Errorf("start index job: %w", err)
	}
	started := time.Now()
	detail, err := ix.Scan(ctx, job.Kind == persistence.IndexFull)
	if err != nil {
		ix.logger.Error("index scan failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		if failErr := ix.store.FailIndexJob(ctx, job.ID, err.Error()); failErr != nil {
			return fmt.Errorf("fail index job: %w", failErr)
		}
		return err
	}
	detail.DurationMS = time.Since(started).Milliseconds()
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal scan detail: %w", err)
	}
	if err := ix.store.CompleteIndexJob(ctx, job.ID, string(payload)); err != nil {
		return fmt.Errorf("complete index job: %w", err)
	}
	ix.logger.Info("index scan complete",
		"job_id", job.ID,
		"kind", job.Kind,
		"scanned", detail.AssetsScanned,
		"indexed", detail.AssetsIndexed,
		"removed", detail.AssetsRemoved,
		"chunks", detail.ChunksWritten,
		"duration_ms", detail.DurationMS)
	return nil
}

// Scan walks the project tree and brings the index in line with it. Full
// scans additionally remove assets whose files are gone; incremental scans
// only touch files that changed.
func (ix *Indexer) Scan(ctx context.Context, full bool) (ScanDetail, error) {
	var detail ScanDetail

	force, err := ix.checkEmbedderDim(ctx)
	if err != nil {
		return detail, err
	}

	files, err := IndexableFiles(ix.store.RootPath(), ix.maxFileSize)
	if err != nil {
		return detail, err
	}

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return detail, ctx.Err()
		}
		seen[f.RelPath] = struct{}{}
		detail.AssetsScanned++

		written, indexed, err := ix.indexFile(ctx, f, force)
		if err != nil {
			return detail, err
		}
		if indexed {
			detail.AssetsIndexed++
			detail.ChunksWritten += written
		}
	}

	if full {
		assets, err := ix.store.ListAssets(ctx)
		if err != nil {
			return detail, err
		}
		for _, a := range assets {
			if _, ok := seen[a.RelPath]; ok {
				continue
			}
			if err := ix.store.RemoveAsset(ctx, a.RelPath); err != nil {
				return detail, err
			}
			detail.AssetsRemoved++
		}
	}

	if force {
		if err := ix.store.KVSet(ctx, kvEmbedderDim, strconv.Itoa(ix.embedder.Dim())); err != nil {
			return detail, err
		}
	}
	if err := ix.store.KVSet(ctx, KVTreeSignature, TreeSignature(files)); err != nil {
		return detail, err
	}
	return detail, nil
}

// checkEmbedderDim compares the configured embedder dimension with the one
// the stored chunks were built with. A change means every stored vector is in
// the wrong space and everything must be re-embedded.
func (ix *Indexer) checkEmbedderDim(ctx context.Context) (bool, error) {
	stored, err := ix.store.KVGet(ctx, kvEmbedderDim)
	if err != nil {
		return false, err
	}
	want := strconv.Itoa(ix.embedder.Dim())
	if stored == want {
		return false, nil
	}
	if stored != "" {
		ix.logger.Warn("embedder dimension changed, re-embedding all assets", "stored", stored, "configured", want)
	}
	return true, nil
}

// indexFile registers one file and regenerates its chunks when the content
// moved (or force is set). It reports the chunk count written and whether the
// file was (re)indexed.
func (ix *Indexer) indexFile(ctx context.Context, f FileInfo, force bool) (int, bool, error) {
	data, err := os.ReadFile(f.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between walk and read; a later scan reconciles it.
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read %s: %w", f.RelPath, err)
	}
	if looksBinary(data) {
		return 0, false, nil
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	kind := KindForPath(f.RelPath)
	title := titleFor(kind, f.RelPath, data)

	asset, changed, err := ix.store.UpsertAsset(ctx, kind, f.RelPath, title, f.Size, f.ModTimeNS, hash)
	if err != nil {
		return 0, false, err
	}
	if !changed && !force {
		return 0, false, nil
	}

	pieces := ix.chunker.Split(string(data))
	chunks := make([]persistence.Chunk, 0, len(pieces))
	for i, text := range pieces {
		chunks = append(chunks, persistence.Chunk{
			AssetID:       asset.ID,
			Idx:           i,
			Text:          text,
			Vector:        ix.embedder.Embed(text),
			TokenEstimate: tokenutil.EstimateTokens(text),
		})
	}
	if err := ix.store.ReplaceChunks(ctx, asset.ID, chunks); err != nil {
		return 0, false, err
	}
	return len(chunks), true, nil
}

// looksBinary sniffs for a NUL byte in the leading window, the same test git
// applies when deciding whether to diff a file.
func looksBinary(data []byte) bool {
	window := data
	if len(window) > 8000 {
		window = window[:8000]
	}
	return bytes.IndexByte(window, 0) >= 0
}

// titleFor derives a display title: the first markdown heading for notes,
// otherwise the file name.
func titleFor(kind persistence.AssetKind, relPath string, data []byte) string {
	if kind == persistence.AssetNote {
		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(trimmed, "# "); ok {
				if t := strings.TrimSpace(rest); t != "" {
					return t
				}
			}
		}
	}
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		return relPath[i+1:]
	}
	return relPath
}
