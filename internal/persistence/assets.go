package persistence

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atticlabs/go-loft/internal/bus"
	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/google/uuid"
)

type AssetKind string

const (
	AssetFile AssetKind = "file"
	AssetNote AssetKind = "note"
)

type Asset struct {
	ID          string    `json:"id"`
	Kind        AssetKind `json:"kind"`
	RelPath     string    `json:"rel_path"`
	Title       string    `json:"title,omitempty"`
	Size        int64     `json:"size"`
	ModTimeNS   int64     `json:"mod_time_ns"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Chunk struct {
	ID            string    `json:"id"`
	AssetID       string    `json:"asset_id"`
	Idx           int       `json:"idx"`
	Text          string    `json:"text"`
	Vector        []float32 `json:"-"`
	TokenEstimate int       `json:"token_estimate"`
}

// SearchableChunk joins a chunk with the asset fields search results need.
type SearchableChunk struct {
	ChunkID   string
	AssetID   string
	RelPath   string
	Title     string
	Kind      AssetKind
	Idx       int
	Text      string
	Vector    []float32
}

type IndexJobKind string

const (
	IndexFull        IndexJobKind = "full"
	IndexIncremental IndexJobKind = "incremental"
)

type IndexJobStatus string

const (
	IndexJobQueued    IndexJobStatus = "queued"
	IndexJobRunning   IndexJobStatus = "running"
	IndexJobCompleted IndexJobStatus = "completed"
	IndexJobFailed    IndexJobStatus = "failed"
)

type IndexJob struct {
	ID         string         `json:"id"`
	Kind       IndexJobKind   `json:"kind"`
	Status     IndexJobStatus `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// encodeVector packs float32 components little-endian. The encoding is part
// of the sidecar format; changing it requires a schema version bump.
func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// UpsertAsset registers or refreshes an asset row. The returned changed flag
// is true when the asset is new or its size, mod time or content hash moved,
// meaning its chunks must be regenerated.
func (s *Store) UpsertAsset(ctx context.Context, kind AssetKind, relPath, title string, size, modTimeNS int64, contentHash string) (Asset, bool, error) {
	if relPath == "" {
		return Asset{}, false, faults.Validation("asset rel_path required")
	}

	var asset Asset
	var changed bool
	var pending []ProjectEvent
	err := retryOnBusy(ctx, 5, func() error {
		pending = pending[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert asset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, rel_path, title, size, mod_time_ns, content_hash, created_at, updated_at
			FROM assets WHERE rel_path = ?;
		`, relPath)
		existing, err := scanAsset(row.Scan)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			asset = Asset{
				ID:          uuid.NewString(),
				Kind:        kind,
				RelPath:     relPath,
				Title:       title,
				Size:        size,
				ModTimeNS:   modTimeNS,
				ContentHash: contentHash,
				CreatedAt:   time.Now().UTC(),
				UpdatedAt:   time.Now().UTC(),
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO assets (id, kind, rel_path, title, size, mod_time_ns, content_hash, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, asset.ID, asset.Kind, asset.RelPath, asset.Title, asset.Size, asset.ModTimeNS, asset.ContentHash, asset.CreatedAt, asset.UpdatedAt); err != nil {
				return fmt.Errorf("insert asset: %w", err)
			}
			changed = true
			ev, err := s.appendEventTx(ctx, tx, EventAssetRegistered, "", "",
				fmt.Sprintf(`{"asset_id":%q,"rel_path":%q,"kind":%q}`, asset.ID, relPath, kind))
			if err != nil {
				return err
			}
			pending = append(pending, ev)
		case err != nil:
			return fmt.Errorf("select asset: %w", err)
		default:
			changed = existing.Size != size || existing.ModTimeNS != modTimeNS || existing.ContentHash != contentHash
			asset = existing
			if changed {
				asset.Size = size
				asset.ModTimeNS = modTimeNS
				asset.ContentHash = contentHash
				asset.UpdatedAt = time.Now().UTC()
				if _, err := tx.ExecContext(ctx, `
					UPDATE assets SET size = ?, mod_time_ns = ?, content_hash = ?, updated_at = ? WHERE id = ?;
				`, size, modTimeNS, contentHash, asset.UpdatedAt, asset.ID); err != nil {
					return fmt.Errorf("update asset: %w", err)
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit upsert asset tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return Asset{}, false, err
	}
	s.publishEvents(pending...)
	return asset, changed, nil
}

// RemoveAsset deletes an asset and, through the foreign key cascade, all of
// its chunks in the same transaction.
func (s *Store) RemoveAsset(ctx context.Context, relPath string) error {
	var ev ProjectEvent
	var removed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin remove asset tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var assetID string
		err = tx.QueryRowContext(ctx, `SELECT id FROM assets WHERE rel_path = ?;`, relPath).Scan(&assetID)
		if errors.Is(err, sql.ErrNoRows) {
			removed = false
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select asset for removal: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id = ?;`, assetID); err != nil {
			return fmt.Errorf("delete asset: %w", err)
		}
		removed = true
		ev, err = s.appendEventTx(ctx, tx, EventAssetRemoved, "", "",
			fmt.Sprintf(`{"asset_id":%q,"rel_path":%q}`, assetID, relPath))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if removed {
		s.publishEvents(ev)
	}
	return nil
}

func (s *Store) GetAssetByPath(ctx context.Context, relPath string) (Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, rel_path, title, size, mod_time_ns, content_hash, created_at, updated_at
		FROM assets WHERE rel_path = ?;
	`, relPath)
	asset, err := scanAsset(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, faults.NotFound("asset %s not found", relPath)
		}
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

func (s *Store) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, rel_path, title, size, mod_time_ns, content_hash, created_at, updated_at
		FROM assets ORDER BY rel_path ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		asset, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assets rows: %w", err)
	}
	return out, nil
}

func scanAsset(scanFn func(dest ...any) error) (Asset, error) {
	var a Asset
	if err := scanFn(&a.ID, &a.Kind, &a.RelPath, &a.Title, &a.Size, &a.ModTimeNS, &a.ContentHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Asset{}, err
	}
	return a, nil
}

// ReplaceChunks swaps an asset's chunk set atomically: the old chunks are
// deleted and the new ones inserted in one transaction, so a concurrent
// search never sees a half-indexed asset.
func (s *Store) ReplaceChunks(ctx context.Context, assetID string, chunks []Chunk) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace chunks tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE asset_id = ?;`, assetID); err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		for i, c := range chunks {
			id := c.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (id, asset_id, idx, text, vector, token_estimate)
				VALUES (?, ?, ?, ?, ?, ?);
			`, id, assetID, i, c.Text, encodeVector(c.Vector), c.TokenEstimate); err != nil {
				return fmt.Errorf("insert chunk %d: %w", i, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit replace chunks tx: %w", err)
		}
		return nil
	})
}

// SearchableChunks loads every chunk with its owning asset's path, for the
// in-process cosine scan. Local project indexes are small enough that a full
// load per query beats maintaining an ANN structure.
func (s *Store) SearchableChunks(ctx context.Context) ([]SearchableChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.asset_id, a.rel_path, a.title, a.kind, c.idx, c.text, c.vector
		FROM chunks c JOIN assets a ON a.id = c.asset_id
		ORDER BY a.rel_path ASC, c.idx ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query searchable chunks: %w", err)
	}
	defer rows.Close()

	var out []SearchableChunk
	for rows.Next() {
		var sc SearchableChunk
		var blob []byte
		if err := rows.Scan(&sc.ChunkID, &sc.AssetID, &sc.RelPath, &sc.Title, &sc.Kind, &sc.Idx, &sc.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan searchable chunk: %w", err)
		}
		sc.Vector = decodeVector(blob)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("searchable chunks rows: %w", err)
	}
	return out, nil
}

func (s *Store) CountAssets(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count assets: %w", err)
	}
	return n, nil
}

func (s *Store) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// CreateIndexJob enqueues an index job, deduplicating against jobs already
// queued: an incremental behind any queued job is redundant, and a new full
// scan absorbs queued incrementals.
func (s *Store) CreateIndexJob(ctx context.Context, kind IndexJobKind) (IndexJob, error) {
	var job IndexJob
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create index job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, kind, status, detail_json, error, created_at, started_at, finished_at
			FROM index_jobs WHERE status = ? ORDER BY created_at ASC;
		`, IndexJobQueued)
		if err != nil {
			return fmt.Errorf("query queued jobs: %w", err)
		}
		queued, err := collectIndexJobs(rows)
		if err != nil {
			return err
		}

		if kind == IndexIncremental {
			if len(queued) > 0 {
				job = queued[0]
				return tx.Commit()
			}
		} else {
			for _, q := range queued {
				if q.Kind == IndexFull {
					job = q
					return tx.Commit()
				}
			}
			// Queued incrementals are subsumed by the full scan.
			for _, q := range queued {
				if _, err := tx.ExecContext(ctx, `
					UPDATE index_jobs SET status = ?, detail_json = ?, finished_at = CURRENT_TIMESTAMP
					WHERE id = ? AND status = ?;
				`, IndexJobCompleted, `{"absorbed":true}`, q.ID, IndexJobQueued); err != nil {
					return fmt.Errorf("absorb queued job: %w", err)
				}
			}
		}

		job = IndexJob{
			ID:        uuid.NewString(),
			Kind:      kind,
			Status:    IndexJobQueued,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO index_jobs (id, kind, status, created_at) VALUES (?, ?, ?, ?);
		`, job.ID, job.Kind, job.Status, job.CreatedAt); err != nil {
			return fmt.Errorf("insert index job: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return IndexJob{}, err
	}
	return job, nil
}

// NextQueuedIndexJob returns the oldest queued job, or nil when the queue is
// empty. The single worker per project makes claim-by-read safe.
func (s *Store) NextQueuedIndexJob(ctx context.Context) (*IndexJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, detail_json, error, created_at, started_at, finished_at
		FROM index_jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1;
	`, IndexJobQueued)
	job, err := scanIndexJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("next queued index job: %w", err)
	}
	return &job, nil
}

func (s *Store) StartIndexJob(ctx context.Context, jobID string) error {
	return s.indexJobEdge(ctx, jobID, IndexJobQueued, IndexJobRunning, EventIndexJobStarted, "", "")
}

func (s *Store) CompleteIndexJob(ctx context.Context, jobID, detailJSON string) error {
	return s.indexJobEdge(ctx, jobID, IndexJobRunning, IndexJobCompleted, EventIndexJobCompleted, detailJSON, "")
}

func (s *Store) FailIndexJob(ctx context.Context, jobID, errMsg string) error {
	return s.indexJobEdge(ctx, jobID, IndexJobRunning, IndexJobFailed, EventIndexJobFailed, "", errMsg)
}

// FailInterruptedIndexJobs fails every job still marked running. Called once
// at startup; a running row with no live worker is a crash leftover.
func (s *Store) FailInterruptedIndexJobs(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM index_jobs WHERE status = ?;`, IndexJobRunning)
	if err != nil {
		return 0, fmt.Errorf("query running index jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan running index job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("running index jobs rows: %w", err)
	}

	failed := 0
	for _, id := range ids {
		if err := s.FailIndexJob(ctx, id, "interrupted by restart"); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (s *Store) indexJobEdge(ctx context.Context, jobID string, from, to IndexJobStatus, eventType, detailJSON, errMsg string) error {
	var ev ProjectEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin index job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var res sql.Result
		switch to {
		case IndexJobRunning:
			res, err = tx.ExecContext(ctx, `
				UPDATE index_jobs SET status = ?, started_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, to, jobID, from)
		default:
			detail := detailJSON
			if detail == "" {
				detail = "{}"
			}
			res, err = tx.ExecContext(ctx, `
				UPDATE index_jobs SET status = ?, detail_json = ?, error = ?, finished_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, to, detail, errMsg, jobID, from)
		}
		if err != nil {
			return fmt.Errorf("update index job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("index job rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("index job %s -> %s not applied for %s", from, to, jobID)
		}

		payload := fmt.Sprintf(`{"job_id":%q}`, jobID)
		if errMsg != "" {
			payload = fmt.Sprintf(`{"job_id":%q,"error":%q}`, jobID, errMsg)
		} else if detailJSON != "" {
			payload = fmt.Sprintf(`{"job_id":%q,"detail":%s}`, jobID, detailJSON)
		}
		ev, err = s.appendEventTx(ctx, tx, eventType, "", "", payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishEvents(ev)
	if s.bus != nil {
		s.bus.Publish(bus.TopicIndexJobChanged, bus.IndexJobChangedEvent{
			ProjectID: s.project.ID,
			JobID:     jobID,
			Status:    string(to),
		})
	}
	return nil
}

func (s *Store) GetIndexJob(ctx context.Context, jobID string) (IndexJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, detail_json, error, created_at, started_at, finished_at
		FROM index_jobs WHERE id = ?;
	`, jobID)
	job, err := scanIndexJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IndexJob{}, faults.NotFound("index job %s not found", jobID)
		}
		return IndexJob{}, fmt.Errorf("get index job: %w", err)
	}
	return job, nil
}

// RecentIndexJobs returns jobs newest-first, for status reporting.
func (s *Store) RecentIndexJobs(ctx context.Context, limit int) ([]IndexJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, detail_json, error, created_at, started_at, finished_at
		FROM index_jobs ORDER BY created_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent index jobs: %w", err)
	}
	return collectIndexJobs(rows)
}

func collectIndexJobs(rows *sql.Rows) ([]IndexJob, error) {
	defer rows.Close()
	var out []IndexJob
	for rows.Next() {
		job, err := scanIndexJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan index job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index jobs rows: %w", err)
	}
	return out, nil
}

func scanIndexJob(scanFn func(dest ...any) error) (IndexJob, error) {
	var job IndexJob
	var started, finished sql.NullTime
	if err := scanFn(&job.ID, &job.Kind, &job.Status, &job.Detail, &job.Error, &job.CreatedAt, &started, &finished); err != nil {
		return IndexJob{}, err
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return job, nil
}
