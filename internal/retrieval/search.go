package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/atticlabs/go-loft/internal/faults"
	"github.com/atticlabs/go-loft/internal/persistence"
)

// maxSearchLimit caps how many hits one query may request.
const maxSearchLimit = 50

const snippetRunes = 240

// Hit is one ranked search result.
type Hit struct {
	ChunkID string                `json:"chunk_id"`
	AssetID string                `json:"asset_id"`
	Path    string                `json:"path"`
	Title   string                `json:"title,omitempty"`
	Kind    persistence.AssetKind `json:"kind"`
	Idx     int                   `json:"idx"`
	Score   float64               `json:"score"`
	Snippet string                `json:"snippet"`
}

// ContextChunk is a ranked chunk with its full text, for prompt assembly.
type ContextChunk struct {
	Path  string
	Title string
	Text  string
	Score float64
}

// Search embeds the query and ranks every stored chunk by cosine similarity.
// limit <= 0 falls back to the configured top-k. An empty index yields an
// empty result, not an error.
func (ix *Indexer) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	ranked, err := ix.rank(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(ranked))
	for _, r := range ranked {
		hits = append(hits, Hit{
			ChunkID: r.chunk.ChunkID,
			AssetID: r.chunk.AssetID,
			Path:    r.chunk.RelPath,
			Title:   r.chunk.Title,
			Kind:    r.chunk.Kind,
			Idx:     r.chunk.Idx,
			Score:   r.score,
			Snippet: snippet(r.chunk.Text),
		})
	}
	return hits, nil
}

// ContextChunks is Search with untrimmed chunk text, used to ground the
// planner rather than to render results.
func (ix *Indexer) ContextChunks(ctx context.Context, query string, limit int) ([]ContextChunk, error) {
	ranked, err := ix.rank(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ContextChunk, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, ContextChunk{
			Path:  r.chunk.RelPath,
			Title: r.chunk.Title,
			Text:  r.chunk.Text,
			Score: r.score,
		})
	}
	return out, nil
}

type rankedChunk struct {
	chunk persistence.SearchableChunk
	score float64
}

func (ix *Indexer) rank(ctx context.Context, query string, limit int) ([]rankedChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, faults.Validation("search query must not be empty")
	}
	if limit <= 0 {
		limit = ix.topK
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	chunks, err := ix.store.SearchableChunks(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return []rankedChunk{}, nil
	}

	qv := ix.embedder.Embed(query)
	ranked := make([]rankedChunk, 0, len(chunks))
	for _, c := range chunks {
		score := Cosine(qv, c.Vector)
		if score <= 0 {
			continue
		}
		ranked = append(ranked, rankedChunk{chunk: c, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].chunk.RelPath != ranked[j].chunk.RelPath {
			return ranked[i].chunk.RelPath < ranked[j].chunk.RelPath
		}
		return ranked[i].chunk.Idx < ranked[j].chunk.Idx
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// snippet flattens chunk text to a single line capped at snippetRunes.
func snippet(text string) string {
	var b strings.Builder
	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	runes := []rune(out)
	if len(runes) <= snippetRunes {
		return out
	}
	return strings.TrimSpace(string(runes[:snippetRunes])) + "..."
}
