package retrieval

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDim is the embedding dimension used when config does not override it.
const DefaultDim = 256

// Embedder turns text into a fixed-dimension vector. Implementations must be
// deterministic: index-side and query-side vectors have to agree
// byte-for-byte across machines or stored scores are meaningless.
type Embedder interface {
	Embed(text string) []float32
	Dim() int
}

// HashingEmbedder is a feature-hashing embedder: lowercase word tokens plus
// character 3-gram shingles, each FNV-1a hashed into one of Dim buckets with
// the hash's top bit choosing the sign, then L2-normalised. No model, no
// network, fully reproducible.
type HashingEmbedder struct {
	dim int
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashingEmbedder{dim: dim}
}

func (e *HashingEmbedder) Dim() int {
	return e.dim
}

func (e *HashingEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, feat := range features(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feat))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dim))
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := 1 / math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * scale)
	}
	return vec
}

// features emits one feature per word token and one per 3-gram shingle of
// words longer than three runes. Shingles are prefixed so "the" the word and
// "the" the trigram hash apart.
func features(text string) []string {
	words := tokenize(text)
	feats := make([]string, 0, len(words)*3)
	for _, w := range words {
		feats = append(feats, w)
		runes := []rune(w)
		if len(runes) <= 3 {
			continue
		}
		for i := 0; i+3 <= len(runes); i++ {
			feats = append(feats, "3g:"+string(runes[i:i+3]))
		}
	}
	return feats
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Cosine returns the cosine similarity of two vectors, 0 when either is a
// zero vector or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
