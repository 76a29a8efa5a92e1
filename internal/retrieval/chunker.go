package retrieval

const (
	// DefaultChunkSize and DefaultChunkOverlap are in runes, not bytes.
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200
)

// Chunker splits extracted text into overlapping windows. Boundaries prefer
// the last newline in the back half of a window so chunks tend to end on
// whole lines.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

func (c *Chunker) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.size {
		return []string{text}
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		cut := end
		for i := end - 1; i > start+c.size/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(runes[start:cut]))
		next := cut - c.overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return out
}
