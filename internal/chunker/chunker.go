// Package chunker splits document text into overlapping segments for
// embedding. Boundaries prefer natural breaks (paragraph, then sentence,
// then word) and fall back to a raw character cut so chunking always
// terminates, even on pathological input.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 800

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 80

// Chunk is one contiguous segment of a document's text. Index is 0-based
// and dense; Total is the chunk count of the whole document.
type Chunk struct {
	Text  string
	Index int
	Total int
	Start int // rune offset into the original text
}

// Chunker splits text into overlapping chunks.
type Chunker struct {
	size    int
	overlap int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithSize sets the chunk size in characters.
func WithSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Overlap must stay strictly smaller than the chunk size or the
	// window can never advance.
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

// Split chunks text into overlapping segments. Empty or whitespace-only
// text yields no chunks; text shorter than the chunk size yields exactly
// one. Each chunk after the first starts exactly `overlap` characters
// before the previous chunk's end, so the original text is reconstructable
// by dropping the first `overlap` characters of every chunk but the first.
// The full slice is materialized up front; callers hold every chunk in
// memory through the embedding stage, so peak footprint is one document's
// chunks either way.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	n := len(runes)

	if n <= c.size {
		return []Chunk{{Text: text, Index: 0, Total: 1, Start: 0}}
	}

	var chunks []Chunk
	start := 0
	for start < n {
		end := start + c.size
		if end >= n {
			end = n
		} else {
			end = c.cutPoint(runes, start, end)
		}

		chunks = append(chunks, Chunk{
			Text:  string(runes[start:end]),
			Index: len(chunks),
			Start: start,
		})

		if end >= n {
			break
		}
		start = end - c.overlap
	}

	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}

// cutPoint picks the best boundary in (start+overlap, limit]. Each level
// of the hierarchy is tried in turn; the raw cut at limit guarantees the
// window always advances.
func (c *Chunker) cutPoint(runes []rune, start, limit int) int {
	// A boundary at or before start+overlap would make the next chunk
	// start at or before the current one; such boundaries are unusable.
	floor := start + c.overlap + 1

	if p := lastParagraphBreak(runes, floor, limit); p > 0 {
		return p
	}
	if p := lastSentenceEnd(runes, floor, limit); p > 0 {
		return p
	}
	if p := lastWordBreak(runes, floor, limit); p > 0 {
		return p
	}
	return limit
}

// lastParagraphBreak returns the position just after the last blank-line
// separator in [floor, limit), or 0 if none.
func lastParagraphBreak(runes []rune, floor, limit int) int {
	for i := limit - 1; i > floor; i-- {
		if runes[i-1] == '\n' && runes[i] == '\n' {
			return i + 1
		}
	}
	return 0
}

// lastSentenceEnd returns the position just after the last sentence
// terminator followed by whitespace in [floor, limit), or 0 if none.
func lastSentenceEnd(runes []rune, floor, limit int) int {
	for i := limit - 1; i > floor; i-- {
		r := runes[i-1]
		if (r == '.' || r == '?' || r == '!') && unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}

// lastWordBreak returns the position just after the last whitespace rune
// in [floor, limit), or 0 if none.
func lastWordBreak(runes []rune, floor, limit int) int {
	for i := limit - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return 0
}

// Reassemble reverses Split for a full chunk sequence: the first chunk is
// kept whole and each later chunk contributes everything after its
// overlapping prefix.
func Reassemble(chunks []Chunk, overlap int) string {
	var b strings.Builder
	for i, ch := range chunks {
		r := []rune(ch.Text)
		if i == 0 {
			b.WriteString(ch.Text)
			continue
		}
		if len(r) > overlap {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}
