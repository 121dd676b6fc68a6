// Package chunker splits normalized text into overlapping retrieval units with
// stable character offsets.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// Chunker produces pieces whose non-overlapping core spans [Start, End) are
// contiguous and concatenate back to the source text exactly. Piece text
// additionally carries up to Overlap bytes of context from the preceding span.
type Chunker struct {
	size      int
	overlap   int
	tolerance int
}

// Piece is one retrieval unit before embedding.
type Piece struct {
	Index int
	Start int
	End   int
	Text  string
}

// New returns a chunker with the given target size, overlap and boundary
// tolerance, all in bytes. Overlap must be smaller than size.
func New(size, overlap, tolerance int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	if tolerance <= 0 {
		tolerance = size / 5
	}
	return &Chunker{size: size, overlap: overlap, tolerance: tolerance}
}

// Split cuts text into pieces. Cuts prefer paragraph breaks, then sentence
// ends, then word gaps within the tolerance window, and fall back to a hard
// character cut. Whitespace-only spans are folded into a neighboring piece so
// the round-trip guarantee holds. Output is deterministic for a given input.
func (c *Chunker) Split(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []Piece
	start := 0
	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.cut(text, start, end)
		}

		core := text[start:end]
		if strings.TrimSpace(core) == "" {
			if len(pieces) > 0 {
				// Fold the whitespace run into the previous piece so spans
				// stay contiguous for offset reconstruction.
				last := &pieces[len(pieces)-1]
				last.End = end
				last.Text += core
				start = end
				continue
			}
			// Leading whitespace run longer than the chunk size: grow the
			// span until it picks up content.
			end = c.extend(text, start, end)
			core = text[start:end]
			if strings.TrimSpace(core) == "" {
				break
			}
		}

		pieces = append(pieces, c.piece(text, len(pieces), start, end))
		start = end
	}
	return pieces
}

func (c *Chunker) piece(text string, index, start, end int) Piece {
	overlapStart := start - c.overlap
	if overlapStart < 0 {
		overlapStart = 0
	}
	for overlapStart > 0 && !utf8.RuneStart(text[overlapStart]) {
		overlapStart++
	}
	return Piece{
		Index: index,
		Start: start,
		End:   end,
		Text:  text[overlapStart:end],
	}
}

// cut picks the best boundary at or before hardEnd, looking back no further
// than the tolerance window and never at or before start.
func (c *Chunker) cut(text string, start, hardEnd int) int {
	for hardEnd > start && !utf8.RuneStart(text[hardEnd]) {
		hardEnd--
	}
	if hardEnd <= start {
		// The configured size is smaller than the rune at start; take the
		// whole rune rather than cutting inside it.
		_, w := utf8.DecodeRuneInString(text[start:])
		return start + w
	}
	lo := hardEnd - c.tolerance
	if lo <= start {
		lo = start + 1
	}
	if lo > hardEnd {
		lo = hardEnd
	}
	window := text[lo:hardEnd]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return lo + idx + 2
	}
	for _, sep := range []string{". ", "! ", "? ", ".\n", "\n"} {
		if idx := strings.LastIndex(window, sep); idx >= 0 {
			return lo + idx + len(sep)
		}
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= 0 {
		return lo + idx + 1
	}
	return hardEnd
}

// extend grows end past a whitespace run until the span [start, end) contains
// content or the text is exhausted.
func (c *Chunker) extend(text string, start, end int) int {
	for end < len(text) && strings.TrimSpace(text[start:end]) == "" {
		next := end + c.size
		if next >= len(text) {
			return len(text)
		}
		end = c.cut(text, end, next)
	}
	return end
}
