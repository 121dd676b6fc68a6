package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// ContentHash returns a deterministic hex digest of text after whitespace
// normalization, so trivially reformatted inputs share a cache key.
func ContentHash(text string) string {
	normalized := NormalizeWhitespace(text)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ShortID returns the first 16 hex characters of the content hash, used for
// deterministic document ids derived from source identifiers.
func ShortID(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeWhitespace collapses runs of whitespace into single spaces and trims
// the ends.
func NormalizeWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
