// Package vector defines the capability contract the pipeline requires of a
// vector store, independent of any specific backend.
package vector

import (
	"context"
	"errors"
	"time"
)

var ErrIndexUnavailable = errors.New("vector index unavailable")

// ChunkVector is one indexed chunk: its embedding plus the metadata fields
// queries filter on.
type ChunkVector struct {
	ChunkID     string
	DocumentID  string
	Embedding   []float32
	Text        string
	Ticker      string
	SourceType  string
	FilingType  string
	PublishedAt time.Time
}

// Filter is a conjunction of exact-match and range predicates over chunk
// metadata. Zero values mean "no constraint".
type Filter struct {
	Ticker          string
	SourceType      string
	FilingType      string
	PublishedAfter  time.Time
	PublishedBefore time.Time
}

// Hit is a scored nearest-neighbor match carrying enough of the chunk to
// re-rank, deduplicate and synthesize without a second lookup.
type Hit struct {
	ChunkID     string
	DocumentID  string
	Score       float32
	Text        string
	Ticker      string
	SourceType  string
	PublishedAt time.Time
}

// Index is the vector store capability. Upsert is idempotent per chunk id.
// Query returns at most k hits ordered by descending cosine similarity, ties
// broken by more recent PublishedAt and then by chunk id for determinism.
// Implementations always scope operations to the application's namespace.
type Index interface {
	Upsert(ctx context.Context, chunks []ChunkVector) error
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// Matches reports whether a chunk's metadata satisfies the filter conjunction.
func (f Filter) Matches(c ChunkVector) bool {
	if f.Ticker != "" && c.Ticker != f.Ticker {
		return false
	}
	if f.SourceType != "" && c.SourceType != f.SourceType {
		return false
	}
	if f.FilingType != "" && c.FilingType != f.FilingType {
		return false
	}
	if !f.PublishedAfter.IsZero() && c.PublishedAt.Before(f.PublishedAfter) {
		return false
	}
	if !f.PublishedBefore.IsZero() && c.PublishedAt.After(f.PublishedBefore) {
		return false
	}
	return true
}
