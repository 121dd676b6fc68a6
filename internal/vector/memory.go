package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index used in tests and single-node local mode.
// It implements the same ordering contract as the Milvus adapter.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]ChunkVector
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{chunks: make(map[string]ChunkVector)}
}

func (m *MemoryIndex) Upsert(_ context.Context, chunks []ChunkVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ChunkID] = c
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, k)
	for _, c := range m.chunks {
		if !filter.Matches(c) {
			continue
		}
		score := CosineSimilarity(vector, c.Embedding)
		hits = append(hits, Hit{
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			Score:       score,
			Text:        c.Text,
			Ticker:      c.Ticker,
			SourceType:  c.SourceType,
			PublishedAt: c.PublishedAt,
		})
	}

	SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.chunks, id)
	}
	return nil
}

func (m *MemoryIndex) DeleteByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if c.DocumentID == documentID {
			delete(m.chunks, id)
		}
	}
	return nil
}

// Len returns the number of indexed chunks.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is zero or the dimensions disagree.
func CosineSimilarity(a, b []float32) float32 {
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
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// SortHits orders hits by descending score, breaking ties by more recent
// PublishedAt and then ascending chunk id.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].PublishedAt.Equal(hits[j].PublishedAt) {
			return hits[i].PublishedAt.After(hits[j].PublishedAt)
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}
