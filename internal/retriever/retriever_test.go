package retriever

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/vector"
)

// hashClient produces deterministic unit vectors so similarity ordering in
// tests only depends on which fixtures share text with the query.
type hashClient struct{}

func (hashClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 8)
		for j, r := range text {
			v[j%8] += float32(r % 13)
		}
		out[i] = v
	}
	return out, nil
}

func testSynonyms() map[string]string {
	return map[string]string{
		"eps": "earnings per share",
		"fcf": "free cash flow",
	}
}

func newTestRetriever(t *testing.T, idx vector.Index) *Retriever {
	t.Helper()
	embedder := embedding.New(hashClient{}, embedding.NewMemoryCache(64), 8)
	return New(embedder, idx, testSynonyms(), 2*time.Hour, 5)
}

func seedIndex(t *testing.T, idx vector.Index, chunks []vector.ChunkVector) {
	t.Helper()
	embedder := embedding.New(hashClient{}, embedding.NewMemoryCache(64), 8)
	for i := range chunks {
		vec, err := embedder.EmbedQuery(context.Background(), chunks[i].Text)
		require.NoError(t, err)
		chunks[i].Embedding = vec
	}
	require.NoError(t, idx.Upsert(context.Background(), chunks))
}

func TestExpandQuery(t *testing.T) {
	r := newTestRetriever(t, vector.NewMemoryIndex())

	expanded := r.ExpandQuery("What is AAPL's EPS this quarter?")
	assert.Contains(t, expanded, "What is AAPL's EPS this quarter?")
	assert.Contains(t, expanded, "earnings per share")

	// Already-spelled-out terms are not appended twice.
	same := r.ExpandQuery("earnings per share trend")
	assert.Equal(t, "earnings per share trend", same)

	plain := r.ExpandQuery("general outlook")
	assert.Equal(t, "general outlook", plain)
}

func TestRetrieve_OrderingAndBounds(t *testing.T) {
	idx := vector.NewMemoryIndex()
	now := time.Now().UTC()
	seedIndex(t, idx, []vector.ChunkVector{
		{ChunkID: "d1_0", DocumentID: "d1", Text: "revenue grew twelve percent in the quarter", Ticker: "AAPL", SourceType: "filing", PublishedAt: now},
		{ChunkID: "d1_1", DocumentID: "d1", Text: "operating margin compressed slightly", Ticker: "AAPL", SourceType: "filing", PublishedAt: now},
		{ChunkID: "d2_0", DocumentID: "d2", Text: "guidance for next year was raised", Ticker: "AAPL", SourceType: "news", PublishedAt: now},
		{ChunkID: "d3_0", DocumentID: "d3", Text: "unrelated commodity report", Ticker: "XOM", SourceType: "news", PublishedAt: now},
	})

	r := newTestRetriever(t, idx)
	hits, err := r.Retrieve(context.Background(), Request{Query: "revenue growth", Ticker: "AAPL", K: 2})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(hits), 2)
	seen := make(map[string]bool)
	for i, h := range hits {
		assert.NotEqual(t, "d3_0", h.ChunkID, "ticker filter must not be widened")
		assert.False(t, seen[h.ChunkID], "no chunk id may repeat")
		seen[h.ChunkID] = true
		if i > 0 {
			assert.GreaterOrEqual(t, hits[i-1].Score, h.Score, "scores must be non-increasing")
		}
	}
}

func TestRetrieve_EmptyIsNotError(t *testing.T) {
	r := newTestRetriever(t, vector.NewMemoryIndex())

	hits, err := r.Retrieve(context.Background(), Request{Query: "anything", Ticker: "TSLA"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieve_DedupsNearDuplicateNews(t *testing.T) {
	idx := vector.NewMemoryIndex()
	now := time.Now().UTC()
	wire := "Apple reported record revenue of ninety billion dollars"
	seedIndex(t, idx, []vector.ChunkVector{
		{ChunkID: "n1_0", DocumentID: "n1", Text: wire, Ticker: "AAPL", SourceType: "news", PublishedAt: now},
		{ChunkID: "n2_0", DocumentID: "n2", Text: wire, Ticker: "AAPL", SourceType: "news", PublishedAt: now.Add(30 * time.Minute)},
		{ChunkID: "n3_0", DocumentID: "n3", Text: wire, Ticker: "AAPL", SourceType: "news", PublishedAt: now.Add(100 * time.Hour)},
	})

	r := newTestRetriever(t, idx)
	hits, err := r.Retrieve(context.Background(), Request{Query: "Apple record revenue", Ticker: "AAPL", K: 10})
	require.NoError(t, err)

	require.Len(t, hits, 2, "reprints inside the window collapse; the distant one survives")
	ids := []string{hits[0].ChunkID, hits[1].ChunkID}
	assert.NotContains(t, ids, "n1_0")
}

func TestRetrieve_TieBreakPrefersNewer(t *testing.T) {
	idx := vector.NewMemoryIndex()
	old := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	text := "identical scored text"
	seedIndex(t, idx, []vector.ChunkVector{
		{ChunkID: "a_0", DocumentID: "a", Text: text, Ticker: "MSFT", SourceType: "filing", PublishedAt: old},
		{ChunkID: "b_0", DocumentID: "b", Text: text, Ticker: "MSFT", SourceType: "news", PublishedAt: recent},
	})

	r := New(embedding.New(hashClient{}, embedding.NewMemoryCache(8), 8), idx, nil, 0, 5)
	hits, err := r.Retrieve(context.Background(), Request{Query: text, Ticker: "MSFT", K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "b_0", hits[0].ChunkID)
}
