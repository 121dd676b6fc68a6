package research

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/backend/internal/chunker"
	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/extractor"
	"github.com/finsight/backend/internal/ingestion"
	"github.com/finsight/backend/internal/llm"
	"github.com/finsight/backend/internal/normalizer"
	"github.com/finsight/backend/internal/report"
	"github.com/finsight/backend/internal/retriever"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/internal/storage/sqlite"
	"github.com/finsight/backend/internal/synthesizer"
	"github.com/finsight/backend/internal/vector"
)

// bag-of-words embeddings: shared vocabulary means higher cosine similarity
type bowEmbedClient struct{ dim int }

func (c *bowEmbedClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, c.dim)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(strings.Trim(word, ".,?!()'$")))
			v[h.Sum32()%uint32(c.dim)]++
		}
		out[i] = v
	}
	return out, nil
}

// echoGenerator answers by citing whichever numbered excerpt mentions the
// marker phrase, mimicking a model that grounds correctly.
type echoGenerator struct {
	marker string
	calls  int
}

func (g *echoGenerator) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	g.calls++
	pattern := regexp.MustCompile(`(?s)\[(\d+)\][^\[]*?` + regexp.QuoteMeta(g.marker))
	m := pattern.FindStringSubmatch(req.UserPrompt)
	if m == nil {
		return &llm.CompletionResponse{Content: "The excerpts do not contain this information."}, nil
	}
	return &llm.CompletionResponse{
		Content: fmt.Sprintf("The figure was %s. [%s]", g.marker, m[1]),
	}, nil
}

type memStore struct {
	mu     sync.Mutex
	docs   map[string]*models.Document
	chunks map[string][]models.Chunk
}

func newMemStore() *memStore {
	return &memStore{
		docs:   make(map[string]*models.Document),
		chunks: make(map[string][]models.Chunk),
	}
}

func (s *memStore) PutDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

func (s *memStore) PutChunks(_ context.Context, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], c)
	}
	return nil
}

func (s *memStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, documentID)
	delete(s.chunks, documentID)
	return nil
}

func (s *memStore) ListDocuments(_ context.Context, filter sqlite.ListFilter) ([]models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Document
	for _, doc := range s.docs {
		if filter.Ticker != "" && doc.Ticker != filter.Ticker {
			continue
		}
		if !filter.After.IsZero() && doc.PublishedAt.Before(filter.After) {
			continue
		}
		out = append(out, *doc)
	}
	return out, nil
}

func (s *memStore) GetChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[documentID], nil
}

func newTestService(t *testing.T, gen synthesizer.Generator) (*Service, *memStore, *vector.MemoryIndex) {
	t.Helper()

	store := newMemStore()
	index := vector.NewMemoryIndex()
	embedder := embedding.New(&bowEmbedClient{dim: 64}, embedding.NewMemoryCache(512), 64)

	proc := ingestion.NewProcessor(store, index, embedder, chunker.New(160, 20, 80), 2)
	ret := retriever.New(embedder, index, map[string]string{"eps": "earnings per share"}, 2*time.Hour, 5)
	synth := synthesizer.New(gen, 6000, "")
	ext := extractor.New(extractor.NewMemoryCache(), extractor.Options{})
	reports := report.NewOrchestrator(ret, synth)

	return NewService(proc, ret, synth, ext, reports, store), store, index
}

const aaplFiling = `Apple Inc. quarterly report overview. The company operates worldwide across hardware, software and services segments.

The company reported revenue of $90 billion in Q1, driven by iPhone and services strength across all geographies.

Management expects continued momentum in the services business through the remainder of the fiscal year.`

func ingestAAPL(t *testing.T, svc *Service) *models.IngestResult {
	t.Helper()
	result, err := svc.Ingest(context.Background(), ingestion.RawInput{
		Source:     "sec/aapl-10q.txt",
		Ticker:     "AAPL",
		SourceType: models.SourceFiling,
		FilingType: "10-Q",
		Format:     normalizer.FormatPlain,
		Data:       []byte(aaplFiling),
	})
	require.NoError(t, err)
	return result
}

func TestQuery_RevenueQuestionCitesRevenueChunk(t *testing.T) {
	gen := &echoGenerator{marker: "$90 billion"}
	svc, store, _ := newTestService(t, gen)
	result := ingestAAPL(t, svc)
	require.GreaterOrEqual(t, result.Chunks, 3)

	var revenueChunkID string
	for _, c := range store.chunks[result.DocumentID] {
		if strings.Contains(c.Text, "$90 billion") {
			revenueChunkID = c.ID
		}
	}
	require.NotEmpty(t, revenueChunkID)

	answer, err := svc.Query(context.Background(), QueryRequest{
		Text:   "What was AAPL's Q1 revenue?",
		Ticker: "AAPL",
		K:      3,
	})
	require.NoError(t, err)

	assert.Equal(t, models.AnswerGrounded, answer.Status)
	assert.Contains(t, answer.Citations, revenueChunkID)
	assert.Contains(t, answer.Text, "$90 billion")
}

func TestQuery_UnmatchedFilterYieldsNoGrounding(t *testing.T) {
	gen := &echoGenerator{marker: "$90 billion"}
	svc, _, _ := newTestService(t, gen)
	ingestAAPL(t, svc)

	answer, err := svc.Query(context.Background(), QueryRequest{
		Text:   "What was revenue?",
		Ticker: "ZZZZ",
	})
	require.NoError(t, err, "an empty match is a valid answer state, not an error")

	assert.Equal(t, models.AnswerNoGrounding, answer.Status)
	assert.Empty(t, answer.Citations)
	assert.Equal(t, 0, gen.calls, "no grounding means the model is never called")
}

type downIndex struct{}

func (downIndex) Upsert(context.Context, []vector.ChunkVector) error {
	return fmt.Errorf("milvus: %w", vector.ErrIndexUnavailable)
}
func (downIndex) Query(context.Context, []float32, int, vector.Filter) ([]vector.Hit, error) {
	return nil, fmt.Errorf("milvus: %w", vector.ErrIndexUnavailable)
}
func (downIndex) Delete(context.Context, []string) error {
	return fmt.Errorf("milvus: %w", vector.ErrIndexUnavailable)
}
func (downIndex) DeleteByDocument(context.Context, string) error {
	return fmt.Errorf("milvus: %w", vector.ErrIndexUnavailable)
}

func TestQuery_IndexOutageDegradesWithDistinctStatus(t *testing.T) {
	store := newMemStore()
	embedder := embedding.New(&bowEmbedClient{dim: 64}, embedding.NewMemoryCache(512), 64)
	ret := retriever.New(embedder, downIndex{}, nil, time.Hour, 5)
	gen := &echoGenerator{marker: "anything"}
	synth := synthesizer.New(gen, 6000, "")
	svc := NewService(nil, ret, synth, extractor.New(nil, extractor.Options{}), nil, store)

	answer, err := svc.Query(context.Background(), QueryRequest{Text: "What was revenue?"})
	require.NoError(t, err)

	assert.Equal(t, models.AnswerDegraded, answer.Status, "outage and genuine no-match must be distinguishable")
	assert.Equal(t, 0, gen.calls)
}

func TestAnalyzeSentiment_BoundedSummary(t *testing.T) {
	gen := &echoGenerator{marker: "$90 billion"}
	svc, _, _ := newTestService(t, gen)
	ingestAAPL(t, svc)

	summary, err := svc.AnalyzeSentiment(context.Background(), "AAPL", 0)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, summary.SentimentScore, -1.0)
	assert.LessOrEqual(t, summary.SentimentScore, 1.0)
}

func TestExtractMetrics_FindsRevenue(t *testing.T) {
	gen := &echoGenerator{marker: "$90 billion"}
	svc, _, _ := newTestService(t, gen)
	ingestAAPL(t, svc)

	found, err := svc.ExtractMetrics(context.Background(), "AAPL", "")
	require.NoError(t, err)

	rev, ok := found["revenue"]
	require.True(t, ok)
	assert.InDelta(t, 90e9, rev.Value, 1)
	assert.Equal(t, "USD", rev.Unit)
}

func TestGenerateReport_EndToEnd(t *testing.T) {
	gen := &echoGenerator{marker: "$90 billion"}
	svc, _, _ := newTestService(t, gen)
	ingestAAPL(t, svc)

	rep, err := svc.GenerateReport(context.Background(), "AAPL", []string{"Financial Performance", "Risks"}, "Q1")
	require.NoError(t, err)
	require.Len(t, rep.Sections, 2)
	assert.Equal(t, "AAPL", rep.Ticker)
	for _, sec := range rep.Sections {
		assert.NotEmpty(t, sec.Answer.Text)
	}
}

type memAnswerCache struct {
	mu      sync.Mutex
	answers map[string]*models.Answer
}

func (c *memAnswerCache) GetAnswer(_ context.Context, hash string) (*models.Answer, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.answers[hash]
	return a, ok, nil
}

func (c *memAnswerCache) SetAnswer(_ context.Context, hash string, answer *models.Answer, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answers == nil {
		c.answers = map[string]*models.Answer{}
	}
	c.answers[hash] = answer
	return nil
}

func (c *memAnswerCache) InvalidateAnswers(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = nil
	return nil
}

func TestQuery_RepeatedQuestionServedFromCacheUntilIngest(t *testing.T) {
	gen := &echoGenerator{marker: "$90 billion"}
	svc, _, _ := newTestService(t, gen)
	svc.WithAnswerCache(&memAnswerCache{}, time.Hour)
	ingestAAPL(t, svc)

	req := QueryRequest{Text: "What was AAPL's Q1 revenue?", Ticker: "AAPL", K: 3}

	first, err := svc.Query(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.AnswerGrounded, first.Status)
	callsAfterFirst := gen.calls

	second, err := svc.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, callsAfterFirst, gen.calls, "repeat query should not reach the model")

	// New content invalidates every cached answer.
	_, err = svc.Ingest(context.Background(), ingestion.RawInput{
		Source:     "news/aapl-guidance.txt",
		Ticker:     "AAPL",
		SourceType: models.SourceNews,
		Format:     normalizer.FormatPlain,
		Data:       []byte("Apple raised guidance for the next quarter, citing strong demand and revenue of $90 billion momentum."),
	})
	require.NoError(t, err)

	_, err = svc.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Greater(t, gen.calls, callsAfterFirst, "ingest should force re-synthesis")
}
