package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/backend/internal/chunker"
	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/normalizer"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/internal/vector"
)

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

// deterministic embeddings derived from text bytes, normalized per call
type fakeEmbedClient struct{ dim int }

func (f *fakeEmbedClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dim)
		for j, r := range t {
			v[j%f.dim] += float32(r)
		}
		out[i] = v
	}
	return out, nil
}

func newTestProcessor(t *testing.T) (*Processor, *memStore, *vector.MemoryIndex) {
	t.Helper()
	store := newMemStore()
	index := vector.NewMemoryIndex()
	embedder := embedding.New(&fakeEmbedClient{dim: 8}, embedding.NewMemoryCache(256), 8)
	proc := NewProcessor(store, index, embedder, chunker.New(200, 40, 60), 2)
	return proc, store, index
}

func filingText(n int) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Paragraph %d of the annual report discusses operating results in detail.\n\n", i)
	}
	return []byte(b.String())
}

func TestIngest_CreatesDocumentAndChunks(t *testing.T) {
	proc, store, index := newTestProcessor(t)

	result, err := proc.Ingest(context.Background(), RawInput{
		Source:     "sec/aapl-10k-2024.txt",
		Ticker:     "AAPL",
		SourceType: models.SourceFiling,
		FilingType: "10-K",
		Format:     normalizer.FormatPlain,
		Data:       filingText(20),
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Positive(t, result.Chunks)
	assert.Equal(t, result.Chunks, index.Len())

	doc, ok := store.docs[result.DocumentID]
	require.True(t, ok)
	assert.Equal(t, "AAPL", doc.Ticker)
	assert.Equal(t, models.SourceFiling, doc.SourceType)

	stored := store.chunks[result.DocumentID]
	require.Len(t, stored, result.Chunks)
	for i, c := range stored {
		assert.Equal(t, i, c.SequenceIndex)
		assert.Equal(t, fmt.Sprintf("%s_%d", result.DocumentID, i), c.ID)
		assert.Len(t, c.Embedding, 8)
	}
}

func TestIngest_FailedParseLeavesNoRecords(t *testing.T) {
	proc, store, index := newTestProcessor(t)

	_, err := proc.Ingest(context.Background(), RawInput{
		Source: "broken.pdf",
		Format: normalizer.FormatPDF,
		Data:   []byte("%PDF-1.4 this is not a real pdf body"),
	})
	require.Error(t, err)

	assert.Empty(t, store.docs)
	assert.Empty(t, store.chunks)
	assert.Zero(t, index.Len())
}

func TestIngest_ReingestIsIdempotent(t *testing.T) {
	proc, store, index := newTestProcessor(t)
	input := RawInput{
		Source:     "news/acme-earnings.txt",
		Ticker:     "ACME",
		SourceType: models.SourceNews,
		Format:     normalizer.FormatPlain,
		Data:       filingText(12),
	}

	first, err := proc.Ingest(context.Background(), input)
	require.NoError(t, err)

	second, err := proc.Ingest(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, first.Chunks, second.Chunks)
	assert.Equal(t, first.Chunks, index.Len(), "re-ingestion must not duplicate chunks")
	assert.Len(t, store.chunks[first.DocumentID], first.Chunks)
}

func TestIngestBatch_ContainsPerDocumentFailure(t *testing.T) {
	proc, store, index := newTestProcessor(t)

	inputs := make([]RawInput, 5)
	for i := range inputs {
		inputs[i] = RawInput{
			Source:     fmt.Sprintf("upload/doc-%d.txt", i),
			SourceType: models.SourceUpload,
			Format:     normalizer.FormatPlain,
			Data:       filingText(8 + i),
		}
	}
	// document #3 is malformed
	inputs[2].Source = "upload/doc-2.pdf"
	inputs[2].Format = normalizer.FormatPDF
	inputs[2].Data = []byte("%PDF garbage")

	results := proc.IngestBatch(context.Background(), inputs)
	require.Len(t, results, 5)

	var failed, succeeded int
	for i, r := range results {
		assert.Equal(t, inputs[i].Source, r.Source, "results keep input order")
		if r.Err != nil {
			failed++
			assert.NotEmpty(t, r.ErrMessage)
		} else {
			succeeded++
			assert.NotEmpty(t, store.chunks[r.DocumentID], "successful documents are queryable")
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, succeeded)
	assert.Positive(t, index.Len())
}

// stallFirstUpsert delays the first index write until released, modeling a
// slow upsert racing a re-ingest of the same source.
type stallFirstUpsert struct {
	*vector.MemoryIndex
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallFirstUpsert) Upsert(ctx context.Context, vectors []vector.ChunkVector) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryIndex.Upsert(ctx, vectors)
}

func TestIngest_ConcurrentReingestNeverResurrectsStaleChunks(t *testing.T) {
	store := newMemStore()
	index := &stallFirstUpsert{
		MemoryIndex: vector.NewMemoryIndex(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	embedder := embedding.New(&fakeEmbedClient{dim: 8}, embedding.NewMemoryCache(256), 8)
	proc := NewProcessor(store, index, embedder, chunker.New(200, 40, 60), 2)

	const source = "sec/acme-10k.txt"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := proc.Ingest(context.Background(), RawInput{
			Source:     source,
			Ticker:     "ACME",
			SourceType: models.SourceFiling,
			Format:     normalizer.FormatPlain,
			Data:       filingText(20),
		})
		assert.NoError(t, err)
	}()

	// The first ingest is now stalled inside its index write.
	<-index.entered

	var second *models.IngestResult
	go func() {
		defer wg.Done()
		var err error
		second, err = proc.Ingest(context.Background(), RawInput{
			Source:     source,
			Ticker:     "ACME",
			SourceType: models.SourceFiling,
			Format:     normalizer.FormatPlain,
			Data:       filingText(1),
		})
		assert.NoError(t, err)
	}()

	// Give the re-ingest time to reach the write window; it must block there
	// rather than delete underneath the stalled upsert.
	time.Sleep(50 * time.Millisecond)
	close(index.release)
	wg.Wait()

	require.NotNil(t, second)
	assert.Equal(t, second.Chunks, index.Len(),
		"index must hold exactly the last completed version")
	assert.Len(t, store.chunks[second.DocumentID], second.Chunks)
}
