// Package ingestion drives the document pipeline: normalize, chunk, embed,
// index. The unit of atomicity is one document; batch ingestion contains
// failures per document and always runs to completion.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finsight/backend/internal/chunker"
	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/internal/normalizer"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/internal/vector"
	"github.com/finsight/backend/pkg/logger"
	"github.com/finsight/backend/pkg/utils"
)

// Store is the document persistence boundary. Re-ingesting a source replaces
// the document and all of its chunks.
type Store interface {
	PutDocument(ctx context.Context, doc *models.Document) error
	PutChunks(ctx context.Context, chunks []models.Chunk) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// RawInput is one document as delivered by a fetcher: raw bytes, a declared
// format (sniffed when empty) and the caller's metadata. Source identifies
// the document; re-ingesting the same source supersedes the earlier copy.
type RawInput struct {
	Source     string
	Ticker     string
	SourceType models.SourceType
	FilingType string
	Format     normalizer.Format
	Data       []byte
}

type Processor struct {
	store    Store
	index    vector.Index
	embedder *embedding.Embedder
	chunker  *chunker.Chunker
	workers  int

	// docLocks serializes the delete and write window per document id, so a
	// concurrent re-ingest of the same source cannot land an older version's
	// upsert after a newer version's delete.
	docLocks sync.Map
}

func NewProcessor(store Store, index vector.Index, embedder *embedding.Embedder, ch *chunker.Chunker, workers int) *Processor {
	if workers <= 0 {
		workers = 4
	}
	return &Processor{
		store:    store,
		index:    index,
		embedder: embedder,
		chunker:  ch,
		workers:  workers,
	}
}

// Ingest runs one document through the pipeline. Nothing is persisted until
// normalization, chunking and embedding have all succeeded, so a failed
// document leaves no Document or Chunk records behind. Re-ingesting an
// existing source deletes its old chunks before the new ones are upserted;
// a per-document lock serializes that window, so no upsert for this document
// is in flight when the delete is issued.
func (p *Processor) Ingest(ctx context.Context, input RawInput) (*models.IngestResult, error) {
	logger.Info("Ingesting document",
		zap.String("source", input.Source),
		zap.String("source_type", string(input.SourceType)),
	)

	norm, err := normalizer.Normalize(input.Data, input.Format)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues(string(input.SourceType), "failed").Inc()
		return nil, fmt.Errorf("normalize %s: %w", input.Source, err)
	}

	docID := utils.ShortID(input.Source)
	pieces := p.chunker.Split(norm.Text)
	if len(pieces) == 0 {
		metrics.DocumentsIngested.WithLabelValues(string(input.SourceType), "failed").Inc()
		return nil, fmt.Errorf("chunk %s: %w", input.Source, normalizer.ErrEmptyContent)
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Text
	}

	embeddings, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues(string(input.SourceType), "failed").Inc()
		return nil, fmt.Errorf("embed %s: %w", input.Source, err)
	}

	ticker := input.Ticker
	if ticker == "" {
		ticker = norm.Ticker
	}
	publishedAt := norm.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:          docID,
		Ticker:      ticker,
		SourceType:  input.SourceType,
		FilingType:  input.FilingType,
		Source:      input.Source,
		PublishedAt: publishedAt,
		RawText:     norm.Text,
		Metadata: models.Metadata{
			Title:       norm.Title,
			Ticker:      ticker,
			FilingType:  input.FilingType,
			Degraded:    norm.Degraded,
			PublishedAt: publishedAt,
		},
		CreatedAt: now,
	}

	chunks := make([]models.Chunk, len(pieces))
	vectors := make([]vector.ChunkVector, len(pieces))
	for i, piece := range pieces {
		chunkID := fmt.Sprintf("%s_%d", docID, piece.Index)
		chunks[i] = models.Chunk{
			ID:            chunkID,
			DocumentID:    docID,
			SequenceIndex: piece.Index,
			Text:          piece.Text,
			CharStart:     piece.Start,
			CharEnd:       piece.End,
			Embedding:     embeddings[i],
			Metadata:      doc.Metadata,
			CreatedAt:     now,
		}
		vectors[i] = vector.ChunkVector{
			ChunkID:     chunkID,
			DocumentID:  docID,
			Embedding:   embeddings[i],
			Text:        piece.Text,
			Ticker:      ticker,
			SourceType:  string(input.SourceType),
			FilingType:  input.FilingType,
			PublishedAt: publishedAt,
		}
	}

	// Supersede any earlier copy of this source before writing the new one.
	// The lock is the completion barrier: no other ingest of this document
	// has an upsert in flight while this one deletes and rewrites.
	unlock := p.lockDocument(docID)
	defer unlock()

	if err := p.index.DeleteByDocument(ctx, docID); err != nil {
		metrics.DocumentsIngested.WithLabelValues(string(input.SourceType), "failed").Inc()
		return nil, fmt.Errorf("supersede %s: %w", input.Source, err)
	}
	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		logger.Warn("Stale document cleanup failed", zap.String("document_id", docID), zap.Error(err))
	}

	if err := p.index.Upsert(ctx, vectors); err != nil {
		metrics.DocumentsIngested.WithLabelValues(string(input.SourceType), "failed").Inc()
		return nil, fmt.Errorf("index %s: %w", input.Source, err)
	}

	if err := p.store.PutDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("store document %s: %w", input.Source, err)
	}
	if err := p.store.PutChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("store chunks %s: %w", input.Source, err)
	}

	metrics.DocumentsIngested.WithLabelValues(string(input.SourceType), "ok").Inc()
	metrics.ChunksIndexed.Add(float64(len(chunks)))

	logger.Info("Document ingested",
		zap.String("document_id", docID),
		zap.Int("chunks", len(chunks)),
		zap.Bool("degraded", norm.Degraded),
	)

	return &models.IngestResult{
		DocumentID: docID,
		Source:     input.Source,
		Chunks:     len(chunks),
	}, nil
}

func (p *Processor) lockDocument(docID string) func() {
	v, _ := p.docLocks.LoadOrStore(docID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// IngestBatch runs inputs through a bounded worker pool. One document failing
// never aborts the batch; its failure is recorded in the result slice, which
// is returned in input order.
func (p *Processor) IngestBatch(ctx context.Context, inputs []RawInput) []models.IngestResult {
	results := make([]models.IngestResult, len(inputs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)

	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input RawInput) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := p.Ingest(ctx, input)
			if err != nil {
				logger.Warn("Document failed in batch",
					zap.String("source", input.Source),
					zap.Error(err),
				)
				results[i] = models.IngestResult{
					Source:     input.Source,
					Err:        err,
					ErrMessage: err.Error(),
				}
				return
			}
			results[i] = *result
		}(i, input)
	}

	wg.Wait()
	return results
}
