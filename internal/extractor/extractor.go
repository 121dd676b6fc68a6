// Package extractor derives structured signals, entities, named financial
// metrics and a sentiment score, from normalized text. The three passes are
// independent: one failing does not block the others.
package extractor

import (
	"context"

	"go.uber.org/zap"

	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/pkg/logger"
)

// Cache stores results keyed by (document/chunk id, extractor version), so
// re-running analysis without re-ingestion is cheap and idempotent.
type Cache interface {
	GetExtraction(ctx context.Context, id, version string) (*models.ExtractionResult, bool, error)
	SetExtraction(ctx context.Context, id, version string, result *models.ExtractionResult) error
}

type Options struct {
	Version           string
	MetricWindowWords int
}

type Extractor struct {
	cache       Cache
	version     string
	windowWords int
}

func New(cache Cache, opts Options) *Extractor {
	if opts.Version == "" {
		opts.Version = "v1"
	}
	if opts.MetricWindowWords <= 0 {
		opts.MetricWindowWords = 12
	}
	return &Extractor{
		cache:       cache,
		version:     opts.Version,
		windowWords: opts.MetricWindowWords,
	}
}

func (e *Extractor) Version() string { return e.version }

// Extract runs the entity, metric and sentiment passes over text, serving
// from cache when an up-to-date result exists for id. A pass that fails is
// logged and skipped, it never blocks the other passes.
func (e *Extractor) Extract(ctx context.Context, id, text string) (*models.ExtractionResult, error) {
	if e.cache != nil && id != "" {
		if cached, ok, err := e.cache.GetExtraction(ctx, id, e.version); err == nil && ok {
			metrics.CacheHits.WithLabelValues("extraction").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("extraction").Inc()
	}

	result := &models.ExtractionResult{
		Metrics: map[string]models.MetricValue{},
	}

	entities, err := extractEntities(text)
	if err != nil {
		logger.Warn("Entity pass failed", zap.String("id", id), zap.Error(err))
	} else {
		result.Entities = entities
	}

	result.Metrics = extractMetrics(text, e.windowWords)
	result.SentimentScore = scoreSentiment(text)

	if e.cache != nil && id != "" {
		if err := e.cache.SetExtraction(ctx, id, e.version, result); err != nil {
			logger.Warn("Extraction cache write failed", zap.String("id", id), zap.Error(err))
		}
	}

	return result, nil
}

// ExtractDocument aggregates per-chunk results for a whole document. Entities
// and metrics come from the chunk passes; the document sentiment is the
// length-weighted average of chunk sentiments, cached under the document id.
func (e *Extractor) ExtractDocument(ctx context.Context, documentID string, chunks []models.Chunk) (*models.ExtractionResult, error) {
	if e.cache != nil && documentID != "" {
		if cached, ok, err := e.cache.GetExtraction(ctx, documentID, e.version); err == nil && ok {
			metrics.CacheHits.WithLabelValues("extraction").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("extraction").Inc()
	}

	agg := &models.ExtractionResult{
		Metrics: map[string]models.MetricValue{},
	}
	texts := make([]string, 0, len(chunks))

	for _, chunk := range chunks {
		texts = append(texts, chunk.Text)

		partial, err := e.Extract(ctx, chunk.ID, chunk.Text)
		if err != nil {
			logger.Warn("Chunk extraction failed",
				zap.String("document_id", documentID),
				zap.String("chunk_id", chunk.ID),
				zap.Error(err),
			)
			continue
		}

		agg.Entities = append(agg.Entities, partial.Entities...)
		for name, value := range partial.Metrics {
			if _, exists := agg.Metrics[name]; !exists {
				agg.Metrics[name] = value
			}
		}
	}

	agg.SentimentScore = weightedSentiment(texts)

	if e.cache != nil && documentID != "" {
		if err := e.cache.SetExtraction(ctx, documentID, e.version, agg); err != nil {
			logger.Warn("Extraction cache write failed", zap.String("id", documentID), zap.Error(err))
		}
	}

	return agg, nil
}
