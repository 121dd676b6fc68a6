// Package research is the operation surface of the pipeline: ingest, query,
// report and analysis, composed from the component packages.
package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finsight/backend/internal/extractor"
	"github.com/finsight/backend/internal/ingestion"
	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/internal/report"
	"github.com/finsight/backend/internal/retriever"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/internal/storage/sqlite"
	"github.com/finsight/backend/internal/vector"
	"github.com/finsight/backend/pkg/logger"
	"github.com/finsight/backend/pkg/utils"
)

const degradedText = "The document index is currently unavailable, so no grounding could be retrieved for this question. Please retry shortly."

// DocumentStore is the read side of persistence the analysis operations use.
type DocumentStore interface {
	ListDocuments(ctx context.Context, filter sqlite.ListFilter) ([]models.Document, error)
	GetChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
}

// AnswerCache short-circuits repeated queries. Ingestion invalidates it, since
// new documents can change any answer.
type AnswerCache interface {
	GetAnswer(ctx context.Context, queryHash string) (*models.Answer, bool, error)
	SetAnswer(ctx context.Context, queryHash string, answer *models.Answer, ttl time.Duration) error
	InvalidateAnswers(ctx context.Context) error
}

type Answerer interface {
	Synthesize(ctx context.Context, query string, hits []models.RetrievalHit) (*models.Answer, error)
}

type Service struct {
	processor   *ingestion.Processor
	retriever   *retriever.Retriever
	synthesizer Answerer
	extractor   *extractor.Extractor
	reports     *report.Orchestrator
	store       DocumentStore
	answers     AnswerCache
	answerTTL   time.Duration
}

func NewService(
	processor *ingestion.Processor,
	ret *retriever.Retriever,
	synth Answerer,
	ext *extractor.Extractor,
	reports *report.Orchestrator,
	store DocumentStore,
) *Service {
	return &Service{
		processor:   processor,
		retriever:   ret,
		synthesizer: synth,
		extractor:   ext,
		reports:     reports,
		store:       store,
	}
}

// WithAnswerCache enables caching of grounded answers, invalidated on every
// successful ingest.
func (s *Service) WithAnswerCache(cache AnswerCache, ttl time.Duration) *Service {
	s.answers = cache
	s.answerTTL = ttl
	return s
}

// Ingest runs a single document through the pipeline.
func (s *Service) Ingest(ctx context.Context, input ingestion.RawInput) (*models.IngestResult, error) {
	result, err := s.processor.Ingest(ctx, input)
	if err == nil {
		s.invalidateAnswers(ctx)
	}
	return result, err
}

// IngestBatch processes documents concurrently, containing failures per
// document. The returned slice always covers every input, in order.
func (s *Service) IngestBatch(ctx context.Context, inputs []ingestion.RawInput) []models.IngestResult {
	results := s.processor.IngestBatch(ctx, inputs)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("Partial ingestion failure",
			zap.Int("failed", failed),
			zap.Int("total", len(inputs)),
		)
	}
	if failed < len(inputs) {
		s.invalidateAnswers(ctx)
	}

	return results
}

func (s *Service) invalidateAnswers(ctx context.Context) {
	if s.answers == nil {
		return
	}
	if err := s.answers.InvalidateAnswers(ctx); err != nil {
		logger.Warn("Failed to invalidate answer cache", zap.Error(err))
	}
}

func queryHash(req QueryRequest) string {
	return utils.ContentHash(fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d",
		req.Text, req.Ticker, req.SourceType, req.FilingType,
		req.After.Unix(), req.Before.Unix(), req.K))
}

type QueryRequest struct {
	Text       string
	Ticker     string
	SourceType models.SourceType
	FilingType string
	After      time.Time
	Before     time.Time
	K          int
}

// Query retrieves grounding for the question and synthesizes a cited answer.
// Index unavailability degrades to a no-grounding answer with a degraded
// status and a warning; it is never reported as a silent empty success.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*models.Answer, error) {
	start := time.Now()

	var hash string
	if s.answers != nil {
		hash = queryHash(req)
		if cached, ok, err := s.answers.GetAnswer(ctx, hash); err == nil && ok {
			metrics.CacheHits.WithLabelValues("answer").Inc()
			metrics.QueryTotal.WithLabelValues("ok").Inc()
			return cached, nil
		}
		metrics.CacheMisses.WithLabelValues("answer").Inc()
	}

	hits, err := s.retriever.Retrieve(ctx, retriever.Request{
		Query:      req.Text,
		Ticker:     req.Ticker,
		SourceType: req.SourceType,
		FilingType: req.FilingType,
		After:      req.After,
		Before:     req.Before,
		K:          req.K,
	})
	if err != nil {
		if errors.Is(err, vector.ErrIndexUnavailable) {
			logger.Warn("Index unavailable, degrading to no-grounding answer",
				zap.String("query", req.Text),
				zap.Error(err),
			)
			metrics.QueryTotal.WithLabelValues("degraded").Inc()
			return &models.Answer{
				Text:   degradedText,
				Status: models.AnswerDegraded,
			}, nil
		}
		metrics.QueryTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.RetrievalResultsCount.Observe(float64(len(hits)))

	answer, err := s.synthesizer.Synthesize(ctx, req.Text, hits)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if s.answers != nil && answer.Status == models.AnswerGrounded {
		if err := s.answers.SetAnswer(ctx, hash, answer, s.answerTTL); err != nil {
			logger.Warn("Failed to cache answer", zap.Error(err))
		}
	}

	metrics.QueryTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())

	logger.Info("Query answered",
		zap.String("query", req.Text),
		zap.String("status", string(answer.Status)),
		zap.Int("citations", len(answer.Citations)),
	)

	return answer, nil
}

// GenerateReport builds a multi-section research report for a ticker.
func (s *Service) GenerateReport(ctx context.Context, ticker string, topics []string, period string) (*models.Report, error) {
	start := time.Now()
	rep, err := s.reports.Generate(ctx, ticker, topics, period)
	if err != nil {
		return nil, err
	}
	metrics.QueryDuration.WithLabelValues("report").Observe(time.Since(start).Seconds())
	return rep, nil
}

// AnalyzeSentiment aggregates sentiment over a ticker's documents published
// within the lookback window. The summary sentiment is weighted by document
// length so short headlines do not dominate long filings.
func (s *Service) AnalyzeSentiment(ctx context.Context, ticker string, window time.Duration) (*models.ExtractionResult, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}

	filter := sqlite.ListFilter{Ticker: ticker}
	if window > 0 {
		filter.After = time.Now().UTC().Add(-window)
	}

	docs, err := s.store.ListDocuments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	summary := &models.ExtractionResult{
		Metrics: map[string]models.MetricValue{},
	}
	var weighted, total float64

	for _, doc := range docs {
		chunks, err := s.store.GetChunks(ctx, doc.ID)
		if err != nil {
			logger.Warn("Skipping document in sentiment analysis",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
			continue
		}

		result, err := s.extractor.ExtractDocument(ctx, doc.ID, chunks)
		if err != nil {
			logger.Warn("Skipping document in sentiment analysis",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
			continue
		}

		weight := float64(len(doc.RawText))
		weighted += result.SentimentScore * weight
		total += weight

		summary.Entities = append(summary.Entities, result.Entities...)
		for name, value := range result.Metrics {
			if _, exists := summary.Metrics[name]; !exists {
				summary.Metrics[name] = value
			}
		}
	}

	if total > 0 {
		summary.SentimentScore = weighted / total
	}

	logger.Info("Sentiment analyzed",
		zap.String("ticker", ticker),
		zap.Int("documents", len(docs)),
		zap.Float64("sentiment", summary.SentimentScore),
	)

	return summary, nil
}

// ExtractMetrics collects named financial metrics across a ticker's
// documents. When period is given, only metrics attributed to that period
// are returned; metrics with no recoverable period are excluded rather than
// guessed into it.
func (s *Service) ExtractMetrics(ctx context.Context, ticker, period string) (map[string]models.MetricValue, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}

	docs, err := s.store.ListDocuments(ctx, sqlite.ListFilter{Ticker: ticker})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	out := make(map[string]models.MetricValue)
	for _, doc := range docs {
		chunks, err := s.store.GetChunks(ctx, doc.ID)
		if err != nil {
			logger.Warn("Skipping document in metric extraction",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
			continue
		}

		result, err := s.extractor.ExtractDocument(ctx, doc.ID, chunks)
		if err != nil {
			continue
		}

		for name, value := range result.Metrics {
			if period != "" && value.Period != period {
				continue
			}
			if _, exists := out[name]; !exists {
				out[name] = value
			}
		}
	}

	return out, nil
}
