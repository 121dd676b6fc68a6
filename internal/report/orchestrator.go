// Package report assembles multi-section research reports by fanning out one
// retrieval plus synthesis pass per topic.
package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/internal/retriever"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/pkg/logger"
)

// DefaultTopics are the section names used when the caller supplies none.
var DefaultTopics = []string{
	"Financial Performance",
	"Business Overview",
	"Risks",
	"Future Outlook",
}

type Querier interface {
	Retrieve(ctx context.Context, req retriever.Request) ([]models.RetrievalHit, error)
}

type Answerer interface {
	Synthesize(ctx context.Context, query string, hits []models.RetrievalHit) (*models.Answer, error)
}

type Orchestrator struct {
	retriever   Querier
	synthesizer Answerer
}

func NewOrchestrator(r Querier, s Answerer) *Orchestrator {
	return &Orchestrator{retriever: r, synthesizer: s}
}

// Generate builds one report section per topic, concurrently. Sections are
// independent: a failed section is recorded as unavailable and never aborts
// the others. Assembly waits for every section to settle before returning, so
// the section order always matches the topic order.
func (o *Orchestrator) Generate(ctx context.Context, ticker string, topics []string, period string) (*models.Report, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}
	if len(topics) == 0 {
		topics = DefaultTopics
	}

	sections := make([]models.ReportSection, len(topics))

	var wg sync.WaitGroup
	for i, topic := range topics {
		wg.Add(1)
		go func(i int, topic string) {
			defer wg.Done()
			sections[i] = o.buildSection(ctx, ticker, topic, period)
		}(i, topic)
	}
	wg.Wait()

	logger.Info("Report generated",
		zap.String("ticker", ticker),
		zap.Int("sections", len(sections)),
	)

	return &models.Report{
		ID:          uuid.New().String(),
		Ticker:      ticker,
		Period:      period,
		Sections:    sections,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) buildSection(ctx context.Context, ticker, topic, period string) models.ReportSection {
	query := fmt.Sprintf("Provide an analysis of %s's %s", ticker, topic)
	if period != "" {
		query += " for " + period
	}

	hits, err := o.retriever.Retrieve(ctx, retriever.Request{
		Query:  query,
		Ticker: ticker,
	})
	if err != nil {
		return unavailableSection(topic, err)
	}

	answer, err := o.synthesizer.Synthesize(ctx, query, hits)
	if err != nil {
		return unavailableSection(topic, err)
	}

	metrics.ReportSections.WithLabelValues("ok").Inc()
	return models.ReportSection{Title: topic, Answer: *answer}
}

func unavailableSection(topic string, err error) models.ReportSection {
	metrics.ReportSections.WithLabelValues("failed").Inc()
	logger.Warn("Report section failed",
		zap.String("topic", topic),
		zap.Error(err),
	)
	return models.ReportSection{
		Title: topic,
		Answer: models.Answer{
			Text:   fmt.Sprintf("section unavailable: %v", err),
			Status: models.AnswerDegraded,
		},
	}
}
