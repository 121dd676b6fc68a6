// Package retriever turns a user query into a ranked, deduplicated set of
// grounding chunks.
package retriever

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/internal/vector"
	"github.com/finsight/backend/pkg/logger"
	"github.com/finsight/backend/pkg/utils"
)

// overfetchFactor widens the index query so near-duplicate removal still
// leaves k results to return.
const overfetchFactor = 3

type Retriever struct {
	embedder    *embedding.Embedder
	index       vector.Index
	synonyms    map[string]string
	dedupWindow time.Duration
	defaultK    int
}

type Request struct {
	Query      string
	Ticker     string
	SourceType models.SourceType
	FilingType string
	After      time.Time
	Before     time.Time
	K          int
}

func New(embedder *embedding.Embedder, index vector.Index, synonyms map[string]string, dedupWindow time.Duration, defaultK int) *Retriever {
	if defaultK <= 0 {
		defaultK = 5
	}
	return &Retriever{
		embedder:    embedder,
		index:       index,
		synonyms:    synonyms,
		dedupWindow: dedupWindow,
		defaultK:    defaultK,
	}
}

// Retrieve expands the query, embeds it and ranks index hits. An empty result
// is a valid outcome, not an error. The caller's filter is passed to the index
// verbatim, never widened.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]models.RetrievalHit, error) {
	k := req.K
	if k <= 0 {
		k = r.defaultK
	}

	expanded := r.ExpandQuery(req.Query)

	queryVector, err := r.embedder.EmbedQuery(ctx, expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter := vector.Filter{
		Ticker:          req.Ticker,
		SourceType:      string(req.SourceType),
		FilingType:      req.FilingType,
		PublishedAfter:  req.After,
		PublishedBefore: req.Before,
	}

	hits, err := r.index.Query(ctx, queryVector, k*overfetchFactor, filter)
	if err != nil {
		return nil, err
	}

	deduped := r.dedup(hits)
	if len(deduped) > k {
		deduped = deduped[:k]
	}

	results := make([]models.RetrievalHit, 0, len(deduped))
	for _, h := range deduped {
		results = append(results, models.RetrievalHit{
			ChunkID:     h.ChunkID,
			DocumentID:  h.DocumentID,
			Score:       h.Score,
			Text:        h.Text,
			Ticker:      h.Ticker,
			SourceType:  models.SourceType(h.SourceType),
			PublishedAt: h.PublishedAt,
		})
	}

	logger.Debug("Query retrieved",
		zap.String("query", req.Query),
		zap.Int("raw_hits", len(hits)),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// ExpandQuery appends the long forms of known financial abbreviations found in
// the query. The original query text is always preserved.
func (r *Retriever) ExpandQuery(query string) string {
	if len(r.synonyms) == 0 {
		return query
	}

	var additions []string
	lower := strings.ToLower(query)
	words := strings.FieldsFunc(lower, func(c rune) bool {
		return c == ' ' || c == ',' || c == '?' || c == '.' || c == '!' || c == '(' || c == ')'
	})

	seen := make(map[string]bool)
	for _, w := range words {
		if expansion, ok := r.synonyms[w]; ok && !strings.Contains(lower, expansion) && !seen[expansion] {
			additions = append(additions, expansion)
			seen[expansion] = true
		}
	}

	if len(additions) == 0 {
		return query
	}
	return query + " (" + strings.Join(additions, "; ") + ")"
}

// dedup drops all but the best-scored hit from each cluster of near-duplicate
// sources: hits with identical chunk text published within the configured
// window of each other, which is what wire-reprinted news looks like after
// normalization. Exact chunk-id duplicates are always dropped. Input order
// (descending score) is preserved.
func (r *Retriever) dedup(hits []vector.Hit) []vector.Hit {
	seenChunks := make(map[string]bool, len(hits))
	kept := make([]vector.Hit, 0, len(hits))
	byContent := make(map[string][]vector.Hit)

	for _, h := range hits {
		if seenChunks[h.ChunkID] {
			continue
		}
		seenChunks[h.ChunkID] = true

		key := utils.ContentHash(h.Text)
		duplicate := false
		for _, prev := range byContent[key] {
			if prev.DocumentID == h.DocumentID {
				continue
			}
			delta := h.PublishedAt.Sub(prev.PublishedAt)
			if delta < 0 {
				delta = -delta
			}
			if delta <= r.dedupWindow {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		byContent[key] = append(byContent[key], h)
		kept = append(kept, h)
	}

	return kept
}
