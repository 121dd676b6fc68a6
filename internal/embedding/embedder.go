// Package embedding maps text to fixed-dimension vectors through the external
// embedding capability, with a content-hash cache so identical text is never
// re-embedded.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/pkg/logger"
	"github.com/finsight/backend/pkg/utils"
)

// ErrEmbeddingUnavailable is returned once retries against the external
// capability are exhausted. The owning ingest or query operation must fail:
// a silently missing embedding corrupts retrieval recall.
var ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")

// Client is the external embedding capability. Results preserve input order.
type Client interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Cache stores computed vectors keyed by content hash. Concurrent writers to
// the same key may race; the value is a pure function of the key, so
// last-write-wins converges.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vector []float32) error
}

type Embedder struct {
	client Client
	cache  Cache
	dim    int
}

func New(client Client, cache Cache, dim int) *Embedder {
	return &Embedder{client: client, cache: cache, dim: dim}
}

// EmbedTexts returns one vector per input text, in input order. Cached texts
// never reach the external capability; misses go out in a single batched pass.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	missKeys := make([]string, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	missSeen := make(map[string]struct{}, len(texts))
	hits := 0

	for i, text := range texts {
		keys[i] = utils.ContentHash(text)
		vec, ok, err := e.cache.Get(ctx, keys[i])
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok && len(vec) == e.dim {
			vectors[i] = vec
			hits++
			continue
		}
		// Repeated text embeds once; the result fans back out by key.
		if _, dup := missSeen[keys[i]]; !dup {
			missSeen[keys[i]] = struct{}{}
			missKeys = append(missKeys, keys[i])
			missTexts = append(missTexts, text)
		}
	}

	metrics.CacheHits.WithLabelValues("embedding").Add(float64(hits))
	metrics.CacheMisses.WithLabelValues("embedding").Add(float64(len(texts) - hits))

	if len(missTexts) > 0 {
		fresh, err := e.client.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		if len(fresh) != len(missTexts) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingUnavailable, len(fresh), len(missTexts))
		}
		byKey := make(map[string][]float32, len(fresh))
		for j, vec := range fresh {
			if len(vec) != e.dim {
				return nil, fmt.Errorf("%w: vector dimension %d, index requires %d", ErrEmbeddingUnavailable, len(vec), e.dim)
			}
			byKey[missKeys[j]] = vec
			if err := e.cache.Set(ctx, missKeys[j], vec); err != nil {
				logger.Warn("Embedding cache write failed", zap.Error(err))
			}
		}
		for i := range texts {
			if vectors[i] == nil {
				vectors[i] = byKey[keys[i]]
			}
		}
	}

	logger.Debug("Texts embedded",
		zap.Int("total", len(texts)),
		zap.Int("cache_hits", hits),
	)

	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension is the fixed, index-wide vector dimension.
func (e *Embedder) Dimension() int {
	return e.dim
}
