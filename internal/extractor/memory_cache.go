package extractor

import (
	"context"
	"sync"

	"github.com/finsight/backend/internal/storage/models"
)

// MemoryCache is a process-local extraction cache used when redis is not
// configured. Concurrent writers to the same key converge because extraction
// is a pure function of its input.
type MemoryCache struct {
	mu      sync.RWMutex
	results map[string]*models.ExtractionResult
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{results: make(map[string]*models.ExtractionResult)}
}

func (c *MemoryCache) GetExtraction(_ context.Context, id, version string) (*models.ExtractionResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[version+":"+id]
	return result, ok, nil
}

func (c *MemoryCache) SetExtraction(_ context.Context, id, version string, result *models.ExtractionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[version+":"+id] = result
	return nil
}
