// Package redis backs the shared embedding, extraction and answer caches.
// Values are pure functions of their keys, so concurrent writers racing on a
// key converge under last-write-wins.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Get implements embedding.Cache; key is the content hash of the text.
func (c *Client) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, "embedding:"+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	return embedding, true, nil
}

// Set implements embedding.Cache.
func (c *Client) Set(ctx context.Context, key string, vector []float32) error {
	data, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, "embedding:"+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

func extractionKey(id, version string) string {
	return fmt.Sprintf("extraction:%s:%s", version, id)
}

// GetExtraction returns the cached extraction for a document or chunk id under
// the given extractor version.
func (c *Client) GetExtraction(ctx context.Context, id, version string) (*models.ExtractionResult, bool, error) {
	data, err := c.client.Get(ctx, extractionKey(id, version)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get extraction cache: %w", err)
	}

	var result models.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal extraction: %w", err)
	}

	return &result, true, nil
}

func (c *Client) SetExtraction(ctx context.Context, id, version string, result *models.ExtractionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction: %w", err)
	}

	if err := c.client.Set(ctx, extractionKey(id, version), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set extraction cache: %w", err)
	}
	return nil
}

// GetAnswer returns a cached answer for a query hash, if any.
func (c *Client) GetAnswer(ctx context.Context, queryHash string) (*models.Answer, bool, error) {
	data, err := c.client.Get(ctx, "answer:"+queryHash).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get answer cache: %w", err)
	}

	var answer models.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal answer: %w", err)
	}

	logger.Debug("Answer cache hit", zap.String("query_hash", queryHash))
	return &answer, true, nil
}

func (c *Client) SetAnswer(ctx context.Context, queryHash string, answer *models.Answer, ttl time.Duration) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}

	if err := c.client.Set(ctx, "answer:"+queryHash, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set answer cache: %w", err)
	}
	return nil
}

// InvalidateAnswers drops all cached answers. Called after ingestion changes
// the corpus so stale answers do not outlive their grounding.
func (c *Client) InvalidateAnswers(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "answer:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Answer cache invalidated")
	return nil
}
