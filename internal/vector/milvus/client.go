// Package milvus adapts a Milvus/Zilliz collection to the vector.Index
// capability contract.
package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/vector"
	"github.com/finsight/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	namespace      string
	vectorDim      int
}

func NewClient(endpoint, collectionName, namespace string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vector.ErrIndexUnavailable, err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
		zap.String("namespace", namespace),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		namespace:      namespace,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Financial document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "96",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
			{
				Name:     "ticker",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
			{
				Name:     "source_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
			{
				Name:     "filing_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
			{
				Name:     "namespace",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "published_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index spec: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// Upsert replaces any existing vector and metadata stored under each chunk id.
func (m *Client) Upsert(ctx context.Context, chunks []vector.ChunkVector) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	documentIDs := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	tickers := make([]string, len(chunks))
	sourceTypes := make([]string, len(chunks))
	filingTypes := make([]string, len(chunks))
	namespaces := make([]string, len(chunks))
	publishedAts := make([]int64, len(chunks))

	for i, c := range chunks {
		chunkIDs[i] = c.ChunkID
		embeddings[i] = c.Embedding
		documentIDs[i] = c.DocumentID
		texts[i] = truncate(c.Text, 8192)
		tickers[i] = c.Ticker
		sourceTypes[i] = c.SourceType
		filingTypes[i] = c.FilingType
		namespaces[i] = m.namespace
		publishedAts[i] = c.PublishedAt.Unix()
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("ticker", tickers),
		entity.NewColumnVarChar("source_type", sourceTypes),
		entity.NewColumnVarChar("filing_type", filingTypes),
		entity.NewColumnVarChar("namespace", namespaces),
		entity.NewColumnInt64("published_at", publishedAts),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", vector.ErrIndexUnavailable, err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("%w: flush: %v", vector.ErrIndexUnavailable, err)
	}

	logger.Debug("Chunks upserted", zap.Int("count", len(chunks)))

	return nil
}

func (m *Client) Query(ctx context.Context, queryVector []float32, k int, filter vector.Filter) ([]vector.Hit, error) {
	expr := m.filterExpr(filter)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id", "document_id", "text", "ticker", "source_type", "published_at"},
		[]entity.Vector{entity.FloatVector(queryVector)},
		"embedding",
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", vector.ErrIndexUnavailable, err)
	}

	hits := make([]vector.Hit, 0, k)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		documentIDCol := sr.Fields.GetColumn("document_id")
		textCol := sr.Fields.GetColumn("text")
		tickerCol := sr.Fields.GetColumn("ticker")
		sourceTypeCol := sr.Fields.GetColumn("source_type")
		publishedAtCol := sr.Fields.GetColumn("published_at")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.GetAsString(i)
			documentID, _ := documentIDCol.GetAsString(i)
			text, _ := textCol.GetAsString(i)
			ticker, _ := tickerCol.GetAsString(i)
			sourceType, _ := sourceTypeCol.GetAsString(i)
			publishedAt, _ := publishedAtCol.GetAsInt64(i)

			hits = append(hits, vector.Hit{
				ChunkID:     chunkID,
				DocumentID:  documentID,
				Score:       sr.Scores[i],
				Text:        text,
				Ticker:      ticker,
				SourceType:  sourceType,
				PublishedAt: time.Unix(publishedAt, 0).UTC(),
			})
		}
	}

	// Milvus orders by similarity alone; apply the deterministic tie-break.
	vector.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}

	logger.Debug("Vector search completed",
		zap.Int("k", k),
		zap.Int("results", len(hits)),
		zap.String("filter", expr),
	)

	return hits, nil
}

func (m *Client) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	quoted := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	expr := fmt.Sprintf(`namespace == %q && chunk_id in [%s]`, m.namespace, strings.Join(quoted, ", "))

	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("%w: delete: %v", vector.ErrIndexUnavailable, err)
	}
	return nil
}

func (m *Client) DeleteByDocument(ctx context.Context, documentID string) error {
	expr := fmt.Sprintf(`namespace == %q && document_id == %q`, m.namespace, documentID)

	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("%w: delete by document: %v", vector.ErrIndexUnavailable, err)
	}

	logger.Debug("Document chunks deleted", zap.String("document_id", documentID))

	return nil
}

// filterExpr builds the boolean expression for a query. The namespace
// predicate is always present; results never cross tenants.
func (m *Client) filterExpr(filter vector.Filter) string {
	parts := []string{fmt.Sprintf(`namespace == %q`, m.namespace)}

	if filter.Ticker != "" {
		parts = append(parts, fmt.Sprintf(`ticker == %q`, filter.Ticker))
	}
	if filter.SourceType != "" {
		parts = append(parts, fmt.Sprintf(`source_type == %q`, filter.SourceType))
	}
	if filter.FilingType != "" {
		parts = append(parts, fmt.Sprintf(`filing_type == %q`, filter.FilingType))
	}
	if !filter.PublishedAfter.IsZero() {
		parts = append(parts, fmt.Sprintf(`published_at >= %d`, filter.PublishedAfter.Unix()))
	}
	if !filter.PublishedBefore.IsZero() {
		parts = append(parts, fmt.Sprintf(`published_at <= %d`, filter.PublishedBefore.Unix()))
	}

	return strings.Join(parts, " && ")
}

// truncate never splits a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
