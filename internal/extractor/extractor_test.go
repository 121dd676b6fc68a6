package extractor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/backend/internal/storage/models"
)

const earningsText = `Apple Inc. reported revenue of $90.1 billion in Q1 2024, ` +
	`beating expectations on strong iPhone demand. Earnings per share of $1.52 ` +
	`exceeded consensus. Gross margin of 45.9% reflected a favorable product mix. ` +
	`Management flagged supply chain risk and currency uncertainty for Q2.`

func TestScoreSentiment_AlwaysBounded(t *testing.T) {
	inputs := []string{
		"",
		"neutral text about nothing in particular",
		strings.Repeat("growth profit gain strong ", 50),
		strings.Repeat("decline loss weak risk ", 50),
		earningsText,
	}
	for _, in := range inputs {
		s := scoreSentiment(in)
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestScoreSentiment_Polarity(t *testing.T) {
	assert.Positive(t, scoreSentiment("strong growth and improved margins, a robust quarter"))
	assert.Negative(t, scoreSentiment("declining sales, weak guidance and mounting concern"))
	assert.Zero(t, scoreSentiment("the meeting is on tuesday"))
}

func TestWeightedSentiment_LongChunksDominate(t *testing.T) {
	texts := []string{
		"growth",
		strings.Repeat("decline loss weak risk concern ", 40),
	}
	assert.Negative(t, weightedSentiment(texts))
}

func TestExtractMetrics_RevenueWithUnitAndPeriod(t *testing.T) {
	metrics := extractMetrics(earningsText, 12)

	rev, ok := metrics["revenue"]
	require.True(t, ok, "revenue must be extracted")
	assert.InDelta(t, 90.1e9, rev.Value, 1)
	assert.Equal(t, "USD", rev.Unit)
	assert.Equal(t, "Q1 2024", rev.Period)

	eps, ok := metrics["eps"]
	require.True(t, ok)
	assert.InDelta(t, 1.52, eps.Value, 0.001)

	margin, ok := metrics["gross_margin"]
	require.True(t, ok)
	assert.InDelta(t, 45.9, margin.Value, 0.001)
	assert.Equal(t, "%", margin.Unit)
}

func TestExtractMetrics_NoCooccurrenceNoMetric(t *testing.T) {
	metrics := extractMetrics("revenue was not disclosed this quarter", 12)
	_, ok := metrics["revenue"]
	assert.False(t, ok, "a keyword with no nearby figure yields nothing")
}

func TestExtractEntities_SpansPointIntoText(t *testing.T) {
	entities, err := extractEntities(earningsText)
	require.NoError(t, err)
	require.NotEmpty(t, entities)

	types := map[string]bool{}
	for _, e := range entities {
		require.GreaterOrEqual(t, e.SpanStart, 0)
		require.LessOrEqual(t, e.SpanEnd, len(earningsText))
		require.Less(t, e.SpanStart, e.SpanEnd)
		assert.Equal(t, e.Text, earningsText[e.SpanStart:e.SpanEnd])
		types[e.Type] = true
	}
	assert.True(t, types[EntityMoney], "monetary amounts present in the text")
	assert.True(t, types[EntityPercent])
}

func TestExtract_CachesByIDAndVersion(t *testing.T) {
	cache := NewMemoryCache()
	e := New(cache, Options{Version: "v1"})

	first, err := e.Extract(context.Background(), "chunk-1", earningsText)
	require.NoError(t, err)

	// A second call with different text but the same id must serve the
	// cached result, re-analysis requires a version bump or a new id.
	second, err := e.Extract(context.Background(), "chunk-1", "completely different text")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	bumped := New(cache, Options{Version: "v2"})
	third, err := bumped.Extract(context.Background(), "chunk-1", "completely different text")
	require.NoError(t, err)
	assert.NotEqual(t, first.SentimentScore, third.SentimentScore)
}

func TestExtractDocument_WeightedSentimentAndMergedMetrics(t *testing.T) {
	e := New(NewMemoryCache(), Options{})

	chunks := []models.Chunk{
		{ID: "d1_0", Text: "Revenue of $10 billion in Q3 2024 showed strong growth."},
		{ID: "d1_1", Text: "EPS of $2.10 beat estimates."},
		{ID: "d1_2", Text: strings.Repeat("Persistent decline and risk weigh on the outlook. ", 10)},
	}

	result, err := e.ExtractDocument(context.Background(), "d1", chunks)
	require.NoError(t, err)

	assert.Contains(t, result.Metrics, "revenue")
	assert.Contains(t, result.Metrics, "eps")
	assert.GreaterOrEqual(t, result.SentimentScore, -1.0)
	assert.LessOrEqual(t, result.SentimentScore, 1.0)
	assert.Negative(t, result.SentimentScore, "the long negative chunk outweighs the short positive ones")
}
