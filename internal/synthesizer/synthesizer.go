// Package synthesizer turns retrieved chunks into a grounded, cited answer via
// the external generation capability.
package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/llm"
	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/internal/storage/models"
	"github.com/finsight/backend/pkg/logger"
)

// ErrGenerationUnavailable is returned once retries against the external
// generation capability are exhausted.
var ErrGenerationUnavailable = errors.New("generation capability unavailable")

const noGroundingText = "I couldn't find relevant information in the ingested documents to answer this question. Try ingesting more sources or adjusting the filters."

const systemPrompt = `You are a financial research assistant with expertise in SEC filings, earnings reports and market news.

Answer using ONLY the numbered source excerpts provided. Cite every claim with the source number in square brackets, e.g. [2]. If the excerpts do not contain the information needed, say so plainly instead of guessing.`

type Generator interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type Synthesizer struct {
	generator   Generator
	tokenBudget int
	encoder     *tiktoken.Tiktoken
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// New builds a synthesizer with a context window bounded to tokenBudget
// tokens, counted with the tokenizer for tokenizerModel. When the tokenizer
// cannot be loaded a byte-based approximation is used instead.
func New(generator Generator, tokenBudget int, tokenizerModel string) *Synthesizer {
	if tokenBudget <= 0 {
		tokenBudget = 6000
	}

	encoder, err := tiktoken.EncodingForModel(tokenizerModel)
	if err != nil {
		logger.Warn("Tokenizer unavailable, approximating token counts",
			zap.String("model", tokenizerModel),
			zap.Error(err),
		)
		encoder = nil
	}

	return &Synthesizer{
		generator:   generator,
		tokenBudget: tokenBudget,
		encoder:     encoder,
	}
}

// Synthesize answers query from hits. With no hits it returns a no-grounding
// answer without ever calling the external model. Citations the model invents
// that do not map to a supplied chunk are dropped and logged, never surfaced
// as a failure.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, hits []models.RetrievalHit) (*models.Answer, error) {
	if len(hits) == 0 {
		return &models.Answer{
			Text:   noGroundingText,
			Status: models.AnswerNoGrounding,
		}, nil
	}

	contextText, included := s.buildContext(hits)

	resp, err := s.generator.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt: fmt.Sprintf(`SOURCE EXCERPTS:
%s

QUESTION: %s

Answer from the excerpts above, citing source numbers in square brackets.`, contextText, query),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationUnavailable, err)
	}

	citations := s.validateCitations(resp.Content, included)

	answer := &models.Answer{
		Text:       resp.Content,
		Citations:  citations,
		Confidence: confidence(hits, len(citations)),
		Status:     models.AnswerGrounded,
	}
	metrics.ConfidenceScore.WithLabelValues().Observe(answer.Confidence)

	logger.Debug("Answer synthesized",
		zap.Int("context_chunks", len(included)),
		zap.Int("citations", len(citations)),
	)

	return answer, nil
}

// buildContext assembles the numbered excerpt block in score order, truncated
// to the token budget. It returns the block and the chunk ids actually
// included, indexed by their 1-based source number.
func (s *Synthesizer) buildContext(hits []models.RetrievalHit) (string, []string) {
	var b strings.Builder
	var included []string
	used := 0

	for _, hit := range hits {
		excerpt := fmt.Sprintf("[%d] (%s", len(included)+1, hit.SourceType)
		if hit.Ticker != "" {
			excerpt += ", " + hit.Ticker
		}
		if !hit.PublishedAt.IsZero() {
			excerpt += ", " + hit.PublishedAt.Format("2006-01-02")
		}
		excerpt += ")\n" + hit.Text + "\n\n"

		cost := s.countTokens(excerpt)
		if used+cost > s.tokenBudget && len(included) > 0 {
			break
		}

		b.WriteString(excerpt)
		included = append(included, hit.ChunkID)
		used += cost
	}

	return b.String(), included
}

// validateCitations maps [n] references in the response back to supplied
// chunk ids, in order of first appearance. References to source numbers that
// were never supplied are dropped with a warning.
func (s *Synthesizer) validateCitations(response string, included []string) []string {
	var citations []string
	seen := make(map[string]bool)

	for _, match := range citationPattern.FindAllStringSubmatch(response, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(included) {
			metrics.HallucinatedCitations.Inc()
			logger.Warn("Hallucinated citation dropped",
				zap.String("citation", match[0]),
				zap.Int("supplied_sources", len(included)),
			)
			continue
		}
		chunkID := included[n-1]
		if seen[chunkID] {
			continue
		}
		seen[chunkID] = true
		citations = append(citations, chunkID)
	}

	return citations
}

func (s *Synthesizer) countTokens(text string) int {
	if s.encoder != nil {
		return len(s.encoder.Encode(text, nil, nil))
	}
	// Rough heuristic: English text averages about four bytes per token.
	return (len(text) + 3) / 4
}

// confidence blends the mean retrieval score with how much of the answer the
// model grounded in citations. Clamped to [0, 1].
func confidence(hits []models.RetrievalHit, citationCount int) float64 {
	if len(hits) == 0 {
		return 0
	}
	var sum float64
	for _, h := range hits {
		sum += float64(h.Score)
	}
	score := sum / float64(len(hits))
	if citationCount > 0 {
		score += 0.1
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
