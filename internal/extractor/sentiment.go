package extractor

import "strings"

// Financial polarity lexicon. Matching is substring based so inflected forms
// ("improved", "growing") still count.
var positiveWords = []string{
	"growth", "profit", "increase", "exceed", "outperform", "beat", "strong", "success",
	"positive", "gain", "improve", "opportunity", "upside", "optimistic", "advantage",
	"favorable", "robust", "momentum", "efficiently", "confidence", "progress",
}

var negativeWords = []string{
	"decline", "loss", "decrease", "miss", "underperform", "weak", "fail", "negative",
	"risk", "concern", "challenge", "downside", "pessimistic", "disadvantage", "unfavorable",
	"volatile", "uncertainty", "inefficiently", "doubt", "delay", "struggle", "liability",
}

// scoreSentiment rates text polarity as (positive - negative) / (positive +
// negative) over lexicon hits. Text with no lexicon hits scores 0. The ratio
// is bounded to [-1, 1] by construction but is clamped anyway to keep the
// invariant local.
func scoreSentiment(text string) float64 {
	lower := strings.ToLower(text)

	var pos, neg int
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}

	if pos+neg == 0 {
		return 0
	}

	score := float64(pos-neg) / float64(pos+neg)
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

// weightedSentiment averages per-chunk scores weighted by chunk length, so a
// long cautious risk section is not drowned out by a short upbeat headline.
func weightedSentiment(texts []string) float64 {
	var weighted, total float64
	for _, t := range texts {
		n := float64(len(t))
		if n == 0 {
			continue
		}
		weighted += scoreSentiment(t) * n
		total += n
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}
