package extractor

import (
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/finsight/backend/internal/storage/models"
)

const (
	EntityCompany = "company"
	EntityTicker  = "ticker"
	EntityMoney   = "money"
	EntityPercent = "percent"
	EntityDate    = "date"
)

// proseLimit caps the text handed to the NER model per call.
const proseLimit = 10000

var (
	moneyPattern   = regexp.MustCompile(`\$\s?[\d,]+(?:\.\d+)?(?:\s?(?:million|billion|trillion))?`)
	percentPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\s?(?:%|percent)`)
	datePattern    = regexp.MustCompile(`\b(?:Q[1-4]\s+20\d{2}|FY\s?20\d{2}|(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|Jun(?:e)?|Jul(?:y)?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\s+\d{1,2},?\s+20\d{2}|\b20\d{2})\b`)
	tickerPattern  = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
)

// All-caps words that look like tickers but never are.
var tickerStopwords = map[string]bool{
	"CEO": true, "CFO": true, "COO": true, "CTO": true, "SEC": true,
	"GAAP": true, "FY": true, "USD": true, "EPS": true, "IPO": true,
	"EBITDA": true, "YOY": true, "THE": true, "AND": true,
}

// extractEntities runs a statistical NER pass for organizations plus regex
// passes for amounts, percentages, dates and tickers. Spans are byte offsets
// into the input text.
func extractEntities(text string) ([]models.Entity, error) {
	var entities []models.Entity

	nerText := text
	if len(nerText) > proseLimit {
		nerText = nerText[:proseLimit]
	}

	doc, err := prose.NewDocument(nerText)
	if err != nil {
		return nil, err
	}

	cursor := 0
	for _, ent := range doc.Entities() {
		idx := strings.Index(text[cursor:], ent.Text)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		entities = append(entities, models.Entity{
			Type:      EntityCompany,
			Text:      ent.Text,
			SpanStart: start,
			SpanEnd:   start + len(ent.Text),
		})
		cursor = start + len(ent.Text)
	}

	entities = append(entities, matchAll(text, moneyPattern, EntityMoney)...)
	entities = append(entities, matchAll(text, percentPattern, EntityPercent)...)
	entities = append(entities, matchAll(text, datePattern, EntityDate)...)

	for _, span := range tickerPattern.FindAllStringIndex(text, -1) {
		candidate := text[span[0]:span[1]]
		if tickerStopwords[candidate] {
			continue
		}
		entities = append(entities, models.Entity{
			Type:      EntityTicker,
			Text:      candidate,
			SpanStart: span[0],
			SpanEnd:   span[1],
		})
	}

	return entities, nil
}

func matchAll(text string, pattern *regexp.Regexp, entityType string) []models.Entity {
	var out []models.Entity
	for _, span := range pattern.FindAllStringIndex(text, -1) {
		out = append(out, models.Entity{
			Type:      entityType,
			Text:      text[span[0]:span[1]],
			SpanStart: span[0],
			SpanEnd:   span[1],
		})
	}
	return out
}
