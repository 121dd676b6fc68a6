package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/finsight/backend/internal/storage/models"
)

// Metric names and the keyword phrases that evidence them. Order within a
// slice matters: more specific phrases first so "earnings per share" is not
// swallowed by "earnings".
var metricKeywords = []struct {
	name     string
	keywords []string
}{
	{"eps", []string{"earnings per share", "eps"}},
	{"revenue", []string{"revenue", "net sales", "sales"}},
	{"net_income", []string{"net income", "net earnings"}},
	{"operating_income", []string{"operating income", "operating profit"}},
	{"gross_margin", []string{"gross margin"}},
	{"operating_margin", []string{"operating margin"}},
	{"free_cash_flow", []string{"free cash flow", "fcf"}},
	{"capex", []string{"capital expenditures", "capex"}},
	{"ebitda", []string{"ebitda"}},
	{"growth", []string{"growth"}},
}

var periodPattern = regexp.MustCompile(`(?i)\b(Q[1-4])\s*(?:of\s*)?(20\d{2})?|\bFY\s?(20\d{2})|\b(20\d{2})\b`)

var unitMultipliers = map[string]float64{
	"million":  1e6,
	"billion":  1e9,
	"trillion": 1e12,
}

// extractMetrics correlates metric keywords with the nearest numeric value
// that follows within windowWords words, pairing each with a unit and, when
// present nearby, a reporting period. The first match per metric wins.
func extractMetrics(text string, windowWords int) map[string]models.MetricValue {
	metrics := make(map[string]models.MetricValue)

	for _, m := range metricKeywords {
		for _, kw := range m.keywords {
			value, ok := matchNearValue(text, kw, windowWords)
			if ok {
				metrics[m.name] = value
				break
			}
		}
	}

	return metrics
}

// matchNearValue looks for keyword followed by a numeric value inside the
// word window, returning the parsed value and the period found in the
// surrounding context.
func matchNearValue(text, keyword string, windowWords int) (models.MetricValue, bool) {
	pattern, err := regexp.Compile(fmt.Sprintf(
		`(?i)\b%s\b\W*(?:\w+\W+){0,%d}?(\$)?\s?([\d,]+(?:\.\d+)?)\s*(million|billion|trillion|percent|%%)?`,
		regexp.QuoteMeta(keyword), windowWords,
	))
	if err != nil {
		return models.MetricValue{}, false
	}

	loc := pattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return models.MetricValue{}, false
	}

	match := pattern.FindStringSubmatch(text[loc[0]:loc[1]])
	if match == nil {
		return models.MetricValue{}, false
	}

	raw := strings.ReplaceAll(match[2], ",", "")
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return models.MetricValue{}, false
	}

	unit := strings.ToLower(match[3])
	switch {
	case unit == "percent" || unit == "%":
		unit = "%"
	case unitMultipliers[unit] != 0:
		value *= unitMultipliers[unit]
		if match[1] == "$" {
			unit = "USD"
		} else {
			unit = ""
		}
	case match[1] == "$":
		unit = "USD"
	default:
		unit = ""
	}

	return models.MetricValue{
		Value:  value,
		Unit:   unit,
		Period: extractPeriod(contextWindow(text, loc[0], loc[1])),
	}, true
}

// extractPeriod normalizes the first reporting period found in text to
// "Q1 2024", "FY2024" or a bare year.
func extractPeriod(text string) string {
	m := periodPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	switch {
	case m[1] != "":
		quarter := strings.ToUpper(m[1])
		if m[2] != "" {
			return quarter + " " + m[2]
		}
		return quarter
	case m[3] != "":
		return "FY" + m[3]
	default:
		return m[4]
	}
}

// contextWindow pads a match span with surrounding text so a period stated
// just before or after the figure is still picked up.
func contextWindow(text string, start, end int) string {
	const pad = 60
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}
