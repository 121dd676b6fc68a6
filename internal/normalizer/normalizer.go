package normalizer

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat"
	"go.uber.org/zap"

	"github.com/finsight/backend/pkg/logger"
	"github.com/finsight/backend/pkg/utils"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyContent      = errors.New("normalization produced no usable text")
)

type Format string

const (
	FormatPDF   Format = "pdf"
	FormatDOCX  Format = "docx"
	FormatHTML  Format = "html"
	FormatPlain Format = "text"
)

// Result is the output of normalization: clean plain text plus whatever
// structural metadata could be recovered from the source.
type Result struct {
	Text        string
	Title       string
	Ticker      string
	PublishedAt time.Time
	// Degraded marks documents where part of the source (a PDF page, a
	// malformed section) failed to parse but usable text survived.
	Degraded bool
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]+`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
	edgarTags    = regexp.MustCompile(`(?i)<(/)?(DOCUMENT|TYPE|SEQUENCE|FILENAME|TEXT)>`)
	tickerHint   = regexp.MustCompile(`\(\s*(?:NASDAQ|NYSE|AMEX|OTC)\s*:\s*([A-Z]{1,5})\s*\)`)
	dateHints    = []string{"January 2, 2006", "Jan 2, 2006", "2006-01-02", "01/02/2006", "January 2 2006"}
	dateFinder   = regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\.?\s+\d{1,2},?\s+\d{4}\b|\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{4}\b`)
)

// Normalize converts raw bytes in a declared (or sniffed, when declared is
// empty) format into clean plain text. It is a pure transform: callers own all
// persistence. A single bad page degrades the result instead of failing it.
func Normalize(raw []byte, declared Format) (*Result, error) {
	format := declared
	if format == "" {
		format = Sniff(raw)
	}

	var (
		res *Result
		err error
	)

	switch format {
	case FormatPDF:
		res, err = normalizePDF(raw)
	case FormatDOCX:
		res, err = normalizeDOCX(raw)
	case FormatHTML:
		res, err = normalizeHTML(raw)
	case FormatPlain:
		res, err = normalizePlain(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, declared)
	}
	if err != nil {
		return nil, err
	}

	res.Text = cleanText(res.Text)
	if res.Text == "" {
		return nil, ErrEmptyContent
	}

	if res.Ticker == "" {
		if m := tickerHint.FindStringSubmatch(res.Text); m != nil {
			res.Ticker = m[1]
		}
	}
	if res.PublishedAt.IsZero() {
		res.PublishedAt = findDate(res.Text)
	}
	if res.Title == "" {
		res.Title = firstLine(res.Text)
	}

	logger.Debug("Document normalized",
		zap.String("format", string(format)),
		zap.Int("chars", len(res.Text)),
		zap.Bool("degraded", res.Degraded),
	)

	return res, nil
}

// Sniff guesses the format from leading magic bytes, falling back to HTML
// detection and finally plain text for anything valid as UTF-8.
func Sniff(raw []byte) Format {
	switch {
	case bytes.HasPrefix(raw, []byte("%PDF")):
		return FormatPDF
	case bytes.HasPrefix(raw, []byte("PK\x03\x04")):
		return FormatDOCX
	}
	head := raw
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	if bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype html")) {
		return FormatHTML
	}
	if utf8.Valid(raw) {
		return FormatPlain
	}
	return ""
}

func normalizePDF(raw []byte) (res *Result, err error) {
	// The reader panics on some malformed trailers instead of erroring.
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: pdf: %v", ErrUnsupportedFormat, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: pdf: %v", ErrUnsupportedFormat, err)
	}

	var buf strings.Builder
	degraded := false
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			degraded = true
			continue
		}
		text, err := extractPage(page)
		if err != nil {
			// Keep partial text; a single bad page must not sink the document.
			logger.Warn("PDF page extraction failed",
				zap.Int("page", i),
				zap.Error(err),
			)
			degraded = true
			continue
		}
		buf.WriteString(text)
		buf.WriteByte('\n')
	}

	return &Result{Text: buf.String(), Degraded: degraded}, nil
}

func extractPage(page pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page extraction panicked: %v", r)
		}
	}()
	return page.GetPlainText(nil)
}

func normalizeDOCX(raw []byte) (*Result, error) {
	text, err := cat.FromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: docx: %v", ErrUnsupportedFormat, err)
	}
	return &Result{Text: text}, nil
}

func normalizeHTML(raw []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: html: %v", ErrUnsupportedFormat, err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	var published time.Time
	doc.Find("meta").EachWithBreak(func(i int, s *goquery.Selection) bool {
		prop, _ := s.Attr("property")
		name, _ := s.Attr("name")
		if prop == "article:published_time" || name == "date" || name == "pubdate" {
			if content, ok := s.Attr("content"); ok {
				if t, err := time.Parse(time.RFC3339, content); err == nil {
					published = t
					return false
				}
			}
		}
		return true
	})

	doc.Find("script, style, nav, footer, header, aside, form, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}

	return &Result{Text: text, Title: title, PublishedAt: published}, nil
}

func normalizePlain(raw []byte) (*Result, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid UTF-8 text", ErrUnsupportedFormat)
	}
	return &Result{Text: string(raw)}, nil
}

// cleanText strips boilerplate the extractors leave behind: HTML entities, SEC
// EDGAR wrapper tags, control characters from OCR, and runs of whitespace.
func cleanText(text string) string {
	text = html.UnescapeString(text)
	text = edgarTags.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == utf8.RuneError || (r < 0x20 && r != '\n' && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	text = b.String()

	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func findDate(text string) time.Time {
	head := text
	if len(head) > 2000 {
		head = head[:2000]
	}
	m := dateFinder.FindString(head)
	if m == "" {
		return time.Time{}
	}
	cleaned := strings.ReplaceAll(m, ".", "")
	for _, layout := range dateHints {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstLine(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = utils.NormalizeWhitespace(line)
	if len(line) > 120 {
		line = line[:120]
	}
	return line
}
