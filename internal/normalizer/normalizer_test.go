package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_PlainText(t *testing.T) {
	raw := []byte("Acme Corp (NASDAQ: ACME) Annual Report\n\nFiled January 15, 2024.\n\nRevenue   grew\t\tstrongly.")

	res, err := Normalize(raw, FormatPlain)
	require.NoError(t, err)

	assert.Equal(t, "ACME", res.Ticker)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), res.PublishedAt)
	assert.Contains(t, res.Text, "Revenue grew strongly.")
	assert.NotContains(t, res.Text, "\t", "whitespace runs are collapsed")
	assert.False(t, res.Degraded)
}

func TestNormalize_HTMLStripsBoilerplate(t *testing.T) {
	raw := []byte(`<!DOCTYPE html>
<html><head>
<title>Acme Q3 Earnings</title>
<meta property="article:published_time" content="2024-10-30T14:00:00Z">
<script>alert("junk")</script>
<style>body { color: red }</style>
</head><body>
<nav>Site navigation</nav>
<h1>Acme Q3 Earnings</h1>
<p>Revenue of $5.2 billion, up 8% year over year.</p>
<footer>Copyright</footer>
</body></html>`)

	res, err := Normalize(raw, FormatHTML)
	require.NoError(t, err)

	assert.Equal(t, "Acme Q3 Earnings", res.Title)
	assert.Equal(t, 2024, res.PublishedAt.Year())
	assert.Contains(t, res.Text, "Revenue of $5.2 billion")
	assert.NotContains(t, res.Text, "alert")
	assert.NotContains(t, res.Text, "color: red")
	assert.NotContains(t, res.Text, "Site navigation")
}

func TestNormalize_SniffsFormat(t *testing.T) {
	html := []byte(`<html><body><p>Some filing text here.</p></body></html>`)
	res, err := Normalize(html, "")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Some filing text here.")

	plain := []byte("Just plain text.")
	res, err = Normalize(plain, "")
	require.NoError(t, err)
	assert.Equal(t, "Just plain text.", res.Text)
}

func TestNormalize_UnknownFormatFails(t *testing.T) {
	// invalid UTF-8 with no recognizable magic bytes
	raw := []byte{0xff, 0xfe, 0x00, 0x01, 0x02}

	_, err := Normalize(raw, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNormalize_GarbagePDFFails(t *testing.T) {
	_, err := Normalize([]byte("%PDF-1.7 but nothing else"), "")
	require.Error(t, err)
}

func TestNormalize_EmptyContentFails(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte(""),
		[]byte("   \n\t \n  "),
	} {
		_, err := Normalize(raw, FormatPlain)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEmptyContent)
	}
}

func TestNormalize_StripsEdgarWrapperTags(t *testing.T) {
	raw := []byte("<DOCUMENT>\n<TYPE>10-K\n<TEXT>\nItem 1. Business overview follows.\n</TEXT>\n</DOCUMENT>")

	res, err := Normalize(raw, FormatPlain)
	require.NoError(t, err)

	assert.Contains(t, res.Text, "Item 1. Business overview follows.")
	assert.NotContains(t, res.Text, "<DOCUMENT>")
	assert.NotContains(t, res.Text, "<TEXT>")
}

func TestCleanText_ControlCharacters(t *testing.T) {
	got := cleanText("ocr\x00 artifacts\x07 removed\x1f here")
	assert.Equal(t, "ocr artifacts removed here", got)
}

func TestSniff(t *testing.T) {
	assert.Equal(t, FormatPDF, Sniff([]byte("%PDF-1.4 ...")))
	assert.Equal(t, FormatDOCX, Sniff([]byte("PK\x03\x04rest")))
	assert.Equal(t, FormatHTML, Sniff([]byte("<!doctype html><html></html>")))
	assert.Equal(t, FormatPlain, Sniff([]byte("hello")))
	assert.Equal(t, Format(""), Sniff([]byte{0xff, 0xfe, 0x01}))
}
