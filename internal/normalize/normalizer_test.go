package normalize

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SubscriptionScanner/internal/logging"
)

var now = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func decode(t *testing.T, raw string) any {
	t.Helper()

	var out any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	return out
}

func TestMatchesResultsShape(t *testing.T) {
	raw := decode(t, `{
		"results": [
			{"prompt": "ley", "matches": [
				{"document_type": "Ley", "title": "Ley 1/2024 de presupuestos", "summary": "Presupuestos generales",
				 "relevance_score": 0.92, "publication_date": "2024-04-30",
				 "links": {"html": "https://boe.es/a", "pdf": "https://boe.es/a.pdf"},
				 "issuing_body": "Cortes Generales", "section": "I", "department": "Jefatura del Estado"},
				{"title": "Ley 2/2024", "relevance_score": "0.5"}
			]},
			{"prompt": "decreto", "matches": []}
		]
	}`)

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 2)

	first := matches[0]
	assert.Equal(t, "ley", first.Prompt)
	assert.Equal(t, "Ley", first.DocumentType)
	assert.Equal(t, "Ley 1/2024 de presupuestos", first.NotificationTitle)
	assert.Equal(t, "Presupuestos generales", first.Summary)
	assert.InDelta(t, 0.92, first.RelevanceScore, 1e-9)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), first.PublicationDate)
	assert.Equal(t, "https://boe.es/a", first.Links.Primary())
	assert.Equal(t, "https://boe.es/a.pdf", first.Links.PDF)
	assert.Equal(t, "Cortes Generales", first.IssuingBody)
	assert.Equal(t, "Jefatura del Estado", first.Department)

	second := matches[1]
	assert.InDelta(t, 0.5, second.RelevanceScore, 1e-9)
	assert.Equal(t, NoContent, second.Summary)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), second.PublicationDate)
}

func TestMatchesAcceptedShapes(t *testing.T) {
	cases := map[string]string{
		"single group": `{"prompt": "ley", "matches": [{"title": "A"}, {"title": "B"}]}`,
		"bare array":   `[{"prompt": "ley", "matches": [{"title": "A"}]}, {"prompt": "orden", "results": [{"title": "B"}]}]`,
		"results list": `{"results": [{"prompt": "ley", "results": [{"title": "A"}, {"title": "B"}]}]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			matches := Matches(decode(t, raw), Options{Now: now})
			require.Len(t, matches, 2)
			assert.Equal(t, "A", matches[0].Title)
			assert.Equal(t, "B", matches[1].Title)
		})
	}
}

func TestMatchesDropsMalformedEntries(t *testing.T) {
	raw := decode(t, `{"results": [
		"garbage",
		{"prompt": "ley", "matches": [1, {"title": "kept"}, null, ["x"]]},
		42
	]}`)

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 1)
	assert.Equal(t, "kept", matches[0].Title)
}

func TestMatchesLogsGroupsWithoutMatches(t *testing.T) {
	var buf bytes.Buffer
	raw := decode(t, `{"results": [
		{"prompt": "ley", "status": "empty"},
		{"prompt": "orden", "matches": "none"},
		{"prompt": "decreto", "matches": [{"title": "kept"}]}
	]}`)

	matches := Matches(raw, Options{Now: now, Logger: logging.NewWithWriter(&buf, "debug", "text")})

	require.Len(t, matches, 1)
	assert.Equal(t, "kept", matches[0].Title)
	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "dropping result group without matches"))
	assert.Contains(t, out, "prompt=ley")
	assert.Contains(t, out, "prompt=orden")
}

func TestMatchesUnknownPayloads(t *testing.T) {
	assert.Empty(t, Matches(nil, Options{Now: now}))
	assert.Empty(t, Matches("text", Options{Now: now}))
	assert.Empty(t, Matches(decode(t, `{"status": "ok"}`), Options{Now: now}))
	assert.NotNil(t, Matches(nil, Options{Now: now}))
}

func TestMatchesKeepsOrder(t *testing.T) {
	raw := decode(t, `{"results": [
		{"prompt": "p1", "matches": [{"title": "1"}, {"title": "2"}]},
		{"prompt": "p2", "matches": [{"title": "3"}]}
	]}`)

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 3)
	for i, m := range matches {
		assert.Equal(t, string(rune('1'+i)), m.Title)
	}
	assert.Equal(t, "p2", matches[2].Prompt)
}

func TestMatchesLimitPerPrompt(t *testing.T) {
	raw := decode(t, `{"results": [
		{"prompt": "p1", "matches": [{"title": "1"}, {"title": "2"}, {"title": "3"}]},
		{"prompt": "p2", "matches": [{"title": "4"}, {"title": "5"}]}
	]}`)

	matches := Matches(raw, Options{Now: now, MatchLimit: 2})
	require.Len(t, matches, 4)
	assert.Equal(t, "2", matches[1].Title)
	assert.Equal(t, "4", matches[2].Title)
}

func TestMatchesStripsHTML(t *testing.T) {
	raw := decode(t, `{"prompt": "ley", "matches": [
		{"title": "<b>Ley</b>   1/2024", "summary": "<p>Texto &amp; anexo</p>\n<p>segunda</p>"}
	]}`)

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 1)
	assert.Equal(t, "Ley 1/2024", matches[0].Title)
	assert.Equal(t, "Texto & anexo segunda", matches[0].Summary)
}

func TestMatchesDateFormats(t *testing.T) {
	raw := decode(t, `{"prompt": "p", "matches": [
		{"publication_date": "20240415"},
		{"date": "2024-04-16T10:00:00Z"},
		{"publication_date": "not a date"}
	]}`)

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 3)
	assert.Equal(t, time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC), matches[0].PublicationDate)
	assert.Equal(t, 16, matches[1].PublicationDate.Day())
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), matches[2].PublicationDate)
}

func TestTitleFallback(t *testing.T) {
	raw := decode(t, `{"prompt": "p", "matches": [
		{"notification_title": "Aviso", "title": "Ignored"},
		{"document_type": "Resolución", "issuing_body": "Ministerio de Hacienda", "publication_date": "2024-04-02"},
		{"document_type": "Resolución"},
		{}
	]}`)

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 4)
	assert.Equal(t, "Aviso", matches[0].NotificationTitle)
	assert.Equal(t, "Resolución de Ministerio de Hacienda (2024-04-02)", matches[1].NotificationTitle)
	assert.Equal(t, "Nueva publicación (2024-05-01)", matches[2].NotificationTitle)
	assert.Equal(t, "Nueva publicación (2024-05-01)", matches[3].NotificationTitle)
}

func TestTitleTruncatesLongTitles(t *testing.T) {
	long := strings.Repeat("á", 120)
	raw := map[string]any{"prompt": "p", "matches": []any{map[string]any{"title": long}}}

	matches := Matches(raw, Options{Now: now})
	require.Len(t, matches, 1)

	title := matches[0].NotificationTitle
	assert.Equal(t, MaxTitleRunes, len([]rune(title)))
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.Equal(t, long, matches[0].Title, "original title is preserved")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 80))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
