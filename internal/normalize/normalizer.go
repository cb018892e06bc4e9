// Package normalize turns untrusted analyzer responses into Matches.
package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
)

const (
	// MaxTitleRunes bounds titles derived from the document title.
	MaxTitleRunes = 80
	// NoContent replaces an empty summary.
	NoContent = "No content available"

	dateLayout = "2006-01-02"
	ellipsis   = "..."
)

var dateLayouts = []string{
	dateLayout,
	time.RFC3339,
	"20060102",
	"02/01/2006",
	"2006-01-02 15:04:05",
}

// Options tunes a normalization pass.
type Options struct {
	// Now is used for missing publication dates and placeholder titles.
	Now time.Time
	// MatchLimit caps matches kept per prompt; zero keeps all.
	MatchLimit int
	Logger     *slog.Logger
}

// Matches flattens raw into matches in prompt and list order. Entries that are
// not JSON objects are dropped and logged.
func Matches(raw domain.RawResult, opts Options) []domain.Match {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	log := logging.OrDiscard(opts.Logger)

	matches := make([]domain.Match, 0)
	for i, group := range groups(raw, log) {
		obj, ok := group.(map[string]any)
		if !ok {
			log.Warn("dropping malformed result group", "index", i, "kind", kindOf(group))
			continue
		}

		prompt := stringField(obj, "prompt", "query")
		entries, ok := firstList(obj, "matches", "results")
		if !ok {
			log.Warn("dropping result group without matches", "index", i, "prompt", prompt)
			continue
		}

		kept := 0
		for j, entry := range entries {
			fields, ok := entry.(map[string]any)
			if !ok {
				log.Warn("dropping malformed match", "prompt", prompt, "index", j, "kind", kindOf(entry))
				continue
			}
			if opts.MatchLimit > 0 && kept >= opts.MatchLimit {
				log.Debug("match limit reached", "prompt", prompt, "limit", opts.MatchLimit)
				break
			}
			matches = append(matches, toMatch(prompt, fields, opts.Now))
			kept++
		}
	}
	return matches
}

func groups(raw domain.RawResult, log *slog.Logger) []any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		return v
	case map[string]any:
		if list, ok := firstList(v, "results"); ok {
			return list
		}
		if _, ok := v["matches"]; ok {
			return []any{v}
		}
		log.Warn("analyzer payload has no results", "keys", len(v))
		return nil
	default:
		log.Warn("unexpected analyzer payload", "kind", kindOf(raw))
		return nil
	}
}

func toMatch(prompt string, fields map[string]any, now time.Time) domain.Match {
	m := domain.Match{
		Prompt:            prompt,
		DocumentType:      cleanText(stringField(fields, "document_type", "type")),
		Title:             cleanText(stringField(fields, "title")),
		NotificationTitle: cleanText(stringField(fields, "notification_title")),
		Summary:           cleanText(stringField(fields, "summary", "content")),
		RelevanceScore:    numberField(fields, "relevance_score", "relevance"),
		PublicationDate:   dateField(fields, now, "publication_date", "date"),
		Links:             linksField(fields),
		IssuingBody:       cleanText(stringField(fields, "issuing_body", "issuer")),
		Section:           cleanText(stringField(fields, "section")),
		Department:        cleanText(stringField(fields, "department")),
	}
	if m.Summary == "" {
		m.Summary = NoContent
	}
	m.NotificationTitle = Title(m, now)
	return m
}

// Title picks the notification title: the explicit one, then the document
// title cut to MaxTitleRunes, then "{type} de {issuer} ({date})", then a
// dated placeholder.
func Title(m domain.Match, now time.Time) string {
	if m.NotificationTitle != "" {
		return m.NotificationTitle
	}
	if m.Title != "" {
		return Truncate(m.Title, MaxTitleRunes)
	}
	if m.DocumentType != "" && m.IssuingBody != "" {
		date := m.PublicationDate
		if date.IsZero() {
			date = now
		}
		return fmt.Sprintf("%s de %s (%s)", m.DocumentType, m.IssuingBody, date.Format(dateLayout))
	}
	return fmt.Sprintf("Nueva publicación (%s)", now.Format(dateLayout))
}

// Truncate shortens s to at most limit runes, ending with an ellipsis when cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	keep := limit - utf8.RuneCountInString(ellipsis)
	if keep < 1 {
		return string(runes[:limit])
	}
	return strings.TrimSpace(string(runes[:keep])) + ellipsis
}

// cleanText reduces HTML fragments to their text and collapses whitespace.
func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := fields[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func numberField(fields map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := fields[key].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case float64:
			return v
		case int:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func dateField(fields map[string]any, now time.Time, keys ...string) time.Time {
	value := stringField(fields, keys...)
	if value == "" {
		return truncateDay(now)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return truncateDay(now)
}

func linksField(fields map[string]any) domain.Links {
	var links domain.Links
	switch v := fields["links"].(type) {
	case map[string]any:
		links.HTML = stringField(v, "html", "url")
		links.PDF = stringField(v, "pdf")
	case string:
		links.HTML = strings.TrimSpace(v)
	}
	if links.HTML == "" {
		links.HTML = stringField(fields, "url", "source_url")
	}
	return links
}

func firstList(fields map[string]any, keys ...string) ([]any, bool) {
	for _, key := range keys {
		if list, ok := fields[key].([]any); ok {
			return list, true
		}
	}
	return nil, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func kindOf(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
