package domain

import "time"

// Match is a normalized analyzer hit for one prompt.
type Match struct {
	Prompt            string
	DocumentType      string
	Title             string
	NotificationTitle string
	Summary           string
	RelevanceScore    float64
	PublicationDate   time.Time
	Links             Links
	IssuingBody       string
	Section           string
	Department        string
}

// Links points at renderings of the matched document.
type Links struct {
	HTML string `json:"html,omitempty"`
	PDF  string `json:"pdf,omitempty"`
}

// Primary returns the preferred URL for the document.
func (l Links) Primary() string {
	if l.HTML != "" {
		return l.HTML
	}
	return l.PDF
}

// AnalyzeRequest is the payload sent to a subscription type's analyzer.
type AnalyzeRequest struct {
	Prompts        []string `json:"texts"`
	UserID         string   `json:"user_id"`
	SubscriptionID string   `json:"subscription_id"`
	Date           string   `json:"date"`
	TraceID        string   `json:"trace_id"`
}

// RawResult is the loosely-typed analyzer response.
type RawResult any
