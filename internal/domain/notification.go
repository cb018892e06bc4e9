package domain

import "time"

// Notification is the persisted, user-facing outcome of a match.
type Notification struct {
	ID             string
	UserID         string
	SubscriptionID string
	Title          string
	Content        string
	SourceURL      string
	Metadata       NotificationMetadata
	CreatedAt      time.Time
}

// NotificationMetadata is stored as JSON alongside the notification.
type NotificationMetadata struct {
	Prompt          string  `json:"prompt"`
	Relevance       float64 `json:"relevance"`
	TraceID         string  `json:"trace_id"`
	DocumentType    string  `json:"document_type,omitempty"`
	PublicationDate string  `json:"publication_date,omitempty"`
	Issuer          string  `json:"issuer,omitempty"`
	Section         string  `json:"section,omitempty"`
	Links           Links   `json:"links"`
}

// NotificationEvent is the bus projection of a Notification.
type NotificationEvent struct {
	NotificationID string               `json:"notification_id"`
	UserID         string               `json:"user_id"`
	SubscriptionID string               `json:"subscription_id"`
	Title          string               `json:"title"`
	Content        string               `json:"content"`
	SourceURL      string               `json:"source_url"`
	Metadata       NotificationMetadata `json:"metadata"`
	TraceID        string               `json:"trace_id"`
	EmittedAt      time.Time            `json:"emitted_at"`
}

// EventFor projects n onto its wire form.
func EventFor(n Notification, at time.Time) NotificationEvent {
	return NotificationEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		SubscriptionID: n.SubscriptionID,
		Title:          n.Title,
		Content:        n.Content,
		SourceURL:      n.SourceURL,
		Metadata:       n.Metadata,
		TraceID:        n.Metadata.TraceID,
		EmittedAt:      at,
	}
}

// DeadLetterEvent wraps an event that could not be published.
type DeadLetterEvent struct {
	Event         NotificationEvent `json:"event"`
	Error         string            `json:"error"`
	OriginalTopic string            `json:"original_topic"`
	FailedAt      time.Time         `json:"failed_at"`
}
