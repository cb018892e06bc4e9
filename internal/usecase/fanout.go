package usecase

import (
	"context"
	"log/slog"
	"time"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/metrics"
	"SubscriptionScanner/internal/ports"
)

// FanoutDeps wires the notification store and bus into Fanout.
type FanoutDeps struct {
	Notifications ports.NotificationRepository
	Publisher     ports.Publisher
	// DeadLetter defaults to Publisher.
	DeadLetter      ports.Publisher
	Topic           string
	DeadLetterTopic string
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Clock           func() time.Time
}

// Fanout persists one notification per match and publishes it. Delivery is
// at-least-once: a failed publish never removes the stored notification.
type Fanout struct {
	notifications   ports.NotificationRepository
	publisher       ports.Publisher
	deadLetter      ports.Publisher
	topic           string
	deadLetterTopic string
	logger          *slog.Logger
	metrics         *metrics.Metrics
	clock           func() time.Time
}

// NewFanout builds the fan-out step.
func NewFanout(deps FanoutDeps) *Fanout {
	f := &Fanout{
		notifications:   deps.Notifications,
		publisher:       deps.Publisher,
		deadLetter:      deps.DeadLetter,
		topic:           deps.Topic,
		deadLetterTopic: deps.DeadLetterTopic,
		logger:          logging.OrDiscard(deps.Logger),
		metrics:         deps.Metrics,
		clock:           deps.Clock,
	}
	if f.deadLetter == nil {
		f.deadLetter = f.publisher
	}
	if f.clock == nil {
		f.clock = time.Now
	}
	return f
}

// Dispatch handles matches in order. A failed insert skips that match; a
// failed publish is counted and, when a dead-letter topic is set, re-routed.
func (f *Fanout) Dispatch(ctx context.Context, sub domain.Subscription, matches []domain.Match, traceID string) domain.FanoutResult {
	var result domain.FanoutResult
	log := f.logger.With("trace_id", traceID, "subscription_id", sub.ID)

	for i, match := range matches {
		stored, err := f.notifications.Create(ctx, NotificationFor(sub, match, traceID))
		if err != nil {
			result.Errors++
			f.metrics.NotificationError(metrics.StageInsert)
			log.Error("persist notification failed", "index", i, "prompt", match.Prompt, "error", err)
			continue
		}
		result.Created++
		f.metrics.NotificationCreated()

		event := domain.EventFor(stored, f.clock())
		messageID, err := f.publisher.Publish(ctx, f.topic, event)
		if err != nil {
			result.PublishFailures++
			f.metrics.NotificationError(metrics.StagePublish)
			log.Warn("publish notification failed", "notification_id", stored.ID, "topic", f.topic, "error", err)
			if f.deadLetterEvent(ctx, log, event, err) {
				result.DeadLettered++
			}
			continue
		}
		log.Debug("notification published", "notification_id", stored.ID, "message_id", messageID)
	}

	return result
}

func (f *Fanout) deadLetterEvent(ctx context.Context, log *slog.Logger, event domain.NotificationEvent, cause error) bool {
	if f.deadLetterTopic == "" || f.deadLetter == nil {
		return false
	}

	dlq := domain.DeadLetterEvent{
		Event:         event,
		Error:         cause.Error(),
		OriginalTopic: f.topic,
		FailedAt:      f.clock(),
	}
	if _, err := f.deadLetter.Publish(ctx, f.deadLetterTopic, dlq); err != nil {
		f.metrics.NotificationError(metrics.StageDeadLetter)
		log.Error("dead-letter publish failed", "notification_id", event.NotificationID, "topic", f.deadLetterTopic, "error", err)
		return false
	}
	f.metrics.DeadLettered()
	return true
}

// NotificationFor builds the notification stored for match.
func NotificationFor(sub domain.Subscription, m domain.Match, traceID string) domain.Notification {
	var published string
	if !m.PublicationDate.IsZero() {
		published = m.PublicationDate.Format(time.DateOnly)
	}
	return domain.Notification{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Title:          m.NotificationTitle,
		Content:        m.Summary,
		SourceURL:      m.Links.Primary(),
		Metadata: domain.NotificationMetadata{
			Prompt:          m.Prompt,
			Relevance:       m.RelevanceScore,
			TraceID:         traceID,
			DocumentType:    m.DocumentType,
			PublicationDate: published,
			Issuer:          m.IssuingBody,
			Section:         m.Section,
			Links:           m.Links,
		},
	}
}
