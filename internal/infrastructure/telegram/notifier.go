package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

const defaultEndpoint = "https://api.telegram.org"

// Notifier publishes notification events to a Telegram chat via bot API.
type Notifier struct {
	endpoint string
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.Publisher = (*Notifier)(nil)

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// NewNotifier registers bot token and chat identifier.
func NewNotifier(cfg config.TelegramConfig) *Notifier {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Notifier{
		endpoint: endpoint,
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Publish posts the event as a chat message and returns Telegram's message id.
// The topic is shown as a tag on the message.
func (n *Notifier) Publish(ctx context.Context, topic string, event any) (string, error) {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return "", fmt.Errorf("telegram notifier misconfigured")
	}

	text, err := formatMessage(topic, event)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.endpoint, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram error: %s", resp.Status)
	}

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode telegram response: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("telegram error: %s", out.Description)
	}

	return strconv.FormatInt(out.Result.MessageID, 10), nil
}

func formatMessage(topic string, event any) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "#%s\n", topic)

	switch ev := event.(type) {
	case domain.NotificationEvent:
		writeEvent(&b, ev)
	case domain.DeadLetterEvent:
		fmt.Fprintf(&b, "undelivered (%s): %s\n", ev.OriginalTopic, ev.Error)
		writeEvent(&b, ev.Event)
	default:
		payload, err := json.Marshal(event)
		if err != nil {
			return "", fmt.Errorf("marshal event: %w", err)
		}
		b.Write(payload)
	}

	return b.String(), nil
}

func writeEvent(b *strings.Builder, ev domain.NotificationEvent) {
	fmt.Fprintf(b, "%s\n", ev.Title)
	if ev.Content != "" {
		fmt.Fprintf(b, "%s\n", ev.Content)
	}
	if ev.SourceURL != "" {
		fmt.Fprintf(b, "%s\n", ev.SourceURL)
	}
	if ev.Metadata.Prompt != "" {
		fmt.Fprintf(b, "Prompt: %s\nRelevance: %.2f\n", ev.Metadata.Prompt, ev.Metadata.Relevance)
	}
}
