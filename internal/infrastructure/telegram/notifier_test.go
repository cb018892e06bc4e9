package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/domain"
)

func TestPublishSendsMessage(t *testing.T) {
	t.Parallel()

	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "chat", Endpoint: srv.URL + "/"})
	id, err := n.Publish(context.Background(), "notifications", domain.NotificationEvent{
		Title:     "Real Decreto 5/2024",
		Content:   "Resumen",
		SourceURL: "https://example.org/doc",
		Metadata:  domain.NotificationMetadata{Prompt: "decreto", Relevance: 0.8},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if id != "42" {
		t.Fatalf("expected message id 42, got %s", id)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotChat != "chat" {
		t.Fatalf("unexpected chat id: %s", gotChat)
	}
	for _, want := range []string{"#notifications", "Real Decreto 5/2024", "https://example.org/doc", "Prompt: decreto"} {
		if !strings.Contains(gotText, want) {
			t.Fatalf("message %q does not contain %q", gotText, want)
		}
	}
}

func TestPublishDeadLetterMessage(t *testing.T) {
	t.Parallel()

	var gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotText = r.PostForm.Get("text")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer srv.Close()

	n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "chat", Endpoint: srv.URL})
	_, err := n.Publish(context.Background(), "notifications-dlq", domain.DeadLetterEvent{
		Event:         domain.NotificationEvent{Title: "Orden 3/2024"},
		Error:         "bus down",
		OriginalTopic: "notifications",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.Contains(gotText, "undelivered (notifications): bus down") {
		t.Fatalf("unexpected text: %q", gotText)
	}
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	t.Run("misconfigured", func(t *testing.T) {
		n := NewNotifier(config.TelegramConfig{})
		if _, err := n.Publish(context.Background(), "t", domain.NotificationEvent{}); err == nil {
			t.Fatal("expected error for missing token")
		}
	})

	t.Run("http status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "chat", Endpoint: srv.URL})
		if _, err := n.Publish(context.Background(), "t", domain.NotificationEvent{}); err == nil {
			t.Fatal("expected error for 429")
		}
	})

	t.Run("not ok", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
		}))
		defer srv.Close()

		n := NewNotifier(config.TelegramConfig{BotToken: "token", ChatID: "chat", Endpoint: srv.URL})
		_, err := n.Publish(context.Background(), "t", domain.NotificationEvent{})
		if err == nil || !strings.Contains(err.Error(), "chat not found") {
			t.Fatalf("expected description in error, got %v", err)
		}
	})
}
