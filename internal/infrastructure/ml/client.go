package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

const maxErrorBody = 1024

// StatusError reports a non-2xx answer from an analyzer endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("analyzer returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("analyzer returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// StatusCode exposes the HTTP status for retry classification.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// AppError reports a 2xx answer whose body is an error envelope, either an
// "error" field or "status": "error".
type AppError struct {
	Message string
}

func (e *AppError) Error() string {
	return "analyzer reported error: " + e.Message
}

// Permanent marks the answer as not worth retrying.
func (e *AppError) Permanent() bool {
	return true
}

// DecodeError reports a 2xx body that is not a JSON document.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Permanent marks the answer as not worth retrying.
func (e *DecodeError) Permanent() bool {
	return true
}

// Client posts analysis requests to per-type analyzer endpoints.
type Client struct {
	apiKey string
	http   *http.Client
}

var _ ports.AnalyzerClient = (*Client)(nil)

// NewClient creates a reusable HTTP client. Per-call deadlines come from the
// caller's context, so the underlying client has no timeout of its own.
func NewClient(apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiKey: apiKey,
		http:   httpClient,
	}
}

// Analyze sends the prompts to endpoint and decodes the loosely-typed answer.
func (c *Client) Analyze(ctx context.Context, endpoint string, payload domain.AnalyzeRequest) (domain.RawResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", payload.TraceID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var raw any
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if err := envelopeError(raw); err != nil {
		return nil, err
	}

	return raw, nil
}

func envelopeError(raw any) error {
	doc, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	status, _ := doc["status"].(string)
	failed := strings.EqualFold(strings.TrimSpace(status), "error")
	message := errorMessage(doc["error"])
	if message == "" && !failed {
		return nil
	}
	if message == "" {
		message = errorMessage(doc["message"])
	}
	if message == "" {
		message = "unspecified error"
	}
	return &AppError{Message: message}
}

func errorMessage(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case bool:
		if val {
			return "true"
		}
		return ""
	case map[string]any:
		if msg, ok := val["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	encoded, _ := json.Marshal(v)
	return string(encoded)
}
