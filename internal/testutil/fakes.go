package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

// Subscriptions is an in-memory ports.SubscriptionRepository.
type Subscriptions struct {
	mu    sync.Mutex
	items map[string]domain.Subscription

	GetErr   error
	TouchErr error
}

var _ ports.SubscriptionRepository = (*Subscriptions)(nil)

// NewSubscriptions stores subs keyed by ID.
func NewSubscriptions(subs ...domain.Subscription) *Subscriptions {
	s := &Subscriptions{items: map[string]domain.Subscription{}}
	for _, sub := range subs {
		s.items[sub.ID] = sub
	}
	return s
}

func (s *Subscriptions) Put(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sub.ID] = sub
}

func (s *Subscriptions) Get(ctx context.Context, id string) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.GetErr != nil {
		return domain.Subscription{}, s.GetErr
	}
	sub, ok := s.items[id]
	if !ok {
		return domain.Subscription{}, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return sub, nil
}

func (s *Subscriptions) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.TouchErr != nil {
		return s.TouchErr
	}
	sub, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	sub.LastCheckedAt = &at
	s.items[id] = sub
	return nil
}

// Notifications records created notifications. FailOn makes Create fail for
// the given zero-based call indexes.
type Notifications struct {
	mu      sync.Mutex
	calls   int
	created []domain.Notification

	FailOn map[int]bool
}

var _ ports.NotificationRepository = (*Notifications)(nil)

func NewNotifications() *Notifications {
	return &Notifications{FailOn: map[int]bool{}}
}

func (r *Notifications) Create(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := r.calls
	r.calls++
	if r.FailOn[call] {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", ErrInjected)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now()
	r.created = append(r.created, n)
	return n, nil
}

// Created returns a copy of every persisted notification.
func (r *Notifications) Created() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.created...)
}

// Published is one event seen by a Publisher.
type Published struct {
	Topic string
	Event any
}

// Publisher records published events. Topics listed in FailTopics always fail.
type Publisher struct {
	mu     sync.Mutex
	events []Published

	FailTopics map[string]bool
}

var _ ports.Publisher = (*Publisher)(nil)

func NewPublisher(failTopics ...string) *Publisher {
	p := &Publisher{FailTopics: map[string]bool{}}
	for _, topic := range failTopics {
		p.FailTopics[topic] = true
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, topic string, event any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailTopics[topic] {
		return "", fmt.Errorf("publish %s: %w", topic, ErrInjected)
	}
	p.events = append(p.events, Published{Topic: topic, Event: event})
	return fmt.Sprintf("%d-0", len(p.events)), nil
}

// Events returns events published to topic.
func (p *Publisher) Events(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []any
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e.Event)
		}
	}
	return out
}

// AnalyzerCall captures one Analyze invocation.
type AnalyzerCall struct {
	Endpoint string
	Request  domain.AnalyzeRequest
	Deadline time.Time
}

// Analyzer is a scripted ports.AnalyzerClient. Each call consumes the next
// response; the last one repeats once the script runs out.
type Analyzer struct {
	mu        sync.Mutex
	calls     []AnalyzerCall
	responses []AnalyzerResponse

	// Block, when set, is waited on before answering.
	Block chan struct{}
}

// AnalyzerResponse is one scripted answer.
type AnalyzerResponse struct {
	Result domain.RawResult
	Err    error
}

var _ ports.AnalyzerClient = (*Analyzer)(nil)

func NewAnalyzer(responses ...AnalyzerResponse) *Analyzer {
	return &Analyzer{responses: responses}
}

func (a *Analyzer) Analyze(ctx context.Context, endpoint string, req domain.AnalyzeRequest) (domain.RawResult, error) {
	if a.Block != nil {
		select {
		case <-a.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	deadline, _ := ctx.Deadline()
	a.calls = append(a.calls, AnalyzerCall{Endpoint: endpoint, Request: req, Deadline: deadline})

	if len(a.responses) == 0 {
		return nil, nil
	}
	idx := min(len(a.calls)-1, len(a.responses)-1)
	resp := a.responses[idx]
	return resp.Result, resp.Err
}

// Calls returns every captured invocation.
func (a *Analyzer) Calls() []AnalyzerCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AnalyzerCall(nil), a.calls...)
}
