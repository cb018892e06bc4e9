// Package analyzer wraps calls to the external content-analysis service with a
// bounded retry policy. Each retry waits an exponentially growing, jittered
// delay and gets a longer request timeout than the attempt before it.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/metrics"
	"SubscriptionScanner/internal/ports"
)

// ErrCircuitOpen is returned without calling upstream while an endpoint's
// breaker is open.
var ErrCircuitOpen = errors.New("analyzer circuit open")

// Attempt results reported to metrics.
const (
	resultOK          = "ok"
	resultRetryable   = "retryable"
	resultFatal       = "fatal"
	resultCircuitOpen = "circuit_open"
)

// Policy configures retries, backoff and timeouts.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxJitter         time.Duration
	InitialTimeout    time.Duration
	TimeoutMultiplier float64
	MaxTimeout        time.Duration
	// BreakerThreshold is the number of consecutive transient failures that
	// opens an endpoint's breaker. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// RatePerSecond caps attempts per second across the gateway. Zero is unlimited.
	RatePerSecond float64
}

// DefaultPolicy returns 3 retries, 1s..20s backoff with up to 1s jitter and
// timeouts growing 1.5x per attempt up to 4 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          20 * time.Second,
		MaxJitter:         time.Second,
		InitialTimeout:    60 * time.Second,
		TimeoutMultiplier: 1.5,
		MaxTimeout:        4 * time.Minute,
		BreakerThreshold:  5,
		BreakerCooldown:   30 * time.Second,
	}
}

// PolicyFromConfig overlays configured values on DefaultPolicy. A set
// MaxRetries or BreakerThreshold is taken as is, zero included.
func PolicyFromConfig(cfg config.AnalyzerConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxRetries != nil {
		p.MaxRetries = max(*cfg.MaxRetries, 0)
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.MaxJitter > 0 {
		p.MaxJitter = cfg.MaxJitter
	}
	if cfg.InitialTimeout > 0 {
		p.InitialTimeout = cfg.InitialTimeout
	}
	if cfg.TimeoutMultiplier > 0 {
		p.TimeoutMultiplier = cfg.TimeoutMultiplier
	}
	if cfg.MaxTimeout > 0 {
		p.MaxTimeout = cfg.MaxTimeout
	}
	if cfg.BreakerThreshold != nil {
		p.BreakerThreshold = max(*cfg.BreakerThreshold, 0)
	}
	if cfg.BreakerCooldown > 0 {
		p.BreakerCooldown = cfg.BreakerCooldown
	}
	if cfg.RatePerSecond > 0 {
		p.RatePerSecond = cfg.RatePerSecond
	}
	return p
}

// Delay returns the backoff before retry n (1-based), without jitter.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(retry-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		return p.MaxDelay
	}
	return delay
}

// AttemptTimeout returns the request timeout for attempt n (1-based).
func (p Policy) AttemptTimeout(attempt int) time.Duration {
	mult := p.TimeoutMultiplier
	if mult < 1 {
		mult = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	timeout := time.Duration(float64(p.InitialTimeout) * math.Pow(mult, float64(attempt-1)))
	if p.MaxTimeout > 0 && (timeout > p.MaxTimeout || timeout <= 0) {
		return p.MaxTimeout
	}
	return timeout
}

// Gateway calls an AnalyzerClient under Policy.
type Gateway struct {
	client  ports.AnalyzerClient
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewGateway wraps client. A nil metrics disables instrumentation.
func NewGateway(client ports.AnalyzerClient, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	g := &Gateway{
		client:   client,
		policy:   policy,
		logger:   logging.OrDiscard(logger),
		metrics:  m,
		breakers: map[string]*gobreaker.CircuitBreaker{},
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
	if policy.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), 1)
	}
	return g
}

// Analyze calls endpoint up to 1+MaxRetries times. Only timeouts, connection
// failures and 5xx answers are retried. When attempts run out the last error
// is returned unchanged.
func (g *Gateway) Analyze(ctx context.Context, endpoint string, req domain.AnalyzeRequest) (domain.RawResult, error) {
	attempts := 1 + max(g.policy.MaxRetries, 0)
	log := g.logger.With("trace_id", req.TraceID, "subscription_id", req.SubscriptionID, "endpoint", endpoint)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := g.policy.Delay(attempt-1) + g.jitter(g.policy.MaxJitter)
			log.Info("retrying analyzer", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, lastErr
			}
		}

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("analyzer rate limit: %w", err)
			}
		}

		timeout := g.policy.AttemptTimeout(attempt)
		result, err := g.call(ctx, endpoint, req, timeout)
		if err == nil {
			g.metrics.AnalyzerAttempt(resultOK)
			log.Debug("analyzer answered", "attempt", attempt, "timeout", timeout)
			return result, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrCircuitOpen):
			g.metrics.AnalyzerAttempt(resultCircuitOpen)
			log.Warn("analyzer circuit open", "attempt", attempt)
			return nil, err
		case ctx.Err() != nil:
			g.metrics.AnalyzerAttempt(resultFatal)
			return nil, err
		case !IsRetryable(err):
			g.metrics.AnalyzerAttempt(resultFatal)
			log.Warn("analyzer failed permanently", "attempt", attempt, "error", err)
			return nil, err
		default:
			g.metrics.AnalyzerAttempt(resultRetryable)
			log.Warn("analyzer attempt failed", "attempt", attempt, "timeout", timeout, "error", err)
		}
	}

	log.Error("analyzer retries exhausted", "attempts", attempts, "error", lastErr)
	return nil, lastErr
}

func (g *Gateway) call(ctx context.Context, endpoint string, req domain.AnalyzeRequest, timeout time.Duration) (domain.RawResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cb := g.breaker(endpoint)
	if cb == nil {
		return g.client.Analyze(attemptCtx, endpoint, req)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return g.client.Analyze(attemptCtx, endpoint, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, endpoint)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) breaker(endpoint string) *gobreaker.CircuitBreaker {
	if g.policy.BreakerThreshold <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[endpoint]; ok {
		return cb
	}

	threshold := uint32(g.policy.BreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     g.policy.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Fatal answers prove the upstream is alive; only transient failures count.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("analyzer breaker state change", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	g.breakers[endpoint] = cb
	return cb
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit) //nolint:gosec // jitter does not need a secure source
}
