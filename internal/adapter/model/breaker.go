package model

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"agentmesh/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the closed-state period for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// breakerProvider wraps a ModelProvider with circuit breaker protection.
// Repeated failures open the circuit and subsequent calls fail fast,
// letting the router skip to the next candidate without waiting out a
// broken upstream.
type breakerProvider struct {
	inner   domain.ModelProvider
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

var _ domain.ModelProvider = (*breakerProvider)(nil)

func newBreakerProvider(inner domain.ModelProvider, cfg BreakerConfig, logger *slog.Logger) *breakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	name := inner.ID()
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "model:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &breakerProvider{inner: inner, breaker: cb, logger: logger}
}

func (b *breakerProvider) ID() string { return b.inner.ID() }

func (b *breakerProvider) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	res, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.ModelResponse), nil
}

// Stream counts only head-of-stream failures against the breaker. A
// stream that opened successfully may still fail mid-flight; that error
// reaches the consumer, not the breaker.
func (b *breakerProvider) Stream(ctx context.Context, req domain.ModelRequest) (<-chan domain.StreamChunk, error) {
	res, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Stream(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(<-chan domain.StreamChunk), nil
}

// RotateKey forwards to the wrapped provider when it holds a key pool.
func (b *breakerProvider) RotateKey() bool {
	if r, ok := b.inner.(KeyRotator); ok {
		return r.RotateKey()
	}
	return false
}

// isBreakerOpen reports whether err is the breaker rejecting the call
// outright rather than the provider failing.
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
