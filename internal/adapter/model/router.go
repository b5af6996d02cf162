// Package model routes completion requests across providers with
// failover, per-provider circuit breaking, key rotation and adaptive
// thinking downgrade.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentmesh/internal/domain"
	"agentmesh/internal/infra/logger"
	"agentmesh/internal/infra/tracer"
	"agentmesh/internal/usecase/hookbus"
)

// UsageEvent reports token usage for one successful completion. Exactly
// one event is emitted per success.
type UsageEvent struct {
	Provider string
	Model    string
	Usage    domain.Usage
}

// SelectFunc picks the candidate chain for a request. Returning an error
// or an empty chain falls back to the configured default chain.
type SelectFunc func(ctx context.Context, req domain.ModelRequest) ([]domain.ModelRef, error)

// RouterConfig tunes failover behavior.
type RouterConfig struct {
	// Default is the primary model; FallbackChain is tried in order after it.
	Default       domain.ModelRef
	FallbackChain []domain.ModelRef
	// MaxRetries caps transient retries (rate limit, timeout) across the
	// whole request. Key rotations and candidate advances are free.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Breaker     BreakerConfig
}

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// ProviderMetrics are per-provider counters, snapshot via Metrics.
type ProviderMetrics struct {
	Requests     int64
	Successes    int64
	Failures     int64
	KeyRotations int64
	BreakerDrops int64
}

// Router fans requests over registered providers. Each provider is
// wrapped in its own circuit breaker at registration time.
type Router struct {
	cfg       RouterConfig
	mu        sync.Mutex
	providers map[string]*breakerProvider
	metrics   map[string]*ProviderMetrics
	selectFn  SelectFunc
	usage     *hookbus.Emitter[UsageEvent]
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	rng       *rand.Rand
}

// RouterOption configures optional router behavior.
type RouterOption func(*Router)

// WithSelectFunc installs a pre-request candidate selector.
func WithSelectFunc(fn SelectFunc) RouterOption {
	return func(r *Router) { r.selectFn = fn }
}

// WithUsageEmitter wires the usage event emitter.
func WithUsageEmitter(e *hookbus.Emitter[UsageEvent]) RouterOption {
	return func(r *Router) { r.usage = e }
}

// NewRouter creates a model router.
func NewRouter(cfg RouterConfig, log *slog.Logger, opts ...RouterOption) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if log == nil {
		log = logger.Discard()
	}
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]*breakerProvider),
		metrics:   make(map[string]*ProviderMetrics),
		logger:    log,
		sleep:     sleepCtx,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a provider, wrapping it in a circuit breaker. A duplicate
// id is replaced.
func (r *Router) Register(p domain.ModelProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = newBreakerProvider(p, r.cfg.Breaker, r.logger)
	if _, ok := r.metrics[p.ID()]; !ok {
		r.metrics[p.ID()] = &ProviderMetrics{}
	}
}

func (r *Router) provider(id string) (*breakerProvider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	return p, ok
}

// Metrics returns a snapshot of per-provider counters.
func (r *Router) Metrics() map[string]ProviderMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ProviderMetrics, len(r.metrics))
	for id, m := range r.metrics {
		out[id] = *m
	}
	return out
}

func (r *Router) count(id string, f func(*ProviderMetrics)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[id]
	if !ok {
		m = &ProviderMetrics{}
		r.metrics[id] = m
	}
	f(m)
}

// candidates resolves the chain for this request: the selector first,
// then the configured default plus fallbacks.
func (r *Router) candidates(ctx context.Context, req domain.ModelRequest) []domain.ModelRef {
	if r.selectFn != nil {
		chain, err := r.selectFn(ctx, req)
		if err != nil {
			r.logger.Warn("model selector failed, using default chain", "error", err)
		} else if len(chain) > 0 {
			return chain
		}
	}
	chain := []domain.ModelRef{r.cfg.Default}
	return append(chain, r.cfg.FallbackChain...)
}

// Complete runs the request through the candidate chain. Auth and billing
// failures rotate keys without spending retries; rate limits and timeouts
// back off with full jitter and spend the shared retry budget; thinking
// failures and context overflows downgrade the thinking level and retry
// the same candidate; model errors and open breakers advance to the next
// candidate.
func (r *Router) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "model.complete",
		trace.WithAttributes(tracer.StringAttr("model.requested", req.Model)),
	)
	defer span.End()

	retries := 0
	var lastErr error

	for _, cand := range r.candidates(ctx, req) {
		p, ok := r.provider(cand.Provider)
		if !ok {
			lastErr = domain.NewDomainError("Router.Complete", domain.ErrProviderNotFound, cand.Provider)
			continue
		}

		thinking := req.Thinking
	attempt:
		for {
			creq := req
			creq.Model = cand.Model
			creq.Thinking = thinking

			r.count(cand.Provider, func(m *ProviderMetrics) { m.Requests++ })
			resp, err := p.Complete(ctx, creq)
			if err == nil {
				r.count(cand.Provider, func(m *ProviderMetrics) { m.Successes++ })
				span.SetAttributes(
					tracer.StringAttr("model.provider", cand.Provider),
					tracer.StringAttr("model.served", creq.Model),
					tracer.IntAttr("model.retries", retries),
				)
				if r.usage != nil {
					r.usage.Emit(UsageEvent{Provider: cand.Provider, Model: creq.Model, Usage: resp.Usage})
				}
				return resp, nil
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = err

			if isBreakerOpen(err) {
				r.count(cand.Provider, func(m *ProviderMetrics) { m.BreakerDrops++ })
				r.logger.Warn("provider circuit open, skipping",
					"provider", cand.Provider, "model", cand.Model)
				break attempt
			}
			r.count(cand.Provider, func(m *ProviderMetrics) { m.Failures++ })

			pe, _ := AsProviderError(err)
			switch category(pe) {
			case CategoryAuth, CategoryBilling:
				if p.RotateKey() {
					r.count(cand.Provider, func(m *ProviderMetrics) { m.KeyRotations++ })
					r.logger.Info("rotated provider key",
						"provider", cand.Provider, "cause", category(pe))
					continue
				}
				break attempt

			case CategoryRateLimit, CategoryTimeout:
				retries++
				if retries > r.cfg.MaxRetries {
					return nil, r.exhausted(lastErr)
				}
				var retryAfter time.Duration
				if pe != nil {
					retryAfter = pe.RetryAfter
				}
				if err := r.backoff(ctx, retries, retryAfter); err != nil {
					return nil, err
				}
				continue

			case CategoryThinking, CategoryOverflow:
				// Both recover by cutting reasoning output; a request
				// already at none has nothing left to shed.
				next, ok := thinking.Downgrade()
				if !ok {
					break attempt
				}
				r.logger.Info("downgrading thinking level",
					"provider", cand.Provider, "cause", category(pe),
					"from", thinking, "to", next)
				thinking = next
				continue

			default:
				// Model errors and unclassified failures move to the
				// next candidate.
				break attempt
			}
		}
	}
	err := r.exhausted(lastErr)
	tracer.RecordError(span, err)
	return nil, err
}

// Stream opens a stream, failing over across candidates only while the
// head of the stream has not been established. Mid-stream errors reach
// the consumer as error chunks.
func (r *Router) Stream(ctx context.Context, req domain.ModelRequest) (<-chan domain.StreamChunk, error) {
	// The span covers stream establishment only; chunks outlive it.
	ctx, span := tracer.StartSpan(ctx, "model.stream",
		trace.WithAttributes(tracer.StringAttr("model.requested", req.Model)),
	)
	defer span.End()

	retries := 0
	var lastErr error

	for _, cand := range r.candidates(ctx, req) {
		p, ok := r.provider(cand.Provider)
		if !ok {
			lastErr = domain.NewDomainError("Router.Stream", domain.ErrProviderNotFound, cand.Provider)
			continue
		}

		thinking := req.Thinking
	attempt:
		for {
			creq := req
			creq.Model = cand.Model
			creq.Thinking = thinking

			r.count(cand.Provider, func(m *ProviderMetrics) { m.Requests++ })
			ch, err := p.Stream(ctx, creq)
			if err == nil {
				r.count(cand.Provider, func(m *ProviderMetrics) { m.Successes++ })
				span.SetAttributes(tracer.StringAttr("model.provider", cand.Provider))
				return r.tapStream(cand.Provider, creq.Model, ch), nil
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = err

			if isBreakerOpen(err) {
				r.count(cand.Provider, func(m *ProviderMetrics) { m.BreakerDrops++ })
				break attempt
			}
			r.count(cand.Provider, func(m *ProviderMetrics) { m.Failures++ })

			pe, _ := AsProviderError(err)
			switch category(pe) {
			case CategoryAuth, CategoryBilling:
				if p.RotateKey() {
					r.count(cand.Provider, func(m *ProviderMetrics) { m.KeyRotations++ })
					continue
				}
				break attempt
			case CategoryRateLimit, CategoryTimeout:
				retries++
				if retries > r.cfg.MaxRetries {
					return nil, r.exhausted(lastErr)
				}
				var retryAfter time.Duration
				if pe != nil {
					retryAfter = pe.RetryAfter
				}
				if err := r.backoff(ctx, retries, retryAfter); err != nil {
					return nil, err
				}
				continue
			case CategoryThinking, CategoryOverflow:
				next, ok := thinking.Downgrade()
				if !ok {
					break attempt
				}
				thinking = next
				continue
			default:
				break attempt
			}
		}
	}
	err := r.exhausted(lastErr)
	tracer.RecordError(span, err)
	return nil, err
}

// tapStream forwards chunks and emits the usage event when the stream
// reports usage.
func (r *Router) tapStream(provider, model string, in <-chan domain.StreamChunk) <-chan domain.StreamChunk {
	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Type == domain.ChunkUsage && chunk.Usage != nil && r.usage != nil {
				r.usage.Emit(UsageEvent{Provider: provider, Model: model, Usage: *chunk.Usage})
			}
			out <- chunk
		}
	}()
	return out
}

func (r *Router) exhausted(lastErr error) error {
	if lastErr == nil {
		lastErr = domain.ErrProviderNotFound
	}
	return fmt.Errorf("%w: %w", domain.ErrProvidersFailed, lastErr)
}

// backoff sleeps a full-jitter delay: uniform over (0, min(base*2^n, max)),
// floored by the server's Retry-After hint when present.
func (r *Router) backoff(ctx context.Context, attempt int, retryAfter time.Duration) error {
	ceiling := r.cfg.BackoffBase << uint(attempt-1)
	if ceiling > r.cfg.BackoffMax || ceiling <= 0 {
		ceiling = r.cfg.BackoffMax
	}
	r.mu.Lock()
	delay := time.Duration(r.rng.Int63n(int64(ceiling) + 1))
	r.mu.Unlock()
	if retryAfter > delay {
		delay = retryAfter
	}
	return r.sleep(ctx, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func category(pe *ProviderError) Category {
	if pe == nil {
		return CategoryModelError
	}
	return pe.Category
}
