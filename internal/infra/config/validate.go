package config

import (
	"fmt"
	"net"
	"strings"

	"agentmesh/internal/domain"
	"agentmesh/internal/usecase/routing"
)

// ValidationError accumulates config validation errors so callers see
// every problem at once.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) Unwrap() error { return domain.ErrConfigInvalid }

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateSession(cfg, ve)
	validateHealth(cfg, ve)
	validateBuffers(cfg, ve)
	validateDelivery(cfg, ve)
	validateModel(cfg, ve)
	validateLimits(cfg, ve)
	validateRouting(cfg, ve)
	validatePairing(cfg, ve)
	validateLogger(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port", cfg.Gateway.Addr)
	}
	if len(cfg.Gateway.Tokens) == 0 && cfg.Gateway.DevicePublicKey == "" {
		ve.Add("gateway needs at least one token or a device_public_key")
	}
	for i, tok := range cfg.Gateway.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.tokens[%d].token is empty", i)
		}
		if tok.Name == "" {
			ve.Add("gateway.tokens[%d].name is empty", i)
		}
	}
	if cfg.Gateway.RateLimit < 0 {
		ve.Add("gateway.rate_limit must be >= 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.IdleTimeout <= 0 {
		ve.Add("session.idle_timeout must be > 0")
	}
	if cfg.Session.SuspendTimeout <= 0 {
		ve.Add("session.suspend_timeout must be > 0")
	}
}

func validateHealth(cfg *Config, ve *ValidationError) {
	if cfg.Health.PingInterval <= 0 {
		ve.Add("health.ping_interval must be > 0")
	}
	if cfg.Health.DeadThreshold <= cfg.Health.PingInterval {
		ve.Add("health.dead_threshold must exceed ping_interval")
	}
}

func validateBuffers(cfg *Config, ve *ValidationError) {
	if cfg.Buffers.SteerCapacity <= 0 || cfg.Buffers.CollectCapacity <= 0 || cfg.Buffers.FollowupCapacity <= 0 {
		ve.Add("buffers capacities must be > 0")
	}
}

func validateDelivery(cfg *Config, ve *ValidationError) {
	if cfg.Delivery.MaxAttempts <= 0 {
		ve.Add("delivery.max_attempts must be > 0")
	}
}

func validateModel(cfg *Config, ve *ValidationError) {
	if len(cfg.Model.Providers) == 0 {
		// Running without providers is allowed: routing-only deployments.
		return
	}
	ids := map[string]bool{}
	for i, p := range cfg.Model.Providers {
		if p.ID == "" {
			ve.Add("model.providers[%d].id is empty", i)
			continue
		}
		if ids[p.ID] {
			ve.Add("model.providers[%d].id %q is duplicated", i, p.ID)
		}
		ids[p.ID] = true
		if p.BaseURL == "" {
			ve.Add("model.providers[%d].base_url is empty", i)
		}
	}
	if cfg.Model.Default.Provider == "" {
		ve.Add("model.default.provider is required when providers are configured")
	} else if !ids[cfg.Model.Default.Provider] {
		ve.Add("model.default.provider %q is not a configured provider", cfg.Model.Default.Provider)
	}
	for i, ref := range cfg.Model.FallbackChain {
		if !ids[ref.Provider] {
			ve.Add("model.fallback_chain[%d].provider %q is not a configured provider", i, ref.Provider)
		}
	}
	if cfg.Model.Thinking != "" {
		switch domain.ThinkingLevel(cfg.Model.Thinking) {
		case domain.ThinkingNone, domain.ThinkingStandard, domain.ThinkingExtended, domain.ThinkingAdaptive:
		default:
			ve.Add("model.thinking %q is not a known level", cfg.Model.Thinking)
		}
	}
}

func validateLimits(cfg *Config, ve *ValidationError) {
	if cfg.Limits.MaxIterations < 0 {
		ve.Add("limits.max_iterations must be >= 0")
	}
	if rt := cfg.Limits.Loop.RepeatThreshold; rt != 0 && rt < 2 {
		ve.Add("limits.loop_detection.repeat_threshold must be >= 2")
	}
}

func validateRouting(cfg *Config, ve *ValidationError) {
	if cfg.Routing.DefaultScope != "" && !domain.ConversationScope(cfg.Routing.DefaultScope).Valid() {
		ve.Add("routing.default_scope %q is not a known scope", cfg.Routing.DefaultScope)
	}
	for agentID, scope := range cfg.Routing.ScopeOverrides {
		if !domain.ConversationScope(scope).Valid() {
			ve.Add("routing.scope_overrides[%s] %q is not a known scope", agentID, scope)
		}
	}
	if cfg.Routing.MaxConversations < 0 {
		ve.Add("routing.max_conversations must be >= 0")
	}
	// Compile surfaces empty agent ids and malformed glob patterns.
	if _, err := routing.Compile(cfg.Routing.Bindings); err != nil {
		ve.Add("routing.bindings: %v", err)
	}
}

func validatePairing(cfg *Config, ve *ValidationError) {
	if !cfg.Pairing.Enabled {
		return
	}
	if cfg.Pairing.TTL <= 0 {
		ve.Add("pairing.ttl must be > 0 when pairing is enabled")
	}
	if cfg.Pairing.MaxPending <= 0 {
		ve.Add("pairing.max_pending must be > 0 when pairing is enabled")
	}
	if cfg.Gateway.DevicePublicKey == "" {
		ve.Add("pairing requires gateway.device_public_key")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch cfg.Logger.Level {
	case "", "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not text or json", cfg.Logger.Format)
	}
}
