// Package config loads, validates and watches the control-plane YAML
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentmesh/internal/domain"
	"agentmesh/internal/usecase/routing"
)

// TokenConfig declares one static gateway credential.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles,omitempty"`
}

// GatewayConfig configures the node-facing WebSocket gateway.
type GatewayConfig struct {
	Addr            string        `yaml:"addr"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	Tokens          []TokenConfig `yaml:"tokens"`
	DevicePublicKey string        `yaml:"device_public_key,omitempty"` // base64 Ed25519
	RateLimit       float64       `yaml:"rate_limit"`
	Burst           int           `yaml:"burst"`
}

// SessionConfig configures session lifecycle timers.
type SessionConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SuspendTimeout time.Duration `yaml:"suspend_timeout"`
}

// HealthConfig configures the node health monitor.
type HealthConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	DeadThreshold time.Duration `yaml:"dead_threshold"`
}

// BufferConfig sets per-lane queue capacities.
type BufferConfig struct {
	SteerCapacity    int `yaml:"steer_capacity"`
	CollectCapacity  int `yaml:"collect_capacity"`
	FollowupCapacity int `yaml:"followup_capacity"`
}

// DeliveryConfig bounds at-least-once delivery.
type DeliveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Expiry      time.Duration `yaml:"expiry"`
}

// ProviderConfig declares one model backend.
type ProviderConfig struct {
	ID      string        `yaml:"id"`
	BaseURL string        `yaml:"base_url"`
	APIKeys []string      `yaml:"api_keys,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ModelConfig configures the model router.
type ModelConfig struct {
	Default       domain.ModelRef  `yaml:"default"`
	FallbackChain []domain.ModelRef `yaml:"fallback_chain,omitempty"`
	Providers     []ProviderConfig `yaml:"providers"`
	MaxRetries    int              `yaml:"max_retries"`
	BackoffBase   time.Duration    `yaml:"backoff_base"`
	BackoffMax    time.Duration    `yaml:"backoff_max"`
	Thinking      string           `yaml:"thinking,omitempty"`
}

// LoopConfig configures loop detection.
type LoopConfig struct {
	RepeatThreshold int `yaml:"repeat_threshold"`
	MaxCycleLength  int `yaml:"max_cycle_length"`
	WindowSize      int `yaml:"window_size"`
}

// LimitsConfig bounds per-session execution.
type LimitsConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	BudgetTokens  int           `yaml:"budget_tokens"`
	Loop          LoopConfig    `yaml:"loop_detection"`
}

// RoutingConfig configures agent bindings and conversation scoping.
type RoutingConfig struct {
	Bindings     []routing.Binding `yaml:"bindings,omitempty"`
	DefaultScope string            `yaml:"default_scope,omitempty"`
	// ScopeOverrides pins individual agents to a scope.
	ScopeOverrides map[string]string `yaml:"scope_overrides,omitempty"`
	MaxConversations int             `yaml:"max_conversations"`
}

// IdentityConfig names the mesh instance as presented to nodes and
// channel collaborators.
type IdentityConfig struct {
	AgentID     string `yaml:"agent_id,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`
}

// PairingConfig governs device pairing. The pairing flow itself runs on
// the node side; the control plane only validates and republishes these
// settings through the config watcher.
type PairingConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl,omitempty"`
	MaxPending int           `yaml:"max_pending,omitempty"`
}

// HooksConfig tunes the hook bus.
type HooksConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxDepth       int           `yaml:"max_depth"`
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Config is the root configuration document.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Session  SessionConfig  `yaml:"session"`
	Health   HealthConfig   `yaml:"health"`
	Buffers  BufferConfig   `yaml:"buffers"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Model    ModelConfig    `yaml:"model"`
	Limits   LimitsConfig   `yaml:"limits"`
	Routing  RoutingConfig  `yaml:"routing"`
	Identity IdentityConfig `yaml:"identity,omitempty"`
	Pairing  PairingConfig  `yaml:"pairing,omitempty"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// Default returns a config with working defaults for local development.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:        "127.0.0.1:18789",
			AuthTimeout: 10 * time.Second,
			RateLimit:   50,
			Burst:       100,
		},
		Session: SessionConfig{
			IdleTimeout:    5 * time.Minute,
			SuspendTimeout: 30 * time.Minute,
		},
		Health: HealthConfig{
			PingInterval:  30 * time.Second,
			DeadThreshold: 2 * time.Minute,
		},
		Buffers: BufferConfig{
			SteerCapacity:    64,
			CollectCapacity:  64,
			FollowupCapacity: 64,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 5,
			Expiry:      time.Hour,
		},
		Model: ModelConfig{
			MaxRetries:  3,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxIterations: 50,
			MaxDuration:   10 * time.Minute,
			Loop: LoopConfig{
				RepeatThreshold: 3,
				MaxCycleLength:  4,
				WindowSize:      32,
			},
		},
		Routing: RoutingConfig{
			DefaultScope:     string(domain.ScopePerChannelPeer),
			MaxConversations: 4096,
		},
		Pairing: PairingConfig{
			TTL:        5 * time.Minute,
			MaxPending: 16,
		},
		Hooks: HooksConfig{
			DefaultTimeout: 5 * time.Second,
			MaxDepth:       8,
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads the YAML file at path on top of defaults and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfigLoad, path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
