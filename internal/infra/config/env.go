package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overlays environment variables on cfg. Credentials in
// particular are expected to arrive this way rather than in the file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("AGENTMESH_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTMESH_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Tokens = append(cfg.Gateway.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if v := os.Getenv("AGENTMESH_DEVICE_PUBLIC_KEY"); v != "" {
		cfg.Gateway.DevicePublicKey = v
	}
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTMESH_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTMESH_SESSION_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.IdleTimeout = d
		}
	}
	if v := os.Getenv("AGENTMESH_SESSION_SUSPEND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.SuspendTimeout = d
		}
	}
	if v := os.Getenv("AGENTMESH_MODEL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Model.MaxRetries = n
		}
	}
	if v := os.Getenv("AGENTMESH_MODEL_API_KEY"); v != "" {
		// A single env key applies to every configured provider that has
		// none of its own.
		for i := range cfg.Model.Providers {
			if len(cfg.Model.Providers[i].APIKeys) == 0 {
				cfg.Model.Providers[i].APIKeys = []string{v}
			}
		}
	}
}
