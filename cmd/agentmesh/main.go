package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentmesh/internal/adapter/gateway"
	"agentmesh/internal/adapter/model"
	"agentmesh/internal/domain"
	"agentmesh/internal/infra/config"
	"agentmesh/internal/infra/logger"
	"agentmesh/internal/infra/tracer"
	"agentmesh/internal/usecase/buffer"
	"agentmesh/internal/usecase/delivery"
	"agentmesh/internal/usecase/hookbus"
	"agentmesh/internal/usecase/pipeline"
	"agentmesh/internal/usecase/registry"
	"agentmesh/internal/usecase/routing"
	"agentmesh/internal/usecase/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentmesh - agent runtime control plane

USAGE:
    agentmesh [FLAGS]

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./agentmesh.yaml)

CONFIGURATION:
    Config file: ./agentmesh.yaml
    Environment: AGENTMESH_* variables override config`)
}

// configPath returns the --config flag value or the default path.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "agentmesh.yaml"
}

func loadConfig() (*config.Config, error) {
	path := configPath()
	var cfg *config.Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// No file: defaults plus environment. Validation still applies,
		// so a gateway credential has to come from AGENTMESH_GATEWAY_TOKEN.
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	// 1. Config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(logger.Options{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, tracer.Options{
		Enabled:  cfg.Tracer.Enabled,
		Exporter: cfg.Tracer.Exporter,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Hook bus
	bus := hookbus.New(hookbus.Config{
		DefaultTimeout: cfg.Hooks.DefaultTimeout,
		MaxDepth:       cfg.Hooks.MaxDepth,
	}, log)
	bus.On("delivery.dead_letter", func(_ context.Context, data any) (hookbus.Result, error) {
		log.Warn("dead letter", "detail", data)
		return hookbus.Continue(), nil
	}, hookbus.Options{})

	// 4. Registry, sessions, delivery
	reg := registry.New(log)
	sessions := session.NewMachine(session.Config{
		SessionTimeout: cfg.Session.IdleTimeout,
		SuspendTimeout: cfg.Session.SuspendTimeout,
	}, log)
	defer sessions.Stop()

	tracker := delivery.New(delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Expiry:      cfg.Delivery.Expiry,
	}, func(p delivery.Pending, cause error) {
		bus.EmitObserver(ctx, "delivery.dead_letter", map[string]any{
			"message_id": p.MessageID,
			"node_id":    p.NodeID,
			"attempts":   p.Attempts,
			"cause":      cause.Error(),
		})
	}, log)

	// 5. Per-node buffers. Removal drains what is still queued into the
	// dead-letter surface.
	pool := buffer.NewPool(buffer.Config{
		SteerCapacity:    cfg.Buffers.SteerCapacity,
		CollectCapacity:  cfg.Buffers.CollectCapacity,
		FollowupCapacity: cfg.Buffers.FollowupCapacity,
	}, func(nodeID string, msgs []domain.Message) {
		for _, m := range msgs {
			bus.EmitObserver(ctx, "delivery.dead_letter", map[string]any{
				"message_id": m.MessageID,
				"node_id":    nodeID,
				"cause":      "node deregistered with messages buffered",
			})
		}
	}, log)

	// 6. Routing
	resolver, err := routing.Compile(cfg.Routing.Bindings)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	conversations := routing.NewConversationStore(cfg.Routing.MaxConversations,
		cfg.Routing.MaxConversations*9/10, func(size, capacity int) {
			log.Warn("conversation store filling up", "size", size, "capacity", capacity)
		})

	// Agents are located by capability: a node hosting agent X declares X
	// in its register frame.
	agentNode := func(agentID string) (string, error) {
		nodes := reg.FindByCapability(agentID)
		if len(nodes) == 0 {
			return "", domain.NewDomainError("main.agentNode", domain.ErrNodeNotFound, agentID)
		}
		return nodes[0].ID, nil
	}

	routerOpts := []routing.Option{
		routing.WithResolver(resolver, agentNode),
		routing.WithConversationStore(conversations),
		routing.WithDefaultScope(domain.ConversationScope(cfg.Routing.DefaultScope)),
		routing.WithDegradationHandler(func(result domain.ConversationKeyResult) {
			log.Warn("conversation scope degraded",
				"key", result.Key, "warnings", result.Warnings)
		}),
		routing.WithLogger(log),
	}
	for agentID, scope := range cfg.Routing.ScopeOverrides {
		routerOpts = append(routerOpts,
			routing.WithScopeOverride(agentID, domain.ConversationScope(scope)))
	}
	meshRouter := routing.New(reg, routerOpts...)

	reg.OnDeregister(func(nodeID string) {
		meshRouter.InvalidateNode(nodeID)
		pool.Remove(nodeID)
	})

	// 7. Model router
	usageEmitter := hookbus.NewEmitter[model.UsageEvent](log)
	usageEmitter.Subscribe(func(ev model.UsageEvent) {
		log.Info("model usage",
			"provider", ev.Provider, "model", ev.Model,
			"prompt_tokens", ev.Usage.PromptTokens,
			"completion_tokens", ev.Usage.CompletionTokens)
	})
	modelRouter := model.NewRouter(model.RouterConfig{
		Default:       cfg.Model.Default,
		FallbackChain: cfg.Model.FallbackChain,
		MaxRetries:    cfg.Model.MaxRetries,
		BackoffBase:   cfg.Model.BackoffBase,
		BackoffMax:    cfg.Model.BackoffMax,
	}, log, model.WithUsageEmitter(usageEmitter))
	for _, pc := range cfg.Model.Providers {
		provider, err := model.NewHTTPProvider(model.HTTPProviderConfig{
			ID:      pc.ID,
			BaseURL: pc.BaseURL,
			APIKeys: pc.APIKeys,
			Timeout: pc.Timeout,
		}, log)
		if err != nil {
			return fmt.Errorf("model provider %s: %w", pc.ID, err)
		}
		modelRouter.Register(provider)
	}

	// 8. Middleware pipeline
	pipe := pipeline.New(log)
	limits, err := pipeline.NewLimits(pipeline.LimitsConfig{
		MaxIterations: cfg.Limits.MaxIterations,
		MaxDuration:   cfg.Limits.MaxDuration,
		BudgetTokens:  cfg.Limits.BudgetTokens,
		Loop: pipeline.LoopConfig{
			RepeatThreshold: cfg.Limits.Loop.RepeatThreshold,
			MaxCycleLength:  cfg.Limits.Loop.MaxCycleLength,
			WindowSize:      cfg.Limits.Loop.WindowSize,
		},
	}, log)
	if err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	pipe.Use(limits)

	// 9. Gateway
	auth, err := buildAuth(cfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	inbound := func(ctx context.Context, nodeID string, msg domain.Message) error {
		_, err := meshRouter.Route(ctx, msg)
		if err == nil {
			return nil
		}
		// Target offline or between connections: queue for its reconnect
		// if a channel binding tells us who it was meant for.
		if target, ok := meshRouter.ChannelBinding(msg.ChannelID); ok {
			if msg.Lane == "" {
				msg.Lane = domain.LaneCollect
			}
			return pool.Get(target).Dispatch(msg)
		}
		return err
	}

	srv := gateway.NewServer(gateway.Config{
		Addr:        cfg.Gateway.Addr,
		AuthTimeout: cfg.Gateway.AuthTimeout,
		RateLimit:   cfg.Gateway.RateLimit,
		Burst:       cfg.Gateway.Burst,
	}, auth, reg, sessions, tracker, log, gateway.WithInbound(inbound))

	// A session coming back to connected flushes whatever was buffered
	// while the node was away.
	sessions.OnTransition(func(tr domain.Transition, _ domain.Session) {
		log.Debug("session transition",
			"node_id", tr.NodeID, "from", string(tr.From), "to", string(tr.To),
			"event", string(tr.Event))
		if tr.To == domain.SessionDisconnected {
			tc := &pipeline.TurnContext{SessionID: tr.NodeID}
			if err := pipe.RunSessionEnd(ctx, tc); err != nil {
				log.Warn("session end middleware", "node_id", tr.NodeID, "error", err)
			}
			return
		}
		if tr.To != domain.SessionConnected || tr.From == domain.SessionConnected {
			return
		}
		d, ok := reg.Dispatcher(tr.NodeID)
		if !ok {
			return
		}
		for _, m := range pool.Get(tr.NodeID).Drain() {
			if err := d.Dispatch(ctx, m); err != nil {
				log.Warn("buffered dispatch failed",
					"node_id", tr.NodeID, "message_id", m.MessageID, "error", err)
			}
		}
	})

	// 10. Health monitor
	monitor := registry.NewHealthMonitor(reg, srv, registry.HealthConfig{
		PingInterval:  cfg.Health.PingInterval,
		DeadThreshold: cfg.Health.DeadThreshold,
	}, log)
	monitor.OnNodeDead(func(_ context.Context, nodeID string) {
		sessions.HandleEvent(nodeID, domain.SessionEventDisconnect)
		if err := reg.Deregister(nodeID); err != nil {
			log.Warn("dead node deregister failed", "node_id", nodeID, "error", err)
		}
	})
	monitor.AddSweep(tracker.Sweep)
	monitor.AddSweep(func(_ context.Context, _ time.Time) {
		for id, m := range modelRouter.Metrics() {
			log.Debug("model provider metrics",
				"provider", id, "requests", m.Requests,
				"successes", m.Successes, "failures", m.Failures)
		}
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	// 11. Config watcher
	if _, err := os.Stat(configPath()); err == nil {
		watcher, werr := config.NewWatcher(configPath(), cfg, func(kind config.UpdateKind, _, _ *config.Config) {
			if kind == config.UpdateRestartRequired {
				log.Warn("config changed in a way that needs a restart")
				return
			}
			log.Info("config change applies on next session")
		}, func(err error) {
			log.Error("config reload rejected", "error", err)
		}, log)
		if werr != nil {
			return fmt.Errorf("config watcher: %w", werr)
		}
		defer watcher.Stop()
	}

	log.Info("agentmesh starting", "addr", cfg.Gateway.Addr)
	return srv.Start(ctx)
}

// buildAuth assembles the gateway authenticator from static tokens and the
// optional device token public key.
func buildAuth(cfg *config.Config) (gateway.Authenticator, error) {
	var static *gateway.StaticTokenAuth
	if len(cfg.Gateway.Tokens) > 0 {
		entries := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Tokens))
		for _, t := range cfg.Gateway.Tokens {
			entries = append(entries, gateway.TokenEntry{
				Token: t.Token,
				Name:  t.Name,
				Roles: t.Roles,
			})
		}
		static = gateway.NewStaticTokenAuth(entries)
	}

	var device *gateway.DeviceTokenAuth
	if cfg.Gateway.DevicePublicKey != "" {
		pub, err := base64.StdEncoding.DecodeString(cfg.Gateway.DevicePublicKey)
		if err != nil {
			return nil, fmt.Errorf("device_public_key: %w", err)
		}
		device = gateway.NewDeviceTokenAuth(pub)
	}

	if static == nil && device == nil {
		return nil, fmt.Errorf("no gateway credentials configured")
	}
	return gateway.NewMultiAuth(static, device), nil
}
