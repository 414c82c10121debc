package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/conditions"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/fetch"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/metrics"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/search"
	"github.com/nugget/parley/internal/tools"
)

// app holds the wired runtime for one session.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Collector
	clock    *conditions.Clock
	registry *tools.Registry
	router   router.IntentRouter
	loop     *agent.Loop
	closers  []func() error
}

// newApp opens the memory backend, builds the capability registry,
// the model streamer and the intent router, and assembles the turn
// controller around them.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.New(),
		metrics: metrics.New(),
		clock:   conditions.NewClock(cfg.Model.Timezone),
	}

	backend, closeBackend, err := openBackend(cfg.Memory)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeBackend)

	store := memory.NewStore(cfg.Session, backend, cfg.Memory.MaxMessages, logger)
	store.Load(ctx)

	a.registry, err = buildRegistry(cfg.Tools, a.clock)
	if err != nil {
		a.Close()
		return nil, err
	}
	execOpts := []tools.ExecutorOption{tools.WithEvents(a.bus), tools.WithMetrics(a.metrics)}
	if cfg.Tools.ValidateArgs {
		v, err := tools.NewValidator(a.registry)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("tool schemas: %w", err)
		}
		execOpts = append(execOpts, tools.WithValidator(v))
	}
	exec := tools.NewExecutor(a.registry, logger, execOpts...)

	streamer, err := llm.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.router = buildRouter(cfg.Router, logger)

	a.loop = agent.NewLoop(logger, store, a.router, streamer, exec,
		agent.Config{
			Model:           cfg.Model.Name,
			SystemPrompt:    cfg.Model.SystemPrompt,
			MaxOutputTokens: cfg.Model.MaxOutputTokens,
		},
		agent.WithConditions(a.clock.Section),
		agent.WithEvents(a.bus),
		agent.WithMetrics(a.metrics),
	)

	logger.Info("runtime ready",
		"session", cfg.Session,
		"history", len(store.History()),
		"tools", a.registry.Names(),
		"router", cfg.Router.Mode,
	)
	return a, nil
}

// Close releases the memory backend. Errors are joined.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// serve runs the API server and, when configured, the MQTT bridge
// until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	server := api.NewServer(a.cfg.Listen.Addr(), a.loop, a.registry, a.bus, a.metrics, a.logger)
	if ri, ok := a.router.(api.RouterIntrospector); ok {
		server.SetRouter(ri)
	}

	var mqttPub *mqtt.Publisher
	if a.cfg.MQTT.Enabled() {
		var loc *time.Location
		if a.cfg.Model.Timezone != "" {
			loc, _ = time.LoadLocation(a.cfg.Model.Timezone)
		}
		mqttPub = mqtt.New(a.cfg.MQTT, a.bus, mqtt.NewDailyCounter(loc), a.logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				a.logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		a.logger.Info("mqtt publishing enabled", "broker", a.cfg.MQTT.Broker, "prefix", a.cfg.MQTT.TopicPrefix)
	} else {
		a.logger.Info("mqtt publishing disabled (not configured)")
	}

	deps := a.watchDependencies(ctx, mqttPub)
	server.SetHealth(deps)

	go func() {
		<-ctx.Done()
		a.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		// Publish MQTT offline status before disconnecting.
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				a.logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api shutdown failed", "error", err)
		}
		deps.Stop()
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info("parley stopped")
	return nil
}

// watchDependencies starts health probes for the external services this
// configuration talks to. mqttPub may be nil.
func (a *app) watchDependencies(ctx context.Context, mqttPub *mqtt.Publisher) *connwatch.Manager {
	deps := connwatch.NewManager(a.bus, a.logger)
	backoff := connwatch.DefaultBackoff()

	if url := a.cfg.Providers.Ollama.URL; url != "" {
		deps.Watch(ctx, "ollama", llm.NewOllamaStreamer(url, a.logger).Ping, backoff)
	}
	if hr, ok := a.router.(*router.HTTPRouter); ok {
		deps.Watch(ctx, "router", hr.Ping, backoff)
	}
	if mqttPub != nil {
		deps.Watch(ctx, "mqtt", mqttPub.AwaitConnection, backoff)
	}
	return deps
}

// openBackend returns the configured memory backend and its closer.
func openBackend(mc config.MemoryConfig) (memory.Backend, func() error, error) {
	if mc.Driver == "memory" {
		return memory.NewInMemoryBackend(), func() error { return nil }, nil
	}
	db, err := memory.OpenSQLite(mc.Driver, mc.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open memory database: %w", err)
	}
	backend, err := memory.NewSQLiteBackend(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("open memory database: %w", err)
	}
	return backend, backend.Close, nil
}

// buildRegistry registers the built-in leaf tools enabled by tc.
func buildRegistry(tc config.ToolsConfig, clock *conditions.Clock) (*tools.Registry, error) {
	caps := []tools.Capability{clock.Tool()}
	if tc.Fetch.Enabled {
		caps = append(caps, fetch.New(tc.Fetch.MaxChars).Tool())
	}
	if tc.Search.SearXNGURL != "" {
		caps = append(caps, search.Tool(search.NewSearXNG(tc.Search.SearXNGURL)))
	}
	return tools.NewRegistry(caps...)
}

func buildRouter(rc config.RouterConfig, logger *slog.Logger) router.IntentRouter {
	if rc.Mode == "http" {
		return router.NewHTTPRouter(rc.URL, rc.Timeout, logger)
	}
	return router.NewKeywordRouter(logger, router.KeywordConfigFrom(rc))
}
