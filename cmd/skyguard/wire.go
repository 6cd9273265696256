// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/audit"
	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/fallback"
	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/guardrail/codex"
	"github.com/skyguard-dev/skyguard/internal/guardrail/policy"
	"github.com/skyguard-dev/skyguard/internal/provider"
	anthropicprov "github.com/skyguard-dev/skyguard/internal/provider/anthropic"
	googleprov "github.com/skyguard-dev/skyguard/internal/provider/google"
	openaiprov "github.com/skyguard-dev/skyguard/internal/provider/openai"
	"github.com/skyguard-dev/skyguard/internal/redteam"
	"github.com/skyguard-dev/skyguard/internal/server"
	"github.com/skyguard-dev/skyguard/internal/store"
	_ "github.com/skyguard-dev/skyguard/internal/store/memory" // register memory backend
	_ "github.com/skyguard-dev/skyguard/internal/store/sqlite" // register sqlite backend
	"github.com/skyguard-dev/skyguard/internal/tools"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Server    *server.Server
	Turns     *turn.Orchestrator
	// RedTeam serves the stream endpoint in red-teaming mode. Its tools
	// drive Turns.
	RedTeam   *turn.Orchestrator
	Executor  *agent.Executor
	Gateway   *guardrail.Gateway
	Stores    *store.Stores
	Providers *provider.Registry
	Recorder  *audit.Recorder
}

// providerFactory builds the agent's model client.
type providerFactory func(config.AgentConfig) (provider.Provider, error)

// providerFactories maps provider names to their constructors. Declared as
// a variable so tests can inject a scripted provider.
var providerFactories = map[string]providerFactory{
	"openai": func(ac config.AgentConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: ac.APIKey, BaseURL: ac.BaseURL})
	},
	"anthropic": func(ac config.AgentConfig) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: ac.APIKey, BaseURL: ac.BaseURL})
	},
	"google": func(ac config.AgentConfig) (provider.Provider, error) {
		return googleprov.New(googleprov.Config{APIKey: ac.APIKey, BaseURL: ac.BaseURL})
	},
}

// embedderFactory builds the knowledge base embedder; dims is the vector
// index width.
type embedderFactory func(ec config.EmbeddingConfig, dims int) (store.Embedder, error)

var embedderFactories = map[string]embedderFactory{
	"openai": func(ec config.EmbeddingConfig, dims int) (store.Embedder, error) {
		return openaiprov.NewEmbedder(openaiprov.EmbedderConfig{
			APIKey:     ec.APIKey,
			BaseURL:    ec.BaseURL,
			Model:      ec.Model,
			Dimensions: dims,
		})
	},
}

// WireApp creates all subsystems and wires them together. On error every
// subsystem created so far is closed.
func WireApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	// 1. Storage.
	app.Stores, err = store.Open(storageConfig(cfg))
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "opening storage")
	}
	kb, semantic, err := knowledgeFor(cfg, app.Stores, logger)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.Tools.KBPath != "":
		articles, err := tools.LoadArticles(cfg.Tools.KBPath)
		if err != nil {
			return nil, err
		}
		n, err := tools.ImportArticles(ctx, kb, articles)
		if err != nil {
			return nil, err
		}
		logger.Info("imported knowledge base", "path", cfg.Tools.KBPath, "articles", n)
	case semantic != nil:
		n, err := semantic.Reindex(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("embedded knowledge base", "articles", n)
	}

	// 2. Model provider.
	factory, ok := providerFactories[cfg.Agent.Provider]
	if !ok {
		return nil, skyerr.New(skyerr.CodeProviderNotFound, "unknown agent provider",
			skyerr.FieldProvider(cfg.Agent.Provider))
	}
	p, err := factory(cfg.Agent)
	if err != nil {
		return nil, err
	}
	app.Providers = provider.NewRegistry()
	app.Providers.Register(cfg.Agent.Provider, p)

	// 3. Tools.
	registry, bookings, err := wireTools(cfg, kb, app.Stores.Bookings, logger)
	if err != nil {
		return nil, err
	}

	// 4. Agent executor.
	app.Executor, err = agent.NewExecutor(agent.ExecutorConfig{
		Provider:     p,
		Model:        cfg.Agent.Model,
		Tools:        registry,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxSteps:     cfg.Agent.MaxSteps,
		StepTimeout:  cfg.Agent.StepTimeout,
		ToolTimeout:  cfg.Agent.ToolTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	// 5. Guardrail.
	backend, err := newGuardrailBackend(ctx, cfg.Guardrail)
	if err != nil {
		return nil, err
	}
	app.Gateway, err = guardrail.NewGateway(guardrail.GatewayConfig{
		Backend:      backend,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Tools:        app.Executor.Tools(),
		ContextTools: cfg.Guardrail.ContextTools,
		FallbackText: cfg.Guardrail.FallbackText,
		Timeout:      cfg.Guardrail.Timeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	// 6. Fallback generator shares the agent's provider.
	model := cfg.Fallback.Model
	if model == "" {
		model = cfg.Agent.Model
	}
	fb := fallback.New(fallback.Config{
		Provider:      p,
		Model:         model,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		HistoryWindow: cfg.Fallback.HistoryWindow,
		Timeout:       cfg.Fallback.Timeout,
		StaticText:    cfg.Fallback.StaticText,
		Logger:        logger,
	})

	// 7. Audit sinks.
	publishers, err := newPublishers(cfg.Audit)
	if err != nil {
		return nil, err
	}
	app.Recorder = audit.NewRecorder(audit.Config{
		Store:      app.Stores.Audit,
		Publishers: publishers,
		Logger:     logger,
	})

	// 8. Turn orchestrator.
	app.Turns, err = turn.New(turn.Config{
		Store:             app.Stores.Conversations,
		Executor:          app.Executor,
		Gateway:           app.Gateway,
		Fallback:          fb,
		Audit:             app.Recorder,
		ValidateToolCalls: cfg.Guardrail.ValidateToolCalls,
		Consult:           cfg.Guardrail.Consult,
		ConsultOptional:   cfg.Guardrail.ConsultOptional,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	// 9. HTTP server.
	app.Server, err = server.New(server.Config{
		ListenAddr:   cfg.Server.Listen,
		CORSOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RPS,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case config.ModeRedTeaming:
		app.RedTeam, err = wireRedTeam(cfg, p, kb, bookings, app, logger)
		if err != nil {
			return nil, err
		}
		app.Server.RegisterTurns(redteam.Submitter{Turns: app.RedTeam})
		logger.Info("serving the red-teaming agent", "model", redTeamModel(cfg))
	default:
		app.Server.RegisterTurns(app.Turns)
	}
	if err := app.Server.RegisterServices(&server.Services{
		Threads: app.Stores.Conversations,
		Tools:   app.Executor,
	}); err != nil {
		return nil, err
	}

	return app, nil
}

func storageConfig(cfg *config.Config) *store.StorageConfig {
	return &store.StorageConfig{
		Backend:          cfg.Storage.Backend,
		Path:             cfg.Storage.Path,
		VectorDimensions: cfg.Storage.VectorDimensions,
	}
}

// knowledgeFor returns the knowledge store the tools search. With an
// embedding provider configured it is the semantic wrapper, also returned
// so callers can reindex; otherwise full-text search over stores.Knowledge.
func knowledgeFor(cfg *config.Config, stores *store.Stores, logger *slog.Logger) (store.KnowledgeStore, *store.SemanticKnowledge, error) {
	ec := cfg.Tools.Embedding
	if ec.Provider == "" {
		return stores.Knowledge, nil, nil
	}
	factory, ok := embedderFactories[ec.Provider]
	if !ok {
		return nil, nil, skyerr.New(skyerr.CodeProviderNotFound, "unknown embedding provider",
			skyerr.FieldProvider(ec.Provider))
	}
	emb, err := factory(ec, cfg.Storage.VectorDimensions)
	if err != nil {
		return nil, nil, err
	}
	semantic := store.NewSemanticKnowledge(stores.Knowledge, stores.Vectors, emb, logger)
	return semantic, semantic, nil
}

// wireRedTeam builds the unguarded agent that attacks app.Turns. It shares
// the assistant's provider, knowledge base and booking state.
func wireRedTeam(cfg *config.Config, p provider.Provider, kb store.KnowledgeStore, bookings *tools.Bookings, app *App, logger *slog.Logger) (*turn.Orchestrator, error) {
	toolkit, err := redteam.New(redteam.Config{
		Target:       app.Turns,
		History:      app.Stores.Conversations,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Bookings:     bookings,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	registry := agent.NewToolRegistry()
	if err := registry.Register(toolkit.Tools()...); err != nil {
		return nil, err
	}
	if err := registry.Register(tools.NewKnowledgeBase(kb).Tools()...); err != nil {
		return nil, err
	}
	if err := registry.Register(bookings.Tools()...); err != nil {
		return nil, err
	}

	exec, err := agent.NewExecutor(agent.ExecutorConfig{
		Provider:     p,
		Model:        redTeamModel(cfg),
		Tools:        registry,
		SystemPrompt: redteam.Instructions(cfg.Agent.SystemPrompt),
		MaxSteps:     cfg.RedTeam.MaxSteps,
		StepTimeout:  cfg.Agent.StepTimeout,
		ToolTimeout:  cfg.RedTeam.ToolTimeout,
		Logger:       logger.With("agent", "red-team"),
	})
	if err != nil {
		return nil, err
	}
	gw, err := guardrail.NewGateway(guardrail.GatewayConfig{Backend: guardrail.Passthrough{}, Logger: logger})
	if err != nil {
		return nil, err
	}
	return turn.New(turn.Config{
		Store:    app.Stores.Conversations,
		Executor: exec,
		Gateway:  gw,
		Audit:    app.Recorder,
		Logger:   logger.With("agent", "red-team"),
	})
}

func redTeamModel(cfg *config.Config) string {
	if cfg.RedTeam.Model != "" {
		return cfg.RedTeam.Model
	}
	return cfg.Agent.Model
}

// wireTools registers the knowledge base and booking tools. The booking
// tools are returned too so their state can be reset.
func wireTools(cfg *config.Config, kb store.KnowledgeStore, bookingStore store.BookingStore, logger *slog.Logger) (*agent.ToolRegistry, *tools.Bookings, error) {
	catalog, err := loadCatalog(cfg.Tools.FlightsPath, logger)
	if err != nil {
		return nil, nil, err
	}
	now, err := clockFor(cfg.Tools.Today)
	if err != nil {
		return nil, nil, err
	}

	bookings := tools.NewBookings(catalog, bookingStore, now)
	registry := agent.NewToolRegistry()
	if err := registry.Register(tools.NewKnowledgeBase(kb).Tools()...); err != nil {
		return nil, nil, err
	}
	if err := registry.Register(bookings.Tools()...); err != nil {
		return nil, nil, err
	}
	return registry, bookings, nil
}

func loadCatalog(path string, logger *slog.Logger) (*tools.Catalog, error) {
	if path == "" {
		logger.Warn("no flights file configured, flight search will return nothing")
		return tools.NewCatalog()
	}
	catalog, err := tools.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded flight catalog", "path", path, "flights", catalog.Len())
	return catalog, nil
}

// clockFor pins the date reported to the agent while keeping the wall-clock
// time of day. An empty day uses time.Now.
func clockFor(day string) (func() time.Time, error) {
	if day == "" {
		return time.Now, nil
	}
	pinned, err := time.ParseInLocation(time.DateOnly, day, time.Local)
	if err != nil {
		return nil, skyerr.Wrapf(err, skyerr.CodeConfigValidateInvalidValue, "parsing tools.today %q", day)
	}
	return func() time.Time {
		n := time.Now()
		return time.Date(pinned.Year(), pinned.Month(), pinned.Day(),
			n.Hour(), n.Minute(), n.Second(), n.Nanosecond(), n.Location())
	}, nil
}

func newGuardrailBackend(ctx context.Context, gc config.GuardrailConfig) (guardrail.Backend, error) {
	switch gc.Backend {
	case "codex":
		c, err := codex.New(codex.Config{APIKey: gc.APIKey, ProjectID: gc.ProjectID, BaseURL: gc.BaseURL})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "policy":
		e, err := policy.New(ctx, policy.Config{
			DeniedTools:          gc.Policy.DeniedTools,
			MaxFlightsPerBooking: gc.Policy.MaxFlightsPerBooking,
			BlockedPhrases:       gc.Policy.BlockedPhrases,
			ExpertAnswers:        gc.Policy.ExpertAnswers,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case "none", "":
		return guardrail.Passthrough{}, nil
	default:
		return nil, skyerr.Errorf(skyerr.CodeConfigValidateInvalidValue, "unknown guardrail backend %q", gc.Backend)
	}
}

func newPublishers(ac config.AuditConfig) ([]audit.Publisher, error) {
	var pubs []audit.Publisher
	if ac.Kafka.Brokers != "" {
		p, err := audit.NewKafkaPublisher(ac.Kafka.Brokers, ac.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	if ac.NATS.URL != "" {
		p, err := audit.NewNATSPublisher(ac.NATS.URL, ac.NATS.Subject)
		if err != nil {
			for _, prev := range pubs {
				_ = prev.Close()
			}
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}

// Start runs the HTTP server and blocks until the context is cancelled.
func (a *App) Start(ctx context.Context) error {
	return a.Server.Start(ctx)
}

// Close releases all resources held by the app. In-flight turns are
// drained before the stores close.
func (a *App) Close() error {
	if a.Server != nil {
		a.Server.Close()
	}
	if a.RedTeam != nil {
		a.RedTeam.Close()
	}
	if a.Turns != nil {
		a.Turns.Close()
	}

	type closer interface{ Close() error }
	var closers []closer
	if a.Recorder != nil {
		closers = append(closers, a.Recorder)
	}
	if a.Providers != nil {
		closers = append(closers, a.Providers)
	}
	if a.Stores != nil {
		closers = append(closers, a.Stores)
	}

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
