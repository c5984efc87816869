package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/persona"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
	"github.com/nugget/parley/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the components shared by serve and ask.
type app struct {
	llm       llm.Client
	providers map[string]llm.Client
	personas *persona.Registry
	tools    *tools.Registry
	router   *router.Router
	sessions *session.MemoryStore
	locker   *session.Locker
	sweeper  *session.Sweeper
	loop     *agent.Loop
	usage    *usage.Store // nil when data_dir is empty
	bus      *events.Bus
}

// newApp builds every component from cfg. Call Close when done.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{bus: events.NewBus()}

	client, providers, err := newLLMClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.llm, a.providers = client, providers

	a.personas, err = persona.Load(cfg.PersonasDir, cfg.DefaultPersona)
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	logger.Info("personas loaded", "ids", a.personas.IDs(), "default", a.personas.Default().ID)

	a.tools = tools.NewRegistry(tools.Options{Location: cfg.Location()}, logger.With("component", "tools"))

	a.router = router.NewRouter(logger.With("component", "router"), client, a.personas, router.Config{
		Model:       cfg.Models.Router,
		Timeout:     cfg.Turn.UpstreamTimeout.Std(),
		MaxAuditLog: cfg.Router.MaxAuditLog,
	})

	a.sessions = session.NewMemoryStore()
	a.locker = session.NewLocker(cfg.Turn.QueueWait.Std())
	a.sweeper = session.NewSweeper(a.sessions, cfg.Sessions.IdleTTL.Std(), cfg.Sessions.SweepInterval.Std(),
		a.locker.Held, logger.With("component", "sweeper"))

	a.loop = agent.NewLoop(logger.With("component", "agent"), client, a.router, a.personas, a.tools,
		a.sessions, a.locker, agent.Config{
			Model:           cfg.Models.Default,
			TurnTimeout:     cfg.Turn.Timeout.Std(),
			UpstreamTimeout: cfg.Turn.UpstreamTimeout.Std(),
		})
	a.loop.AddObserver(a.bus)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		a.usage, err = usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
		if err != nil {
			return nil, err
		}
		a.loop.SetUsageRecorder(a.usage)
	}

	return a, nil
}

// Close releases the usage database.
func (a *app) Close() {
	if a.usage != nil {
		_ = a.usage.Close()
	}
}

// newLLMClient builds one client per provider and routes each model to
// its provider. Models not listed under models.available go to
// models.provider. The per-provider clients are returned for health
// probing.
func newLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, map[string]llm.Client, error) {
	providers := map[string]llm.Client{
		"ollama": llm.NewOllamaClient(cfg.Models.OllamaURL, logger.With("provider", "ollama")),
	}

	if cfg.Gemini.APIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, llm.GeminiOptions{
			APIKey:     cfg.Gemini.APIKey,
			HTTPClient: httpkit.NewClient(httpkit.WithLogger(logger)),
		}, logger.With("provider", "gemini"))
		if err != nil {
			return nil, nil, err
		}
		providers["gemini"] = gemini
	}

	fallback, ok := providers[cfg.Models.Provider]
	if !ok {
		return nil, nil, fmt.Errorf("models.provider %q is not configured", cfg.Models.Provider)
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi, providers, nil
}
