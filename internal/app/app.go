// ABOUTME: Application context built once at startup: store, index, builtins and the orchestrator
// ABOUTME: Holds the data directory lock, reloads config on SIGHUP and shuts down gracefully

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/builtins"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/dirlock"
	"github.com/2389/coven-fleet/internal/events"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/orchestrator"
	"github.com/2389/coven-fleet/internal/orgchat"
	"github.com/2389/coven-fleet/internal/store"
	"github.com/2389/coven-fleet/internal/vectorstore"
)

// ShutdownTimeout bounds graceful shutdown once Run's context is done.
const ShutdownTimeout = 5 * time.Second

// Options configures New. Only Config is required.
type Options struct {
	Config *config.Config

	// ConfigPath is re-read on Reload. Empty disables reloading.
	ConfigPath string

	// Completers builds model clients for workers and the ask_model builtin.
	// Defaults to the Anthropic client.
	Completers builtins.CompleterFactory

	// Factory overrides the worker factory built from Completers.
	Factory agent.Factory

	Logger *slog.Logger
}

// App owns every long-lived component of a running fleet.
type App struct {
	config     *config.Config
	configPath string
	lock       *dirlock.Lock
	store      *store.SQLiteStore
	events     *events.Broadcaster
	index      *vectorstore.Store
	builtins   *mcp.BuiltinRegistry
	orch       *orchestrator.Orchestrator
	logger     *slog.Logger
}

// New locks the data directory and wires the fleet. Nothing runs until Run.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	completers := opts.Completers
	if completers == nil {
		completers = agent.NewAnthropicCompleter
	}
	factory := opts.Factory
	if factory == nil {
		factory = agent.NewFactory(completers, logger)
	}

	lock, err := dirlock.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := lock.TryLock(); err != nil {
		return nil, err
	}

	a := &App{
		config:     cfg,
		configPath: opts.ConfigPath,
		lock:       lock,
		events:     events.NewBroadcaster(logger),
		builtins:   mcp.NewBuiltinRegistry(),
		logger:     logger.With("component", "app"),
	}

	a.store, err = store.NewSQLiteStore(cfg.DatabasePath(), logger)
	if err != nil {
		a.release()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	var index orgchat.Index
	if cfg.Search.Embeddings.Enabled {
		a.index, err = vectorstore.New(cfg.DataDir, vectorstore.EmbeddingFunc(cfg.Search.Embeddings), logger)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("initializing vectorstore: %w", err)
		}
		index = a.index
		logger.Info("semantic search enabled", "model", cfg.Search.Embeddings.Model)
	}

	// The dialer resolves builtin kinds at dial time, so the registry can be
	// filled after the orchestrator that backs it exists.
	a.orch, err = orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Factory: factory,
		Dialer:  &mcp.DefaultDialer{Builtins: a.builtins},
		Store:   a.store,
		Events:  a.events,
		Index:   index,
		Logger:  logger,
	})
	if err != nil {
		a.release()
		return nil, err
	}
	if err := builtins.Register(a.builtins, a.orch.Builtins(completers)); err != nil {
		a.release()
		return nil, fmt.Errorf("registering builtin servers: %w", err)
	}

	return a, nil
}

// Orchestrator returns the fleet orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Events returns the broadcaster transports subscribe to.
func (a *App) Events() *events.Broadcaster {
	return a.events
}

// Builtins returns the registered builtin server kinds.
func (a *App) Builtins() []string {
	return a.builtins.Kinds()
}

// Run starts the fleet and blocks until ctx is canceled. SIGHUP reloads
// the configuration file.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("=== COVEN FLEET STARTING ===",
		"data_dir", a.config.DataDir,
		"sessions", len(a.config.Sessions),
		"organizations", len(a.config.Organizations),
		"builtins", a.builtins.Kinds(),
	)

	if err := a.orch.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.watchEvents(watchCtx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context canceled, initiating shutdown")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return a.Shutdown(shutdownCtx)
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				a.logger.Error("config reload failed", "error", err)
			}
		}
	}
}

// Reload re-reads the configuration file and applies it.
func (a *App) Reload(ctx context.Context) error {
	if a.configPath == "" {
		return errors.New("no config path to reload from")
	}
	next, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if next.DataDir != a.config.DataDir {
		return fmt.Errorf("data_dir cannot change while running (%s -> %s)", a.config.DataDir, next.DataDir)
	}
	if err := a.orch.ReloadConfig(ctx, next); err != nil {
		return err
	}
	a.config = next
	return nil
}

// watchEvents mirrors the event stream into the debug log.
func (a *App) watchEvents(ctx context.Context) {
	ch, _ := a.events.Subscribe(ctx, events.All)
	for ev := range ch {
		a.logger.Debug("fleet event",
			"type", ev.Type,
			"session_id", ev.SessionID,
			"org_id", ev.OrgID,
			"summary", ev.Summary,
		)
	}
}

// Shutdown stops the orchestrator and releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error
	if err := a.orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	a.events.Close()
	errs = append(errs, a.release())

	a.logger.Info("=== COVEN FLEET STOPPED ===")
	return errors.Join(errs...)
}

func (a *App) release() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if err := a.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}
	return errors.Join(errs...)
}
