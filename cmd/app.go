package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/config"
	"github.com/iksnae/session-vault/internal/hub"
	"github.com/iksnae/session-vault/internal/store"
	"github.com/iksnae/session-vault/internal/tracing"
)

// app is everything a command needs once the config is loaded
type app struct {
	cfg    *config.Config
	store  *store.Store
	hub    *hub.Hub
	tracer *tracing.Tracer
	log    *zap.Logger
}

// loader returns the config loader. An explicit --config also roots the
// default store next to it.
func (g *globalFlags) loader() (*config.Loader, error) {
	if g.configPath != "" {
		return config.NewLoader(filepath.Dir(config.ExpandHome(g.configPath)))
	}
	return config.NewLoader("")
}

// loadConfig reads the config and applies the flag overrides
func (g *globalFlags) loadConfig() (*config.Config, error) {
	l, err := g.loader()
	if err != nil {
		return nil, err
	}
	cfg, err := l.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Store.Path = config.ExpandHome(g.dbPath)
	}
	return cfg, nil
}

// configure sets up logging and tracing from cfg
func (g *globalFlags) configure(ctx context.Context, cfg *config.Config) (*tracing.Tracer, error) {
	if err := internal.ConfigureLogging(internal.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return nil, err
	}
	if g.verbose {
		internal.SetVerbose(true)
	}
	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return tracer, nil
}

// open loads the config, opens the store and builds the hub
func (g *globalFlags) open(ctx context.Context) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	tracer, err := g.configure(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log := internal.L()

	st, err := store.Open(ctx, cfg.Store.Path, store.Options{AutoMigrate: cfg.Store.AutoMigrate, Logger: log})
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}
	reg, err := hub.BuildRegistry(cfg, hub.SourceOptions{Logger: log})
	if err != nil {
		_ = st.Close()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}
	return &app{
		cfg:    cfg,
		store:  st,
		hub:    hub.New(cfg, st, reg, hub.Options{Logger: log, Tracer: tracer}),
		tracer: tracer,
		log:    log,
	}, nil
}

// Close releases the store and flushes pending spans
func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warn("shutdown tracing", zap.Error(err))
	}
}

// withApp opens the environment around fn
func (g *globalFlags) withApp(ctx context.Context, fn func(*app) error) error {
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}
