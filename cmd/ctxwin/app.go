package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/ctxwin/internal/audit"
	"github.com/basket/ctxwin/internal/bus"
	"github.com/basket/ctxwin/internal/config"
	"github.com/basket/ctxwin/internal/contextwindow"
	"github.com/basket/ctxwin/internal/models"
	"github.com/basket/ctxwin/internal/oracle"
	otelPkg "github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/persistence"
	"github.com/basket/ctxwin/internal/telemetry"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *models.Registry
	factory  *oracle.DefaultFactory
	manager  *contextwindow.Manager
	bus      *bus.Bus
	store    *persistence.Store
	journal  *audit.Journal
	provider *otelPkg.Provider
	metrics  *otelPkg.Metrics

	closers []io.Closer
}

// newApp loads config and wires logging, telemetry, the model registry, the
// oracle factory, the token cache tiers and the manager.
func newApp(ctx context.Context, quietLogs bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, bus: bus.New(), closers: []io.Closer{logCloser}}
	slog.SetDefault(logger)

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.provider = provider

	a.journal, err = audit.Open(cfg.HomeDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open error journal: %w", err)
	}
	a.closers = append(a.closers, a.journal)
	a.metrics, err = otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.registry = models.NewRegistry()
	a.registry.Replace(cfg.Models, cfg.ContextWindows)

	a.factory = oracle.NewFactory(ctx, a.registry, a.factoryConfig(cfg))

	cache, err := a.openCache(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.manager = a.newManager(cfg, cache)

	logger.Debug("ctxwin wired",
		"home", cfg.HomeDir,
		"config_fingerprint", cfg.Fingerprint(),
		"tokenizer", cfg.Tokenizer.Mode,
		"persist", cfg.TokenCache.Persist,
	)
	return a, nil
}

func (a *app) factoryConfig(cfg config.Config) oracle.FactoryConfig {
	fc := oracle.FactoryConfig{
		TokenizerMode: cfg.Tokenizer.Mode,
		Providers:     cfg.ResolvedProviders(),
		Logger:        a.logger,
		Metrics:       a.metrics,
	}
	if a.provider != nil {
		fc.Tracer = a.provider.Tracer
	}
	return fc
}

// openCache builds the bounded in-memory cache, backed by SQLite when
// token_cache.persist is on.
func (a *app) openCache(ctx context.Context, cfg config.Config) (contextwindow.TokenCache, error) {
	front := contextwindow.NewLRUCache(cfg.TokenCache.MaxEntries)
	if !cfg.TokenCache.Persist {
		return front, nil
	}
	store, err := persistence.Open(cfg.TokenCache.Path)
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	a.store = store

	if cfg.TokenCache.RetentionDays > 0 {
		n, err := store.PurgeOlderThan(ctx, cfg.TokenCache.RetentionDays)
		if err != nil {
			a.logger.Warn("token store purge failed", "error", err)
		} else if n > 0 {
			a.logger.Info("token store purged", "rows", n, "retention_days", cfg.TokenCache.RetentionDays)
		}
	}
	scoped := tokenizerScopedStore{store: store, tokenizer: cfg.Tokenizer.Mode}
	return contextwindow.NewTieredCache(front, scoped, a.logger), nil
}

// reload re-reads config.yaml and applies it. The manager is rebuilt when
// the tokenizer or cache settings change, because cached counts are
// tokenizer-specific. changed reports whether results can differ.
func (a *app) reload(ctx context.Context) (cfg config.Config, changed bool, err error) {
	next, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		return a.cfg, false, err
	}
	prev := a.cfg

	a.registry.Replace(next.Models, next.ContextWindows)
	a.factory.Reset(a.factoryConfig(next))

	if next.Tokenizer.Mode != prev.Tokenizer.Mode || next.TokenCache != prev.TokenCache {
		a.closeStore()
		cache, err := a.openCache(ctx, next)
		if err != nil {
			return a.cfg, false, err
		}
		a.manager = a.newManager(next, cache)
	} else {
		a.manager.Reconfigure(next.ManagerConfig())
	}
	a.cfg = next
	return next, next.Fingerprint() != prev.Fingerprint() || next.TokenCache != prev.TokenCache, nil
}

func (a *app) newManager(cfg config.Config, cache contextwindow.TokenCache) *contextwindow.Manager {
	mcfg := cfg.ManagerConfig()
	mcfg.Cache = cache
	mcfg.Logger = a.logger
	mcfg.Tracer = a.provider.Tracer
	mcfg.Metrics = a.metrics
	m := contextwindow.NewManager(a.registry, a.factory, mcfg)
	m.OnError(a.journal.Observer())
	m.OnError(contextwindow.BusObserver(a.bus))
	return m
}

func (a *app) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("token store close failed", "error", err)
	}
	a.store = nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	if a.provider != nil {
		if err := a.provider.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// tokenizerScopedStore keeps counts from different tokenizers apart in the
// shared SQLite table.
type tokenizerScopedStore struct {
	store     *persistence.Store
	tokenizer string
}

func (s tokenizerScopedStore) key(modelID string) string {
	return s.tokenizer + ":" + modelID
}

func (s tokenizerScopedStore) LookupTokens(modelID, role, content string) (int, bool, error) {
	return s.store.LookupTokens(s.key(modelID), role, content)
}

func (s tokenizerScopedStore) StoreTokens(modelID, role, content string, tokens int) error {
	return s.store.StoreTokens(s.key(modelID), role, content, tokens)
}
