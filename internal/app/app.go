// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/agent"
	"github.com/bonjohen/ai-swarm-sub000/internal/commands"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/dispatch"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
	"github.com/bonjohen/ai-swarm-sub000/internal/storage"
	"github.com/bonjohen/ai-swarm-sub000/internal/telemetry"
)

// App holds every long-lived component built from one configuration.
type App struct {
	Registry     *provider.Registry
	Router       *router.Router
	Commands     *commands.Registry
	Dispatcher   *dispatch.Dispatcher
	Agents       *agent.Registry
	Orchestrator *orchestrator.Orchestrator
	Store        storage.CheckpointStore
	Stats        *telemetry.MemorySink
	Health       *provider.HealthChecker

	mu      sync.RWMutex
	cfg     *config.Config
	sink    telemetry.Sink
	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	adapters map[string]model.Model
	tier1    model.Model
	tier2    model.Model
	agents   map[string]agent.Agent
	store    storage.CheckpointStore
	sinks    []telemetry.Sink
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithAdapter serves the named provider with m instead of building an
// adapter from its kind.
func WithAdapter(name string, m model.Model) Option {
	return func(o *options) { o.adapters[name] = m }
}

// WithTier1 replaces the configured classifier model.
func WithTier1(m model.Model) Option {
	return func(o *options) { o.tier1 = m }
}

// WithTier2 replaces the configured reasoning model.
func WithTier2(m model.Model) Option {
	return func(o *options) { o.tier2 = m }
}

// WithAgent registers a programmatic agent next to the configured ones.
func WithAgent(name string, a agent.Agent) Option {
	return func(o *options) { o.agents[name] = a }
}

// WithStore replaces the configured checkpoint backend.
func WithStore(s storage.CheckpointStore) Option {
	return func(o *options) { o.store = s }
}

// WithExtraSink adds a telemetry sink.
func WithExtraSink(s telemetry.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithSleep replaces the orchestrator's retry sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// New builds the application from cfg. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{
		adapters: make(map[string]model.Model),
		agents:   make(map[string]agent.Agent),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	counter, err := a.capCounter(ctx)
	if err != nil {
		return nil, err
	}
	a.Registry = provider.NewRegistry(provider.Config{DailyCap: cfg.Tier3.DailyCap, Counter: counter})
	if err := a.registerProviders(ctx, o.adapters); err != nil {
		return nil, err
	}
	a.Router = router.New(a.Registry, cfg.Escalation)
	a.Health = provider.NewHealthChecker(a.Registry, time.Minute, 5*time.Second)

	if err := a.openSinks(ctx, o.sinks); err != nil {
		return nil, err
	}

	a.Commands = commands.NewRegistry(commands.Options{CertGraph: cfg.Dispatch.CertGraph})
	tier1, tier2 := o.tier1, o.tier2
	if tier1 == nil {
		tier1 = tierModel(ctx, "tier1", cfg.Tier1, cfg.Offline)
	}
	if tier2 == nil {
		tier2 = tierModel(ctx, "tier2", cfg.Tier2, cfg.Offline)
	}
	dopts := []dispatch.Option{
		dispatch.WithCommands(a.Commands),
		dispatch.WithProviders(a.Registry),
		dispatch.WithSink(a.sink),
	}
	if tier1 != nil {
		dopts = append(dopts, dispatch.WithTier1(tier1))
	}
	if tier2 != nil {
		dopts = append(dopts, dispatch.WithTier2(tier2))
	}
	a.Dispatcher = dispatch.New(DispatchConfig(cfg), dopts...)

	a.Agents, err = buildAgents(cfg.Agents)
	if err != nil {
		return nil, err
	}
	for name, ag := range o.agents {
		a.Agents.Register(name, ag)
	}

	a.Store = o.store
	if a.Store == nil {
		if a.Store, err = a.openStore(); err != nil {
			return nil, err
		}
	}

	oopts := []orchestrator.Option{
		orchestrator.WithRouter(a.Router),
		orchestrator.WithCheckpoints(a.Store),
		orchestrator.WithSink(a.sink),
		orchestrator.WithBudget(cfg.Budget),
		orchestrator.WithMaxOnFailCycles(cfg.Orchestrator.MaxOnFailCycles),
	}
	if name := cfg.Orchestrator.DefaultModel; name != "" {
		e, _ := a.Registry.Get(name)
		oopts = append(oopts, orchestrator.WithDefaultModel(e.Model))
	}
	if o.sleep != nil {
		oopts = append(oopts, orchestrator.WithSleep(o.sleep))
	}
	a.Orchestrator = orchestrator.New(a.Agents, oopts...)

	ok = true
	return a, nil
}

// Close releases stores and connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Sink returns the combined telemetry sink.
func (a *App) Sink() telemetry.Sink {
	return a.sink
}

// =============================================================================
// WIRING
// =============================================================================

func (a *App) capCounter(ctx context.Context) (provider.CapCounter, error) {
	c := a.cfg.Cap
	if c.Backend != config.BackendRedis {
		return provider.NewMemoryCounter(), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	a.closers = append(a.closers, rdb)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", c.RedisAddr, err)
	}
	return provider.NewRedisCounter(rdb, c.KeyPrefix), nil
}

func (a *App) openSinks(ctx context.Context, extra []telemetry.Sink) error {
	t := a.cfg.Telemetry
	a.Stats = telemetry.NewMemorySink(t.MemoryCapacity)
	sinks := telemetry.MultiSink{a.Stats, telemetry.LogSink{Debug: true}}

	if t.ArchiveDir != "" {
		archive, err := telemetry.NewArchive(t.ArchiveDir)
		if err != nil {
			return err
		}
		if t.RetentionDays > 0 {
			cutoff := time.Now().UTC().AddDate(0, 0, -t.RetentionDays)
			if n, err := archive.DeleteBefore(cutoff); err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "archive retention failed"}, log.KV{K: "err", V: err.Error()})
			} else if n > 0 {
				log.Info(ctx, log.KV{K: "msg", V: "archive retention"}, log.KV{K: "deleted", V: n})
			}
		}
		sinks = append(sinks, archive)
	}
	if t.SQLitePath != "" || a.cfg.Orchestrator.CheckpointBackend == config.BackendSQLite {
		db, err := a.sqlite()
		if err != nil {
			return err
		}
		sinks = append(sinks, db)
	}
	a.sink = append(sinks, extra...)
	return nil
}

// sqlite opens the shared database once.
func (a *App) sqlite() (*storage.SQLiteStore, error) {
	for _, c := range a.closers {
		if db, ok := c.(*storage.SQLiteStore); ok {
			return db, nil
		}
	}
	path := a.cfg.Telemetry.SQLitePath
	if path == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "swarm.db")
	}
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db)
	return db, nil
}

func (a *App) openStore() (storage.CheckpointStore, error) {
	switch a.cfg.Orchestrator.CheckpointBackend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil
	case config.BackendSQLite:
		return a.sqlite()
	default:
		dir := a.cfg.Orchestrator.CheckpointDir
		if dir == "" {
			base, err := config.ConfigDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(base, "checkpoints")
		}
		return storage.NewFileStore(dir)
	}
}

// DispatchConfig converts the file configuration into dispatcher limits.
func DispatchConfig(cfg *config.Config) dispatch.Config {
	tier := func(concurrency, acquire, timeout int) dispatch.TierLimits {
		return dispatch.TierLimits{
			Concurrency:    concurrency,
			AcquireTimeout: config.Seconds(acquire),
			CallTimeout:    config.Seconds(timeout),
		}
	}
	strategy, _ := provider.ParseStrategy(cfg.Tier3.Strategy)
	return dispatch.Config{
		MaxInputLength:      cfg.Dispatch.MaxInputLength,
		ConfidenceThreshold: cfg.Dispatch.ConfidenceThreshold,
		CompositeThreshold:  cfg.Dispatch.CompositeThreshold,
		QualityThreshold:    cfg.Dispatch.QualityThreshold,
		Weights:             cfg.Dispatch.Weights,
		MaxReasks:           cfg.Dispatch.MaxReasks,
		Tier1:               tier(cfg.Tier1.Concurrency, cfg.Tier1.AcquireTimeoutSecs, cfg.Tier1.TimeoutSecs),
		Tier2:               tier(cfg.Tier2.Concurrency, cfg.Tier2.AcquireTimeoutSecs, cfg.Tier2.TimeoutSecs),
		Tier3: dispatch.Tier3Config{
			TierLimits: tier(cfg.Tier3.Concurrency, cfg.Tier3.AcquireTimeoutSecs, cfg.Tier3.TimeoutSecs),
			Strategy:   strategy,
			Requirements: provider.Requirements{
				MinQuality:   cfg.Tier3.MinQuality,
				MaxCostPer1K: cfg.Tier3.MaxCostPer1K,
			},
			MaxAttempts: cfg.Tier3.MaxAttempts,
		},
	}
}

// =============================================================================
// RELOAD
// =============================================================================

// Apply installs a reloaded configuration. Thresholds, escalation
// criteria, the daily cap and provider metadata take effect for the next
// dispatch or node; adapters, stores and in-flight runs are untouched.
// Providers added or removed in the file need a restart.
func (a *App) Apply(ctx context.Context, cfg *config.Config) {
	a.Dispatcher.UpdateConfig(DispatchConfig(cfg))
	a.Router.SetCriteria(cfg.Escalation)
	a.Registry.SetDailyCap(cfg.Tier3.DailyCap)
	for _, p := range cfg.Providers {
		if err := a.Registry.UpdateMetadata(entryFor(p)); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "provider added in config; restart to register it"}, log.KV{K: "provider", V: p.Name})
		}
	}
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	log.Info(ctx, log.KV{K: "msg", V: "configuration applied"})
}

// Watch reloads the configuration at path on change and applies it until
// ctx is cancelled. Invalid files are logged and ignored by the watcher.
func (a *App) Watch(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, config.WithGlobalUpdate())
	if err != nil {
		return err
	}
	defer w.Close()
	w.Subscribe(func(cfg *config.Config) { a.Apply(ctx, cfg) })
	w.Run(ctx)
	return nil
}
