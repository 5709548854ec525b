// Package daemon wires the engram components together and owns their
// lifecycle: the scar store, the lock manager, the session registry and its
// watcher, the vector cache with its background refresher, the assignment
// service, and the control surface gateway.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/asterlane/engram/internal/config"
	"github.com/asterlane/engram/internal/gateway"
	"github.com/asterlane/engram/internal/logger"
	"github.com/asterlane/engram/internal/observability"
	"github.com/asterlane/engram/internal/recall"
	"github.com/asterlane/engram/pkg/assign"
	"github.com/asterlane/engram/pkg/embedding"
	"github.com/asterlane/engram/pkg/lockfile"
	"github.com/asterlane/engram/pkg/registry"
	"github.com/asterlane/engram/pkg/store"
	"github.com/asterlane/engram/pkg/vectorcache"
)

// pruneSchedule is how often stale session entries are swept.
const pruneSchedule = "@every 1h"

// Daemon represents the engram daemon service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store    *store.SQLiteStore
	locks    *lockfile.Manager
	sessions *registry.Registry
	cache    *vectorcache.Manager
	assigner *assign.Service
	embedder embedding.Provider
	recaller *recall.Service

	// Services
	gatewayServer *gateway.Server
	refresher     *vectorcache.Refresher
	watcher       *registry.Watcher
	pruneCron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules initializes core modules in dependency order.
func (d *Daemon) initializeCoreModules() error {
	zl := d.logger.GetZerolog()

	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		Path:      d.config.Store.Path,
		Dimension: d.config.Store.Dimension,
		Logger:    zl,
	})
	if err != nil {
		return fmt.Errorf("failed to open scar store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("path", d.config.Store.Path).Msg("Scar store opened")

	locks, err := lockfile.New(lockfile.Config{
		Dir:           d.config.Locks.Dir,
		StaleAfter:    d.config.LockStaleAfter(),
		RetryInterval: d.config.LockRetryInterval(),
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create lock manager: %w", err)
	}
	d.locks = locks
	d.logger.Info().Msg("Lock manager initialized")

	sessions, err := registry.New(registry.Config{
		Path:        d.config.Registry.Path,
		SessionsDir: d.config.Registry.SessionsDir,
		Locks:       locks,
		LockTimeout: d.config.LockTimeout(),
		PruneAfter:  d.config.RegistryPruneAfter(),
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.sessions = sessions
	d.logger.Info().Msg("Session registry initialized")

	cache, err := vectorcache.NewManager(vectorcache.Config{
		Store:      st,
		ExportPath: d.config.Cache.ExportPath,
		TTLMinutes: d.config.Cache.TTLMinutes,
		Logger:     zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create vector cache: %w", err)
	}
	d.cache = cache
	d.logger.Info().Int("ttl_minutes", d.config.Cache.TTLMinutes).Msg("Vector cache initialized")

	assigner, err := assign.New(st, zl)
	if err != nil {
		return fmt.Errorf("failed to create assignment service: %w", err)
	}
	d.assigner = assigner

	embedder, err := newEmbedder(d.config)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	d.embedder = embedder
	d.logger.Info().Str("provider", d.config.Embedding.Provider).Msg("Embedding provider initialized")

	recaller, err := recall.New(recall.Config{
		Cache:    cache,
		Store:    st,
		Assigner: assigner,
		Embedder: embedder,
		Logger:   zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create recall service: %w", err)
	}
	d.recaller = recaller

	return nil
}

// initializeServices initializes background services.
func (d *Daemon) initializeServices() error {
	zl := d.logger.GetZerolog()

	gw, err := gateway.NewServer(gateway.Config{
		Host:          d.config.Gateway.Host,
		Port:          d.config.Gateway.Port,
		ReloadTimeout: time.Duration(d.config.Cache.ReloadTimeoutSeconds) * time.Second,
		Cache:         d.cache,
		Sessions:      d.sessions,
		Recaller:      d.recaller,
		Logger:        zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gw

	refresher, err := vectorcache.NewRefresher(
		d.cache,
		time.Duration(d.config.Cache.RefreshCheckSeconds)*time.Second,
		time.Duration(d.config.Cache.ReloadTimeoutSeconds)*time.Second,
		zl,
	)
	if err != nil {
		return fmt.Errorf("failed to create cache refresher: %w", err)
	}
	d.refresher = refresher

	watcher, err := registry.NewWatcher(d.config.Registry.Path, zl, d.onRegistryChange)
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}
	d.watcher = watcher

	d.pruneCron = cron.New()
	if _, err := d.pruneCron.AddFunc(pruneSchedule, d.pruneSessions); err != nil {
		return fmt.Errorf("failed to schedule session pruning: %w", err)
	}

	return nil
}

func newEmbedder(cfg *config.Config) (embedding.Provider, error) {
	switch cfg.Embedding.Provider {
	case "mock":
		return embedding.NewMockProvider(cfg.Store.Dimension), nil
	default:
		return embedding.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model)
	}
}

// Start starts the daemon service.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().Msg("Starting engram daemon")

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	d.logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	// Warm the cache without blocking startup: recalls fall back to the
	// remote store until the first load lands.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.config.Cache.ReloadTimeoutSeconds)*time.Second)
		defer cancel()

		meta, err := d.cache.Load(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Initial cache load failed, serving from remote store")
			return
		}
		d.logger.Info().Int("items", meta.ItemCount).Msg("Initial cache load complete")
		d.gatewayServer.Broadcast("cache.loaded", meta)
	}()

	d.refresher.Start()
	d.logger.Info().Msg("Cache refresher started")

	d.pruneCron.Start()
	d.logger.Info().Msg("Session pruning scheduled")

	// Reconcile the gauge with whatever helpers wrote while we were down.
	d.onRegistryChange()

	d.logger.Info().Msg("Engram daemon started")
	return nil
}

// Stop gracefully stops the daemon service.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping engram daemon")

	if err := d.watcher.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to stop registry watcher")
	}

	pruneCtx := d.pruneCron.Stop()
	<-pruneCtx.Done()

	d.refresher.Stop()

	if err := d.gatewayServer.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to stop gateway server")
	}

	d.cancel()
	d.wg.Wait()

	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close scar store")
	}

	d.logger.Info().Msg("Engram daemon stopped")
	return nil
}

// Wait blocks until the process receives SIGINT or SIGTERM, then stops the
// daemon.
func (d *Daemon) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	return d.Stop()
}

// onRegistryChange refreshes the session gauge and notifies subscribers
// after a helper process mutated the registry document.
func (d *Daemon) onRegistryChange() {
	entries, err := d.sessions.List()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to list sessions after registry change")
		return
	}
	observability.SetActiveSessions(len(entries))
	d.gatewayServer.Broadcast("sessions.changed", map[string]interface{}{
		"count": len(entries),
	})
}

// pruneSessions removes entries whose session directory is gone or whose
// foreign owner went silent past the pruning threshold.
func (d *Daemon) pruneSessions() {
	removed, err := d.sessions.PruneStale()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Session pruning failed")
		return
	}
	if removed > 0 {
		d.logger.Info().Int("removed", removed).Msg("Pruned stale sessions")
	}
}

// Status summarizes the daemon for the CLI.
type Status struct {
	Running   bool                   `json:"running"`
	StartedAt time.Time              `json:"started_at"`
	Uptime    string                 `json:"uptime"`
	Gateway   string                 `json:"gateway"`
	Cache     vectorcache.StatusInfo `json:"cache"`
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return Status{
		Running:   d.running,
		StartedAt: d.startTime,
		Uptime:    time.Since(d.startTime).Round(time.Second).String(),
		Gateway:   d.gatewayServer.Addr(),
		Cache:     d.cache.Status(),
	}
}
