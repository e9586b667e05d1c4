// Package app wires the nostrid runtime: config, logging, the ledger, the
// per-domain registry, the coordinator, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"nostrid/cmd/internal/api"
	"nostrid/cmd/internal/atomicfile"
	"nostrid/cmd/internal/coordinator"
	"nostrid/cmd/internal/names"
	"nostrid/cmd/internal/wellknown"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// App is the nostrid runtime. Bootstrap builds it; Run serves it.
type App struct {
	cfg Config
	log Logger

	ledger    ledgerHandle
	registry  *names.Registry
	coord     *coordinator.Coordinator
	wellKnown *wellknown.Handler
	metrics   *prometheus.Registry
	handler   http.Handler
}

// Bootstrap runs the startup sequence: open and migrate the ledger, clear
// interrupted writes, create per-domain files, fold in the legacy file, and
// wire the coordinator. A ledger migration failure is fatal.
func Bootstrap(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	l, err := openLedger(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, ledger: l}

	if err := a.bootstrap(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) bootstrap(ctx context.Context) error {
	if err := a.ledger.Migrate(ctx); err != nil {
		a.log.Error("db.migrate.fail", "err", err)
		return fmt.Errorf("migrating ledger: %w", err)
	}

	fsys := afero.NewOsFs()
	if err := fsys.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	a.registry = names.New(a.cfg.DataDir, atomicfile.New(fsys), a.log)

	if _, err := a.registry.CleanupOrphans(); err != nil {
		return fmt.Errorf("cleaning orphaned temp files: %w", err)
	}

	for _, domain := range a.cfg.Domains.Names() {
		if err := a.registry.EnsureDomain(domain); err != nil {
			return fmt.Errorf("preparing domain %s: %w", domain, err)
		}
	}

	if _, err := a.registry.MigrateLegacy(a.cfg.LegacyFile, a.cfg.Domains); err != nil {
		return fmt.Errorf("migrating legacy file: %w", err)
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	a.coord, err = coordinator.New(a.registry, a.ledger, a.cfg.Domains,
		coordinator.WithLogger(a.log),
		coordinator.WithMetrics(coordinator.NewMetrics(a.metrics)),
		coordinator.OnChange(a.invalidate),
	)
	if err != nil {
		return err
	}
	a.wellKnown = wellknown.NewHandler(a.coord, a.cfg.Domains, a.cfg.PublicCacheTTL, a.log)

	var opts []api.HandlerOption
	if a.cfg.LNbitsURL != "" {
		v, err := api.NewLNbitsVerifier(a.cfg.LNbitsURL, a.cfg.LNbitsKey, nil)
		if err != nil {
			return err
		}
		opts = append(opts, api.WithPaymentVerifier(v))
	}
	apiCfg := api.DefaultConfig()
	apiCfg.AdminKey = a.cfg.AdminAPIKey
	apiCfg.TrustProxy = a.cfg.TrustProxy

	a.handler = newRouter(routes{
		log:       a.log,
		cfg:       a.cfg,
		ledger:    a.ledger,
		gatherer:  a.metrics,
		wellKnown: a.wellKnown,
		api:       api.NewHandler(a.log, a.coord, apiCfg, opts...),
	})

	a.log.Info("app.bootstrap.ok",
		"data_dir", a.cfg.DataDir,
		"domains", a.cfg.Domains.Names(),
		"primary", a.cfg.Domains.Primary().Name,
		"ledger", string(a.ledger.backend),
	)
	return nil
}

func (a *App) invalidate(domain string) {
	if a.wellKnown != nil {
		a.wellKnown.Invalidate(domain)
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Coordinator returns the registry coordinator.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Close releases the ledger.
func (a *App) Close() error {
	return a.ledger.Close()
}

// Run serves HTTP (and watches the registry files) until ctx is cancelled or
// a component fails, then shuts down gracefully and releases the ledger.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.Close(); err != nil {
			a.log.Error("ledger.close.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "ledger", string(a.ledger.backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.cfg.WatchFiles {
		w, err := a.newWatcher()
		if err != nil {
			// Without the watcher, out-of-band edits show up after the cache TTL.
			a.log.Warn("wellknown.watch.disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) newWatcher() (*wellknown.Watcher, error) {
	dirs := make(map[string]string)
	for _, d := range a.cfg.Domains.Names() {
		dirs[a.registry.WellKnownDir(d)] = d
	}
	file := filepath.Base(a.registry.Path(a.cfg.Domains.Primary().Name))
	return wellknown.NewWatcher(dirs, file, a.invalidate, a.log)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
