package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/relswap/internal/auth"
	"github.com/loykin/relswap/internal/cleanup"
	"github.com/loykin/relswap/internal/history"
	"github.com/loykin/relswap/internal/history/factory"
	"github.com/loykin/relswap/internal/metrics"
	"github.com/loykin/relswap/internal/migrate"
	"github.com/loykin/relswap/internal/server"
	"github.com/loykin/relswap/internal/statuswatch"
)

// statusLookback lets serve export a status record the updater wrote just
// before this process started, without replaying older ones.
const statusLookback = time.Minute

// createServeCommand creates the serve subcommand
func createServeCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the update API server",
		Long: `Serve the update API, sweep stale update files, and export update
progress to the configured history sinks.

Examples:
  relswap serve --config relswap.toml
  RELSWAP_UPDATE_MANIFEST_URL=https://releases.example.com/manifest.json relswap serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	if cfg.Migrate.OnStart && cfg.Migrate.DSN != "" {
		res, err := runMigrations(ctx, a)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "applied", len(res.Applied), "skipped", res.Skipped)
	}

	var (
		reader  history.Reader
		closers []io.Closer
	)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if cfg.History.Enabled && len(cfg.History.DSNs) > 0 {
		sinks, r, c, err := factory.Open(cfg.History.DSNs)
		if err != nil {
			return fmt.Errorf("open history sinks: %w", err)
		}
		reader = r
		closers = append(closers, c)
		w := &statuswatch.Watcher{
			StatusPath: a.paths.StatusPath,
			Sink:       sinks,
			Logger:     logger.With("component", "statuswatch"),
			Since:      time.Now().Add(-statusLookback),
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status watcher stopped", "error", err)
			}
		}()
	}

	if cfg.Cleanup.Enabled {
		s := &cleanup.Sweeper{
			Paths: a.paths,
			Options: cleanup.Options{
				Keep:          cfg.Cleanup.KeepBackups,
				ArchiveMaxAge: cfg.Cleanup.ArchiveMaxAge,
			},
			Delay:    cfg.Cleanup.Delay,
			Schedule: cfg.Cleanup.Schedule,
			Logger:   logger.With("component", "cleanup"),
		}
		s.Start(ctx)
	}

	orch, err := a.newOrchestrator()
	if err != nil {
		return err
	}

	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authSvc, err = auth.NewService(cfg.Auth)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	opts := server.Options{BasePath: cfg.Server.BasePath, Auth: authSvc, History: reader}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	srv := server.NewServer(cfg.Server.Listen, server.NewRouter(orch, opts).Handler(),
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	tlsCfg, err := cfg.Server.TLS.Server()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relswap server listening",
			"listen", cfg.Server.Listen,
			"base", cfg.Server.BasePath,
			"root", a.paths.AppRoot,
			"atomic", a.paths.IsAtomic(),
			"tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			// certificates come from TLSConfig.GetCertificate
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrations(ctx context.Context, a *app) (migrate.Result, error) {
	r, closeDB, err := newMigrateRunner(a)
	if err != nil {
		return migrate.Result{}, err
	}
	defer closeDB()
	return r.Run(ctx)
}

func newMigrateRunner(a *app) (*migrate.Runner, func(), error) {
	mc := a.cfg.Migrate
	db, dialect, err := migrate.Open(mc.DSN)
	if err != nil {
		return nil, nil, err
	}
	dir := mc.Dir
	if dir == "" {
		dir = filepath.Join(a.paths.AppRoot, a.cfg.Layout.MigrationsDir)
	}
	lockPath := mc.LockPath
	if lockPath == "" {
		lockPath = migrate.DefaultLockPath(a.paths)
	}
	r := &migrate.Runner{
		DB:          db,
		Dialect:     dialect,
		Dir:         dir,
		LockPath:    lockPath,
		LockTimeout: mc.Timeout,
		Logger:      a.logger.With("component", "migrate"),
	}
	return r, func() { _ = db.Close() }, nil
}

