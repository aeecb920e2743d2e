package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/relswap/internal/config"
	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/orchestrator"
	"github.com/loykin/relswap/internal/supervisor"
	"github.com/loykin/relswap/pkg/client"
)

// app is the loaded configuration plus what every command derives from it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
	paths  layout.Paths
}

func loadApp(g *GlobalFlags) (*app, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	logger, closer, err := cfg.Log.New(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger, closer: closer, paths: resolvePaths(cfg)}, nil
}

func (a *app) Close() {
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

// resolvePaths starts the app root search at update.app_root, or at the
// directory of the running executable.
func resolvePaths(cfg *config.Config) layout.Paths {
	start := cfg.Update.AppRoot
	if start == "" {
		if exe, err := os.Executable(); err == nil {
			start = filepath.Dir(exe)
		} else {
			start, _ = os.Getwd()
		}
	}
	return layout.Resolve(layout.FindAppRoot(start, cfg.Layout))
}

// newOrchestrator wires the install pipeline for cfg. The updater is
// registered with the supervisor when a service name is configured and
// spawned detached otherwise.
func (a *app) newOrchestrator() (*orchestrator.Orchestrator, error) {
	u := a.cfg.Update
	childEnv, err := a.cfg.ChildEnv()
	if err != nil {
		return nil, err
	}
	ocfg := orchestrator.Config{
		ManifestURL:    u.ManifestURL,
		Supervisor:     u.Supervisor,
		StartCommand:   u.StartCommand,
		Keep:           u.KeepBackups,
		Env:            childEnv,
		InstallCommand: u.InstallCommand,
		InstallTimeout: u.InstallTimeout,
	}
	if !u.Direct() {
		ocfg.ServiceName = u.ServiceName
	}
	o := orchestrator.New(ocfg, a.paths, u.CheckTTL, a.logger)
	if u.HTTPTimeout > 0 {
		o.HTTP.Timeout = u.HTTPTimeout
	}
	if !u.Direct() {
		preset, err := supervisor.PresetByName(u.Supervisor)
		if err != nil {
			return nil, err
		}
		o.Launcher = supervisor.NewCLI(preset)
		o.Config.SelfName = u.UpdaterName
	}
	return o, nil
}

func (f *RemoteFlags) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  f.APIUrl,
		Timeout:  f.APITimeout,
		Token:    f.Token,
		Username: f.Username,
		Password: f.Password,
		Insecure: f.Insecure,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cfg)
}
