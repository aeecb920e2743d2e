// Package orchestrator prepares an update inside the running server and hands
// it to the updater process: download, verify, extract, install
// dependencies, stage the updater and launch it with the install lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/relswap/internal/env"
	"github.com/loykin/relswap/internal/fetch"
	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/lock"
	"github.com/loykin/relswap/internal/manifest"
	"github.com/loykin/relswap/internal/metrics"
	"github.com/loykin/relswap/internal/stage"
	"github.com/loykin/relswap/internal/status"
	"github.com/loykin/relswap/internal/supervisor"
	"github.com/loykin/relswap/internal/updater"
)

var (
	ErrNotConfigured = errors.New("update manifest URL is not configured")
	ErrWrongLayout   = errors.New("server is not running from a current/ directory")
)

// Config is the static part of an orchestrator.
type Config struct {
	ManifestURL  string
	Supervisor   string // preset passed to the updater
	ServiceName  string // empty selects direct mode with this process's PID
	StartCommand []string
	Keep         int
	// SelfName is the temporary supervisor registration of the updater;
	// empty when the launcher does not register it.
	SelfName string
	// Env overrides applied on top of the server's own environment for
	// extraction, dependency install and the updater.
	Env            []string
	InstallCommand []string
	InstallTimeout time.Duration
}

// Orchestrator runs installs, checks and status reads against one layout.
type Orchestrator struct {
	Config Config
	Paths  layout.Paths

	HTTP      *http.Client
	Cache     *manifest.Cache
	Extractor stage.Extractor
	Installer stage.Installer
	Launcher  supervisor.Launcher
	Logger    *slog.Logger

	// UpdaterSources lists directories searched, in order, for the updater
	// executable after the new and current releases' bin/ directories.
	UpdaterSources []string

	PID   int
	NewID func() string
}

// New builds an orchestrator with a manifest cache of ttl.
func New(cfg Config, paths layout.Paths, ttl time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	childEnv := env.New(true).Set("NODE_ENV", "production").Apply(cfg.Env).List()
	runner := stage.Runner{Env: childEnv, Timeout: cfg.InstallTimeout, Logger: logger}
	o := &Orchestrator{
		Config:    cfg,
		Paths:     paths,
		HTTP:      &http.Client{Timeout: 10 * time.Minute},
		Extractor: stage.ZipExtractor{Runner: runner},
		Installer: stage.CommandInstaller{Command: cfg.InstallCommand, Runner: runner},
		Launcher:  supervisor.Detached{},
		Logger:    logger,
		PID:       os.Getpid(),
	}
	if exe, err := os.Executable(); err == nil {
		o.UpdaterSources = []string{filepath.Dir(exe)}
	}
	o.Cache = manifest.NewCache(ttl, o.fetchManifest)
	return o
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) fetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	if o.Config.ManifestURL == "" {
		return nil, ErrNotConfigured
	}
	client := o.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	m, err := manifest.Fetch(ctx, client, o.Config.ManifestURL)
	metrics.IncManifestFetch(err == nil)
	return m, err
}

func (o *Orchestrator) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// InstallResult is the body of the install endpoint.
type InstallResult struct {
	Started       bool    `json:"started"`
	TargetVersion *string `json:"targetVersion"`
	Message       string  `json:"message"`
	Error         string  `json:"error,omitempty"`
	ErrorDetails  string  `json:"errorDetails,omitempty"`
	RequestID     string  `json:"requestId,omitempty"`
}

// Install prepares the release and launches the updater. On success the
// lock belongs to the updater; on any error before the launch the lock is
// released and archives or staged releases are left for the sweeper.
func (o *Orchestrator) Install(ctx context.Context) (res InstallResult, err error) {
	id := o.newID()
	res.RequestID = id
	log := o.logger().With("request", id)
	defer func() {
		outcome := "started"
		if err != nil {
			outcome = outcomeOf(err)
			res.Started = false
			res.TargetVersion = nil
			res.Message = err.Error()
			res.Error = err.Error()
			if StatusCode(err) == http.StatusInternalServerError {
				res.ErrorDetails = Describe(err).String()
			}
			log.Error("install failed", "error", err)
		}
		metrics.IncInstall(outcome)
	}()

	if o.Config.ManifestURL == "" {
		return res, ErrNotConfigured
	}
	p := o.Paths
	log.Info("install starting", "appRoot", p.AppRoot, "installBase", p.InstallBase)
	if !p.IsAtomic() {
		return res, fmt.Errorf("%w: %s", ErrWrongLayout, p.AppRoot)
	}
	for _, dir := range []string{p.UpdatesDir, p.ReleasesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, err
		}
	}

	l, err := lock.Acquire(p.LockPath)
	if err != nil {
		return res, err
	}
	metrics.SetLockHeld(true)
	defer func() {
		if err != nil {
			l.Release()
			metrics.SetLockHeld(false)
		}
	}()

	m, err := o.Cache.Get(ctx, true)
	if err != nil {
		return res, err
	}
	v := m.Version
	log = log.With("version", v)
	log.Info("manifest fetched", "asset", m.AssetName)

	archive := p.ArchivePath(v)
	if err := o.download(ctx, m, archive, log); err != nil {
		return res, err
	}

	dest := p.ReleaseDir(v)
	log.Info("extracting", "dest", dest)
	if err := o.Extractor.Extract(ctx, archive, dest); err != nil {
		return res, err
	}
	log.Info("installing dependencies", "dir", dest)
	if err := o.Installer.Install(ctx, dest); err != nil {
		return res, err
	}

	exe, err := o.stageUpdater(v)
	if err != nil {
		return res, err
	}

	opts := updater.Options{
		Base:         p.InstallBase,
		Version:      v,
		LockPath:     l.Path(),
		LogPath:      p.UpdaterLogPath(v, id),
		ServiceName:  o.Config.ServiceName,
		Supervisor:   o.Config.Supervisor,
		StartCommand: o.Config.StartCommand,
		Keep:         o.Config.Keep,
		SelfName:     o.Config.SelfName,
	}
	if opts.ServiceName == "" {
		opts.ServerPID = o.PID
	}
	name := o.Config.SelfName
	if name == "" {
		name = layout.UpdaterName
	}
	log.Info("launching updater", "exe", exe, "log", opts.LogPath)
	pid, err := o.Launcher.Launch(ctx, supervisor.LaunchSpec{
		Name:    name,
		Program: exe,
		Args:    opts.Args(),
		Dir:     p.InstallBase,
		LogPath: opts.LogPath,
		Env:     o.Config.Env,
	})
	if err != nil {
		return res, err
	}
	l.Handoff()
	log.Info("updater launched", "pid", pid)

	res.Started = true
	res.TargetVersion = &v
	res.Message = "Update downloaded. Installing; the app may restart shortly."
	return res, nil
}

func (o *Orchestrator) download(ctx context.Context, m *manifest.Manifest, archive string, log *slog.Logger) error {
	client := o.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	log.Info("downloading", "url", m.AssetURL, "target", archive)
	n, err := fetch.DownloadToFile(ctx, client, m.AssetURL, archive)
	if err != nil {
		return err
	}
	if err := fetch.Verify(archive, m.AssetSHA256); err != nil {
		_ = os.Remove(archive)
		return err
	}
	log.Info("archive verified", "bytes", n)
	return nil
}

// stageUpdater copies the updater executable into .updates/ so it keeps
// running while current/ is replaced. The new release's copy is preferred
// so an update also updates the updater.
func (o *Orchestrator) stageUpdater(version string) (string, error) {
	exe := layout.ExecutableName(layout.UpdaterName)
	candidates := []string{
		filepath.Join(o.Paths.ReleaseDir(version), "bin", exe),
		filepath.Join(o.Paths.Current, "bin", exe),
	}
	for _, dir := range o.UpdaterSources {
		candidates = append(candidates, filepath.Join(dir, exe))
	}
	target := o.Paths.UpdaterPath()
	for _, src := range candidates {
		st, err := os.Stat(src)
		if err != nil || st.IsDir() {
			continue
		}
		if err := copyExecutable(src, target); err != nil {
			return "", fmt.Errorf("stage updater from %s: %w", src, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("updater executable not found; looked in: %s", strings.Join(candidates, ", "))
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// CheckResult is the body of the check endpoint.
type CheckResult struct {
	UpdateAvailable bool               `json:"updateAvailable"`
	CurrentVersion  *string            `json:"currentVersion"`
	LatestVersion   *string            `json:"latestVersion"`
	ReleasedAt      *string            `json:"releasedAt"`
	Notes           *string            `json:"notes"`
	Latest          *manifest.Manifest `json:"latest,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// Check compares the running version with the manifest. Errors are reported
// in the result; force bypasses the cache.
func (o *Orchestrator) Check(ctx context.Context, force bool) CheckResult {
	var res CheckResult
	if cur, err := layout.ReadVersion(o.Paths.AppRoot); err == nil {
		res.CurrentVersion = &cur
	}
	if o.Config.ManifestURL == "" {
		res.Error = ErrNotConfigured.Error()
		return res
	}
	m, err := o.Cache.Get(ctx, force)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Latest = m
	res.LatestVersion = &m.Version
	res.ReleasedAt = &m.ReleasedAt
	if m.Notes != "" {
		res.Notes = &m.Notes
	}
	res.UpdateAvailable = res.CurrentVersion != nil && manifest.Compare(*res.CurrentVersion, m.Version) < 0
	return res
}

// StatusResult is the body of the status endpoint.
type StatusResult struct {
	LockExists     bool          `json:"lockExists"`
	LockPath       *string       `json:"lockPath"`
	LockContents   *string       `json:"lockContents"`
	LockOwner      *lock.Info    `json:"lockOwner,omitempty"`
	Status         status.Record `json:"status"`
	StatusPath     *string       `json:"statusPath"`
	CurrentVersion *string       `json:"currentVersion"`
}

// Status reports the lock and the last status record. It never fails; an
// unreadable status file reads as idle with the error in Status.Error.
func (o *Orchestrator) Status() StatusResult {
	p := o.Paths
	var res StatusResult
	if lock.Exists(p.LockPath) {
		res.LockExists = true
		res.LockPath = &p.LockPath
		info, raw, err := lock.Inspect(p.LockPath)
		if err == nil || raw != "" {
			res.LockContents = &raw
		}
		if err == nil {
			res.LockOwner = &info
		}
	}
	metrics.SetLockHeld(res.LockExists)

	rec, err := status.Read(p.StatusPath)
	if err != nil {
		rec = status.Record{Step: status.StepIdle, Error: err.Error()}
	}
	res.Status = rec
	if _, err := os.Stat(p.StatusPath); err == nil {
		res.StatusPath = &p.StatusPath
	}
	if cur, err := layout.ReadVersion(p.AppRoot); err == nil {
		res.CurrentVersion = &cur
	}
	return res
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, lock.ErrHeld):
		return "locked"
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrWrongLayout):
		return "rejected"
	default:
		return "failed"
	}
}
