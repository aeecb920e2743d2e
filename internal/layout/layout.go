// Package layout resolves the on-disk installation layout shared by the
// install orchestrator and the updater.
//
//	installBase/
//	  current/                        active release
//	  releases/<version>/             staged next release
//	  previous-<version>-<stamp>/     retained backups
//	  .updates/                       lock, status, archives, updater binary
//
// The directory structure is the contract between the two processes and must
// not change between versions.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	CurrentDir   = "current"
	ReleasesDir  = "releases"
	UpdatesDir   = ".updates"
	BackupPrefix = "previous-"
	LockFile     = "install.lock"
	StatusFile   = "status.json"
	ArchiveExt   = ".zip"
	UpdaterName  = "relswap-updater"
)

// Signature names the files that identify an application root.
type Signature struct {
	Manifest      string `mapstructure:"manifest"`
	Entry         string `mapstructure:"entry"`
	ServerDir     string `mapstructure:"server_dir"`
	ClientDir     string `mapstructure:"client_dir"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// DefaultSignature matches a node build output with drizzle migrations.
func DefaultSignature() Signature {
	return Signature{
		Manifest:      "package.json",
		Entry:         filepath.Join("build", "index.js"),
		ServerDir:     filepath.Join("build", "server"),
		ClientDir:     filepath.Join("build", "client"),
		MigrationsDir: "drizzle",
	}
}

func (s Signature) withDefaults() Signature {
	d := DefaultSignature()
	if s.Manifest == "" {
		s.Manifest = d.Manifest
	}
	if s.Entry == "" {
		s.Entry = d.Entry
	}
	if s.ServerDir == "" {
		s.ServerDir = d.ServerDir
	}
	if s.ClientDir == "" {
		s.ClientDir = d.ClientDir
	}
	if s.MigrationsDir == "" {
		s.MigrationsDir = d.MigrationsDir
	}
	return s
}

// hasBuild reports whether dir holds the entry point plus server and client assets.
func (s Signature) hasBuild(dir string) bool {
	return isFile(filepath.Join(dir, s.Entry)) &&
		isDir(filepath.Join(dir, s.ServerDir)) &&
		isDir(filepath.Join(dir, s.ClientDir))
}

// FindAppRoot walks upward from start. A directory literally named current
// holding a complete build wins; otherwise the nearest ancestor with the
// project manifest plus migrations or a build. If nothing matches, start is
// returned unchanged.
func FindAppRoot(start string, sig Signature) string {
	sig = sig.withDefaults()
	abs, err := filepath.Abs(start)
	if err != nil {
		return start
	}

	for dir := abs; ; {
		if isCurrentDir(dir) && sig.hasBuild(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	for dir := abs; ; {
		if isFile(filepath.Join(dir, sig.Manifest)) &&
			(isDir(filepath.Join(dir, sig.MigrationsDir)) || sig.hasBuild(dir)) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return abs
}

// Paths are the derived locations for one installation.
type Paths struct {
	AppRoot     string
	InstallBase string
	Current     string
	UpdatesDir  string
	ReleasesDir string
	LockPath    string
	StatusPath  string
}

// Resolve derives the layout paths from an application root.
func Resolve(appRoot string) Paths {
	base := appRoot
	if isCurrentDir(appRoot) {
		base = filepath.Dir(appRoot)
	}
	return ForBase(base, appRoot)
}

// ForBase builds the paths for an install base directly; used by the updater,
// which is handed the base on its command line.
func ForBase(base, appRoot string) Paths {
	updates := filepath.Join(base, UpdatesDir)
	if appRoot == "" {
		appRoot = filepath.Join(base, CurrentDir)
	}
	return Paths{
		AppRoot:     appRoot,
		InstallBase: base,
		Current:     filepath.Join(base, CurrentDir),
		UpdatesDir:  updates,
		ReleasesDir: filepath.Join(base, ReleasesDir),
		LockPath:    filepath.Join(updates, LockFile),
		StatusPath:  filepath.Join(updates, StatusFile),
	}
}

// IsAtomic reports whether the app runs from the current/ layout.
func (p Paths) IsAtomic() bool {
	return isCurrentDir(p.AppRoot)
}

func isCurrentDir(path string) bool {
	return namesCurrent(filepath.Base(path), runtime.GOOS)
}

// namesCurrent matches the current/ directory name. Windows file names are
// case-insensitive, so Current\ counts there.
func namesCurrent(name, goos string) bool {
	if goos == "windows" {
		return strings.EqualFold(name, CurrentDir)
	}
	return name == CurrentDir
}

func (p Paths) ReleaseDir(version string) string {
	return filepath.Join(p.ReleasesDir, version)
}

func (p Paths) ArchivePath(version string) string {
	return filepath.Join(p.UpdatesDir, version+ArchiveExt)
}

// UpdaterPath is where the updater executable is staged, outside current/.
func (p Paths) UpdaterPath() string {
	return filepath.Join(p.UpdatesDir, ExecutableName(UpdaterName))
}

func (p Paths) UpdaterLogPath(version, requestID string) string {
	return filepath.Join(p.UpdatesDir, fmt.Sprintf("updater-%s-%s.log", version, requestID))
}

// BackupDir returns the backup path for the release currently holding version.
func (p Paths) BackupDir(version string, at time.Time) string {
	return filepath.Join(p.InstallBase, BackupName(version, at))
}

// BackupName builds previous-<version>-<stamp>, where stamp is the UTC
// timestamp with ':' and '.' replaced so it is a valid file name everywhere.
func BackupName(version string, at time.Time) string {
	stamp := at.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return BackupPrefix + version + "-" + stamp
}

// ExecutableName appends .exe on Windows.
func ExecutableName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		return name + ".exe"
	}
	return name
}

// ReadVersion returns the version field of dir/package.json, falling back to
// dir/build/package.json.
func ReadVersion(dir string) (string, error) {
	var lastErr error
	for _, candidate := range []string{
		filepath.Join(dir, "package.json"),
		filepath.Join(dir, "build", "package.json"),
	} {
		// #nosec G304
		b, err := os.ReadFile(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		var pkg struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(b, &pkg); err != nil {
			lastErr = fmt.Errorf("parse %s: %w", candidate, err)
			continue
		}
		if v := strings.TrimSpace(pkg.Version); v != "" {
			return v, nil
		}
		lastErr = fmt.Errorf("%s has no version", candidate)
	}
	return "", lastErr
}

// Backup describes a previous-* directory.
type Backup struct {
	Name    string
	Path    string
	ModTime time.Time
}

// ListBackups returns the backups under base, newest first by mtime.
func ListBackups(base string) ([]Backup, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var out []Backup
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), BackupPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{
			Name:    e.Name(),
			Path:    filepath.Join(base, e.Name()),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Recover heals an interrupted swap: when current/ is missing and a backup
// exists, the newest backup is renamed back to current/. It returns the
// restored backup name, or "" when nothing needed doing.
func Recover(p Paths) (string, error) {
	if exists(p.Current) {
		return "", nil
	}
	backups, err := ListBackups(p.InstallBase)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if len(backups) == 0 {
		return "", nil
	}
	newest := backups[0]
	if err := os.Rename(newest.Path, p.Current); err != nil {
		return "", fmt.Errorf("restore %s: %w", newest.Name, err)
	}
	return newest.Name, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}
