package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/relswap/internal/lock"
	"github.com/loykin/relswap/internal/orchestrator"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// installBase creates <tmp>/current with a package.json at version.
func installBase(t *testing.T, version string) string {
	t.Helper()
	base := t.TempDir()
	cur := filepath.Join(base, "current")
	require.NoError(t, os.MkdirAll(cur, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cur, "package.json"),
		[]byte(fmt.Sprintf(`{"name":"app","version":%q}`, version)), 0o644))
	return base
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relswap.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	want := []string{"serve", "check", "install", "status", "history", "cleanup", "recover", "migrate", "lock", "auth"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "", "auth", "hash-password", "--password", "secret", "--cost", "4")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	out, err = execute(t, "from-stdin\n", "auth", "hash-password", "--cost", "4")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("from-stdin")))
}

func TestCheckLocal(t *testing.T) {
	base := installBase(t, "1.0.0")
	manifest := `{"version":"1.1.0","releasedAt":"2024-05-01T00:00:00Z","notes":"fixes",` +
		`"assetName":"app-1.1.0.zip","assetUrl":"https://example.com/app-1.1.0.zip",` +
		`"assetSha256":"` + strings.Repeat("ab", 32) + `"}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(manifest))
	}))
	defer ts.Close()

	cfg := writeConfig(t, fmt.Sprintf(`
[update]
manifest_url = %q
app_root = %q
`, ts.URL, filepath.Join(base, "current")))

	out, err := execute(t, "", "--config", cfg, "check")
	require.NoError(t, err)
	var res orchestrator.CheckResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.UpdateAvailable)
	require.NotNil(t, res.CurrentVersion)
	assert.Equal(t, "1.0.0", *res.CurrentVersion)
	assert.Equal(t, "1.1.0", *res.LatestVersion)
}

func TestCheckLocalNotConfigured(t *testing.T) {
	base := installBase(t, "1.0.0")
	cfg := writeConfig(t, fmt.Sprintf("[update]\napp_root = %q\n", filepath.Join(base, "current")))
	_, err := execute(t, "", "--config", cfg, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestInstallLocalDirectModeRejected(t *testing.T) {
	base := installBase(t, "1.0.0")
	cfg := writeConfig(t, fmt.Sprintf("[update]\nsupervisor = \"direct\"\napp_root = %q\n", filepath.Join(base, "current")))
	_, err := execute(t, "", "--config", cfg, "install")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--api-url")
}

func TestRecoverRestoresNewestBackup(t *testing.T) {
	base := installBase(t, "1.0.0")
	cur := filepath.Join(base, "current")
	backup := filepath.Join(base, "previous-1.0.0-2024-01-01T00-00-00-000Z")
	require.NoError(t, os.Rename(cur, backup))

	out, err := execute(t, "", "recover", "--base", base)
	require.NoError(t, err)
	assert.Contains(t, out, "restored previous-1.0.0-2024-01-01T00-00-00-000Z")
	assert.FileExists(t, filepath.Join(cur, "package.json"))
	assert.NoDirExists(t, backup)

	out, err = execute(t, "", "recover", "--base", base)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to recover")
}

func TestRecoverRefusesWhileLocked(t *testing.T) {
	base := installBase(t, "1.0.0")
	l, err := lock.Acquire(filepath.Join(base, ".updates", "install.lock"))
	require.NoError(t, err)
	defer l.Release()

	_, err = execute(t, "", "recover", "--base", base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update in progress")
}

func TestLockShowAndClear(t *testing.T) {
	base := installBase(t, "1.0.0")
	lockPath := filepath.Join(base, ".updates", "install.lock")

	out, err := execute(t, "", "lock", "show", "--base", base)
	require.NoError(t, err)
	assert.Contains(t, out, "no install lock")

	// a lock owned by this (live) process
	_, err = lock.Acquire(lockPath)
	require.NoError(t, err)
	out, err = execute(t, "", "lock", "show", "--base", base)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("pid %d", os.Getpid()))

	// a stale lock from a process that no longer exists
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":2147483646,"createdAt":"2024-01-01T00:00:00Z"}`), 0o600))
	out, err = execute(t, "", "lock", "clear", "--base", base)
	require.NoError(t, err)
	assert.Contains(t, out, "removed")
	assert.NoFileExists(t, lockPath)
}

func TestCleanupCommand(t *testing.T) {
	base := installBase(t, "1.0.0")
	staged := filepath.Join(base, "releases", "0.9.0")
	require.NoError(t, os.MkdirAll(staged, 0o755))

	out, err := execute(t, "", "cleanup", "--base", base)
	require.NoError(t, err)
	assert.Contains(t, out, "1 release(s)")
	assert.NoDirExists(t, staged)
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_init.sql"),
		[]byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);"), 0o644))
	dbPath := filepath.Join(t.TempDir(), "app.db")
	cfg := writeConfig(t, fmt.Sprintf("[migrate]\nlock_path = %q\n", filepath.Join(t.TempDir(), "migrate.lock")))

	out, err := execute(t, "", "--config", cfg, "migrate", "--dsn", "sqlite://"+dbPath, "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "applied 1 migration(s)")

	out, err = execute(t, "", "--config", cfg, "migrate", "--dsn", "sqlite://"+dbPath, "--dir", dir, "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "0001_init.sql")
	assert.Contains(t, out, "applied")
}

func TestHistoryRequiresAPIURL(t *testing.T) {
	_, err := execute(t, "", "history")
	require.Error(t, err)
}
