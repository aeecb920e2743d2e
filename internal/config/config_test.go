package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "relswap.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BasePath != "/api" || cfg.Server.Listen == "" {
		t.Fatalf("server defaults: %+v", cfg.Server)
	}
	if cfg.Update.CheckTTL != 60*time.Second || cfg.Update.KeepBackups != 2 {
		t.Fatalf("update defaults: %+v", cfg.Update)
	}
	if !cfg.Update.Direct() {
		t.Fatal("no service name should mean direct mode")
	}
	if cfg.Cleanup.Delay != 5*time.Second || cfg.Cleanup.Schedule != "@every 6h" || cfg.Cleanup.ArchiveMaxAge != 48*time.Hour {
		t.Fatalf("cleanup defaults: %+v", cfg.Cleanup)
	}
	if cfg.Layout.Manifest != "package.json" || cfg.Layout.MigrationsDir != "drizzle" {
		t.Fatalf("layout defaults: %+v", cfg.Layout)
	}
	if cfg.Migrate.Timeout != 60*time.Second {
		t.Fatalf("migrate timeout: %v", cfg.Migrate.Timeout)
	}
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
env = ["NODE_ENV=production"]

[server]
listen = ":9000"
base_path = "/admin/api"

[update]
manifest_url = "https://releases.example.com/latest.json"
supervisor = "systemd"
service_name = "app"
keep_backups = 4
check_ttl = "5m"
install_command = ["pnpm", "install", "--prod"]

[cleanup]
schedule = "@every 1h"

[log]
level = "debug"
file.path = "/var/log/relswap.log"

[metrics]
enabled = true

[history]
enabled = true
dsns = ["sqlite:///tmp/h.db"]

[auth]
enabled = true
jwt_secret = "s"

[[auth.users]]
username = "ops"
password_hash = "$2a$10$abc"
roles = ["operator"]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":9000" || cfg.Server.BasePath != "/admin/api" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	u := cfg.Update
	if u.Supervisor != "systemd" || u.ServiceName != "app" || u.KeepBackups != 4 || u.CheckTTL != 5*time.Minute {
		t.Fatalf("update: %+v", u)
	}
	if u.Direct() {
		t.Fatal("service name set: not direct")
	}
	if strings.Join(u.InstallCommand, " ") != "pnpm install --prod" {
		t.Fatalf("install command: %v", u.InstallCommand)
	}
	if cfg.Cleanup.Schedule != "@every 1h" || !cfg.Cleanup.Enabled {
		t.Fatalf("cleanup: %+v", cfg.Cleanup)
	}
	if cfg.Log.Level != "debug" || cfg.Log.File.Path != "/var/log/relswap.log" {
		t.Fatalf("log: %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Fatalf("metrics: %+v", cfg.Metrics)
	}
	if len(cfg.History.DSNs) != 1 {
		t.Fatalf("history: %+v", cfg.History)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Username != "ops" || cfg.Auth.Users[0].Roles[0] != "operator" {
		t.Fatalf("auth users: %+v", cfg.Auth.Users)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RELSWAP_UPDATE_MANIFEST_URL", "https://env.example.com/m.json")
	t.Setenv("RELSWAP_SERVER_LISTEN", ":7000")
	p := writeConfig(t, "[update]\nmanifest_url = \"https://file.example.com/m.json\"\n")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Update.ManifestURL != "https://env.example.com/m.json" {
		t.Fatalf("env should override file, got %q", cfg.Update.ManifestURL)
	}
	if cfg.Server.Listen != ":7000" {
		t.Fatalf("listen: %q", cfg.Server.Listen)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad toml", "[server\nlisten="},
		{"unknown supervisor", "[update]\nsupervisor = \"runit\"\n"},
		{"negative keep", "[update]\nkeep_backups = -1\n"},
		{"conflicting retention", "[update]\nkeep_backups = 3\n[cleanup]\nkeep_backups = 5\n"},
		{"relative base path", "[server]\nbase_path = \"api\"\n"},
		{"auth without users", "[auth]\nenabled = true\n"},
		{"direct without start command", "[update]\nsupervisor = \"direct\"\nstart_command = []\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestCleanupRetentionFollowsUpdate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[update]\nkeep_backups = 4\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cleanup.KeepBackups != 4 {
		t.Fatalf("cleanup.keep_backups = %d, want 4", cfg.Cleanup.KeepBackups)
	}

	cfg, err = Load(writeConfig(t, "[update]\nkeep_backups = 3\n[cleanup]\nkeep_backups = 3\n"))
	if err != nil {
		t.Fatalf("Load with matching retention: %v", err)
	}
	if cfg.Cleanup.KeepBackups != 3 {
		t.Fatalf("cleanup.keep_backups = %d", cfg.Cleanup.KeepBackups)
	}
}

func TestChildEnvMerge(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("OS_ONLY", "osv")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\n#comment\nTOP=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	cfg := &Config{UseOSEnv: true, EnvFiles: []string{dotenv}, Env: []string{"TOP=tv"}}
	pairs, err := cfg.ChildEnv()
	if err != nil {
		t.Fatalf("ChildEnv: %v", err)
	}
	m := parsePairs(pairs)
	if m["OS_ONLY"] != "osv" || m["FILE_ONLY"] != "fv" || m["TOP"] != "tv" {
		t.Fatalf("unexpected env: OS_ONLY=%q FILE_ONLY=%q TOP=%q", m["OS_ONLY"], m["FILE_ONLY"], m["TOP"])
	}

	cfg.EnvFiles = []string{filepath.Join(dir, "nope")}
	if _, err := cfg.ChildEnv(); err == nil {
		t.Fatal("missing env file should fail")
	}
}

func TestLoadEnvFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(p, []byte("A=1\n\nB = two\n=skip\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pairs, err := LoadEnvFile(p)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	m := parsePairs(pairs)
	if len(m) != 2 || m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected pairs: %v", m)
	}
}
