// Package config loads relswap.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/relswap/internal/auth"
	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/logger"
	tlsconf "github.com/loykin/relswap/internal/tls"
)

// EnvPrefix prefixes environment overrides: RELSWAP_UPDATE_MANIFEST_URL
// overrides update.manifest_url.
const EnvPrefix = "RELSWAP"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Server  ServerConfig     `mapstructure:"server"`
	Update  UpdateConfig     `mapstructure:"update"`
	Layout  layout.Signature `mapstructure:"layout"`
	Cleanup CleanupConfig    `mapstructure:"cleanup"`
	Log     logger.Config    `mapstructure:"log"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Auth    auth.Config      `mapstructure:"auth"`
	History HistoryConfig    `mapstructure:"history"`
	Migrate MigrateConfig    `mapstructure:"migrate"`
}

type ServerConfig struct {
	Listen       string         `mapstructure:"listen"`
	BasePath     string         `mapstructure:"base_path"`
	ReadTimeout  time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout time.Duration  `mapstructure:"write_timeout"`
	TLS          tlsconf.Config `mapstructure:"tls"`
}

type UpdateConfig struct {
	ManifestURL string `mapstructure:"manifest_url"`
	// AppRoot overrides where the app root search starts; empty means the
	// directory of the running executable.
	AppRoot        string        `mapstructure:"app_root"`
	Supervisor     string        `mapstructure:"supervisor"` // pm2, systemd or direct
	ServiceName    string        `mapstructure:"service_name"`
	StartCommand   []string      `mapstructure:"start_command"`
	UpdaterName    string        `mapstructure:"updater_name"`
	KeepBackups    int           `mapstructure:"keep_backups"`
	CheckTTL       time.Duration `mapstructure:"check_ttl"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	InstallCommand []string      `mapstructure:"install_command"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
}

// Direct reports whether the updater should stop this server by PID
// instead of going through a supervisor.
func (u UpdateConfig) Direct() bool {
	return u.Supervisor == "direct" || u.ServiceName == ""
}

type CleanupConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Delay         time.Duration `mapstructure:"delay"`
	Schedule      string        `mapstructure:"schedule"`
	ArchiveMaxAge time.Duration `mapstructure:"archive_max_age"`
	// KeepBackups follows update.keep_backups when unset; the updater and the
	// sweeper share one retention count.
	KeepBackups int `mapstructure:"keep_backups"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

type MigrateConfig struct {
	DSN      string        `mapstructure:"dsn"`
	Dir      string        `mapstructure:"dir"`
	LockPath string        `mapstructure:"lock_path"`
	OnStart  bool          `mapstructure:"on_start"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("update.manifest_url", "")
	v.SetDefault("update.app_root", "")
	v.SetDefault("update.supervisor", "pm2")
	v.SetDefault("update.service_name", "")
	v.SetDefault("update.start_command", []string{"node", "build/index.js"})
	v.SetDefault("update.updater_name", "relswap-updater")
	v.SetDefault("update.keep_backups", 2)
	v.SetDefault("update.check_ttl", 60*time.Second)
	v.SetDefault("update.http_timeout", 10*time.Minute)
	v.SetDefault("update.install_command", []string{})
	v.SetDefault("update.install_timeout", 10*time.Minute)

	d := layout.DefaultSignature()
	v.SetDefault("layout.manifest", d.Manifest)
	v.SetDefault("layout.entry", d.Entry)
	v.SetDefault("layout.server_dir", d.ServerDir)
	v.SetDefault("layout.client_dir", d.ClientDir)
	v.SetDefault("layout.migrations_dir", d.MigrationsDir)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.delay", 5*time.Second)
	v.SetDefault("cleanup.schedule", "@every 6h")
	v.SetDefault("cleanup.archive_max_age", 48*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.path", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("migrate.dsn", "")
	v.SetDefault("migrate.dir", "")
	v.SetDefault("migrate.lock_path", "")
	v.SetDefault("migrate.on_start", false)
	v.SetDefault("migrate.timeout", 60*time.Second)
}

// Load reads path (optional) and applies defaults and RELSWAP_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if !v.IsSet("cleanup.keep_backups") {
		cfg.Cleanup.KeepBackups = cfg.Update.KeepBackups
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Update.Supervisor {
	case "pm2", "systemd", "direct":
	default:
		return fmt.Errorf("update.supervisor: unknown supervisor %q", c.Update.Supervisor)
	}
	if c.Update.KeepBackups < 0 || c.Cleanup.KeepBackups < 0 {
		return fmt.Errorf("keep_backups cannot be negative")
	}
	if c.Cleanup.KeepBackups != c.Update.KeepBackups {
		return fmt.Errorf("cleanup.keep_backups (%d) must match update.keep_backups (%d)",
			c.Cleanup.KeepBackups, c.Update.KeepBackups)
	}
	if c.Update.Direct() && len(c.Update.StartCommand) == 0 {
		return fmt.Errorf("update.start_command is required without a supervisor service")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with '/': %q", c.Server.BasePath)
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth.enabled requires at least one [[auth.users]] entry")
	}
	return nil
}

// ChildEnv merges env for child processes: OS env (when use_os_env) as the
// base, then env_files in order, then the env list last.
func (c *Config) ChildEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for k, v := range parsePairs(os.Environ()) {
			m[k] = v
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range parsePairs(c.Env) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return parsePairs(strings.Split(string(b), "\n")), nil
}

func parsePairs(lines []string) map[string]string {
	m := make(map[string]string)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = strings.TrimSpace(v)
			}
		}
	}
	return m
}
