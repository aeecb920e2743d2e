// Package migrate applies the application's SQL migrations under their own
// lock, separate from the install lock.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/lock"
)

const (
	DefaultLockTimeout  = 60 * time.Second
	DefaultLockInterval = 250 * time.Millisecond
	LockFileName        = "migrate.lock"

	// statementBreakpoint separates statements inside one drizzle-kit file.
	statementBreakpoint = "--> statement-breakpoint"
)

// ErrChecksum reports an applied migration whose file changed afterwards.
var ErrChecksum = errors.New("migration checksum mismatch")

// Dialect selects the driver and placeholder style.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Open opens the database named by dsn: "postgres://" or "postgresql://"
// for PostgreSQL, "sqlite://path" or a bare path for SQLite.
func Open(dsn string) (*sql.DB, Dialect, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, "", errors.New("empty migrate DSN")
	}
	lower := strings.ToLower(dsn)
	d := SQLite
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		d = Postgres
	case strings.HasPrefix(lower, "sqlite://"):
		dsn = dsn[len("sqlite://"):]
	case strings.Contains(dsn, "://"):
		return nil, "", fmt.Errorf("unsupported migrate DSN: %s", dsn)
	}
	db, err := sql.Open(d.driver(), dsn)
	if err != nil {
		return nil, "", err
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
	}
	return db, d, nil
}

// DefaultLockPath keeps the lock out of the install tree in production so a
// swap never moves it: <UserConfigDir>/relswap/migrate.lock for the atomic
// layout, ./.migrate.lock otherwise.
func DefaultLockPath(p layout.Paths) string {
	if p.IsAtomic() {
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "relswap", LockFileName)
		}
		return filepath.Join(p.UpdatesDir, LockFileName)
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = p.AppRoot
	}
	return filepath.Join(wd, "."+LockFileName)
}

// Migration is one SQL file.
type Migration struct {
	Name      string
	Hash      string
	Applied   bool
	AppliedAt time.Time
	path      string
}

// Result summarizes a run.
type Result struct {
	Applied []string
	Skipped int
}

// Runner applies *.sql files from Dir in lexical order, recording each in
// relswap_migrations.
type Runner struct {
	DB           *sql.DB
	Dialect      Dialect
	Dir          string
	LockPath     string
	LockTimeout  time.Duration
	LockInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Run applies pending migrations. A missing migrations directory is logged
// and treated as nothing to do.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result
	if _, err := os.Stat(r.Dir); errors.Is(err, os.ErrNotExist) {
		r.logger().Warn("migrations folder missing", "dir", r.Dir)
		return res, nil
	}

	if r.LockPath != "" {
		timeout := r.LockTimeout
		if timeout <= 0 {
			timeout = DefaultLockTimeout
		}
		interval := r.LockInterval
		if interval <= 0 {
			interval = DefaultLockInterval
		}
		if err := os.MkdirAll(filepath.Dir(r.LockPath), 0o755); err != nil {
			return res, fmt.Errorf("migrate lock dir: %w", err)
		}
		l, err := lock.AcquireWait(ctx, r.LockPath, timeout, interval)
		if err != nil {
			return res, fmt.Errorf("acquire migrate lock: %w", err)
		}
		defer l.Release()
	}

	migs, err := r.Status(ctx)
	if err != nil {
		return res, err
	}

	r.logger().Info("running migrations", "dir", r.Dir, "count", len(migs))
	for _, m := range migs {
		if m.Applied {
			res.Skipped++
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, m.Name)
		r.logger().Info("migration applied", "name", m.Name)
	}
	return res, nil
}

// Status lists migration files with their applied state. A file that was
// applied and has since changed fails with ErrChecksum.
func (r *Runner) Status(ctx context.Context) ([]Migration, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	files, err := readDir(r.Dir)
	if err != nil {
		return nil, err
	}
	applied, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}
	for i := range files {
		row, ok := applied[files[i].Name]
		if !ok {
			continue
		}
		if row.Hash != files[i].Hash {
			return nil, fmt.Errorf("%w: %s", ErrChecksum, files[i].Name)
		}
		files[i].Applied = true
		files[i].AppliedAt = row.AppliedAt
	}
	return files, nil
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS relswap_migrations(
		name TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create relswap_migrations: %w", err)
	}
	return nil
}

func (r *Runner) applied(ctx context.Context) (map[string]Migration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, hash, applied_at FROM relswap_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]Migration)
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Name, &m.Hash, &m.AppliedAt); err != nil {
			return nil, err
		}
		out[m.Name] = m
	}
	return out, rows.Err()
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range Statements(string(b)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}
	q := fmt.Sprintf(`INSERT INTO relswap_migrations(name, hash, applied_at) VALUES (%s, %s, %s)`,
		r.Dialect.placeholder(1), r.Dialect.placeholder(2), r.Dialect.placeholder(3))
	if _, err := tx.ExecContext(ctx, q, m.Name, m.Hash, r.now()); err != nil {
		return fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	return tx.Commit()
}

// Statements splits a file on drizzle-kit statement breakpoints and drops
// empty chunks. Files without breakpoints are one statement.
func Statements(sqlText string) []string {
	var out []string
	for _, part := range strings.Split(sqlText, statementBreakpoint) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func readDir(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".sql") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(b)
		out = append(out, Migration{Name: e.Name(), Hash: hex.EncodeToString(sum[:]), path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
