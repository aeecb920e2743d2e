package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/relswap/internal/cleanup"
	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/lock"
	"github.com/loykin/relswap/internal/process"
)

// basePaths returns the layout for an explicit --base, or the resolved one.
func basePaths(a *app, base string) layout.Paths {
	if base == "" {
		return a.paths
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		abs = base
	}
	return layout.ForBase(abs, "")
}

// createCleanupCommand creates the cleanup subcommand
func createCleanupCommand(g *GlobalFlags) *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale archives, staged releases and old backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			s := &cleanup.Sweeper{
				Paths: basePaths(a, base),
				Options: cleanup.Options{
					Keep:          a.cfg.Cleanup.KeepBackups,
					ArchiveMaxAge: a.cfg.Cleanup.ArchiveMaxAge,
				},
				Logger: a.logger,
			}
			r := s.RunOnce()
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d archive(s), %d leftover file(s), %d release(s), %d backup(s)\n",
				r.Archives, r.Leftovers, r.Releases, r.Backups)
			return r.Err()
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "install base directory (parent of current/)")
	return cmd
}

// createRecoverCommand creates the recover subcommand
func createRecoverCommand(g *GlobalFlags) *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore current/ from the newest backup after an interrupted swap",
		Long: `When an update was killed between moving current/ aside and moving the new
release in, current/ is missing. recover renames the newest previous-* backup
back to current/. It does nothing when current/ exists.

Examples:
  relswap recover --base /srv/app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			p := basePaths(a, base)
			if lock.Exists(p.LockPath) {
				return fmt.Errorf("update in progress (lock %s present)", p.LockPath)
			}
			name, err := layout.Recover(p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if name == "" {
				_, _ = fmt.Fprintln(out, "nothing to recover")
				return nil
			}
			_, _ = fmt.Fprintf(out, "restored %s to %s\n", name, p.Current)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "install base directory (parent of current/)")
	return cmd
}

// createMigrateCommand creates the migrate subcommand
func createMigrateCommand(g *GlobalFlags) *cobra.Command {
	var (
		dsn, dir string
		status   bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations under the migrate lock",
		Long: `Apply *.sql files from the migrations directory in lexical order. Runs are
serialized through a lock file, separate from the install lock.

Examples:
  relswap migrate --dsn sqlite:///var/lib/app/app.db
  relswap migrate --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			if dsn != "" {
				a.cfg.Migrate.DSN = dsn
			}
			if dir != "" {
				a.cfg.Migrate.Dir = dir
			}
			if a.cfg.Migrate.DSN == "" {
				return errors.New("no database: set migrate.dsn or --dsn")
			}
			out := cmd.OutOrStdout()
			if status {
				r, closeDB, err := newMigrateRunner(a)
				if err != nil {
					return err
				}
				defer closeDB()
				migs, err := r.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, m := range migs {
					state := "pending"
					if m.Applied {
						state = "applied " + m.AppliedAt.Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(out, "%-40s %s\n", m.Name, state)
				}
				return nil
			}
			res, err := runMigrations(cmd.Context(), a)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "applied %d migration(s), %d already applied\n", len(res.Applied), res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (sqlite://path, postgres://...)")
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory")
	cmd.Flags().BoolVar(&status, "status", false, "list migrations without applying")
	return cmd
}

// createLockCommand creates the lock subcommand
func createLockCommand(g *GlobalFlags) *cobra.Command {
	var base string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the install lock",
	}
	cmd.PersistentFlags().StringVar(&base, "base", "", "install base directory (parent of current/)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the lock owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			p := basePaths(a, base)
			out := cmd.OutOrStdout()
			if !lock.Exists(p.LockPath) {
				_, _ = fmt.Fprintln(out, "no install lock")
				return nil
			}
			info, raw, err := lock.Inspect(p.LockPath)
			if err != nil {
				_, _ = fmt.Fprintf(out, "lock %s present but unreadable: %v\n%s\n", p.LockPath, err, raw)
				return nil
			}
			_, _ = fmt.Fprintf(out, "lock %s held by pid %d since %s (alive=%t)\n",
				p.LockPath, info.PID, info.CreatedAt.Format(time.RFC3339), ownerAlive(info))
			return nil
		},
	}

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove a stale install lock",
		Long: `Remove the install lock left behind by a crashed install. A lock whose
owner is still running is kept unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			return clearLock(cmd, basePaths(a, base).LockPath, force)
		},
	}
	clearCmd.Flags().BoolVar(&force, "force", false, "remove even when the owner is alive")

	cmd.AddCommand(show, clearCmd)
	return cmd
}

func clearLock(cmd *cobra.Command, path string, force bool) error {
	out := cmd.OutOrStdout()
	if !lock.Exists(path) {
		_, _ = fmt.Fprintln(out, "no install lock")
		return nil
	}
	if info, _, err := lock.Inspect(path); err == nil && info.PID != os.Getpid() && ownerAlive(info) && !force {
		return fmt.Errorf("lock owner pid %d is still running; use --force to remove", info.PID)
	}
	lock.Release(path)
	_, _ = fmt.Fprintf(out, "removed %s\n", path)
	return nil
}

// ownerAlive reports whether the lock's owner still runs. A live PID that
// started after the lock was written belongs to another process.
func ownerAlive(info lock.Info) bool {
	if !process.Alive(info.PID) {
		return false
	}
	started := process.StartTime(info.PID)
	return started.IsZero() || !started.After(info.CreatedAt.Add(time.Second))
}
