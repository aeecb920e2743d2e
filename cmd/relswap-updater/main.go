// Command relswap-updater swaps a staged release into current/ while the
// server is stopped. It is launched by the install orchestrator, never by
// hand; see updater.Options for the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/relswap/internal/logger"
	"github.com/loykin/relswap/internal/updater"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	code := updater.ExitOK
	cmd := newCommand(&code)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		abort(args, err)
		return updater.ExitUsage
	}
	return code
}

// abort releases the handed-over lock and records the error when the
// command line could not be turned into a run.
func abort(args []string, cause error) {
	scanned := updater.ScanArgs(args)
	log, closer, _ := logger.Config{
		Level:  "info",
		Format: "text",
		File:   logger.FileConfig{Path: scanned.LogPath},
	}.New(os.Stderr)
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	updater.Abort(args, cause, log)
}

func newCommand(code *int) *cobra.Command {
	var (
		opts     updater.Options
		logLevel string
	)
	cmd := &cobra.Command{
		Use:           "relswap-updater",
		Short:         "Swap a staged release into place",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closer, err := logger.Config{
				Level:  logLevel,
				Format: "text",
				File:   logger.FileConfig{Path: opts.LogPath},
			}.New(os.Stderr)
			if err != nil {
				return err
			}
			if closer != nil {
				defer func() { _ = closer.Close() }()
			}

			u, err := updater.New(opts, log)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				u.Interrupt(sig)
				if closer != nil {
					_ = closer.Close()
				}
				os.Exit(updater.ExitFault)
			}()

			*code = u.Run(context.Background())
			signal.Stop(sigCh)
			return nil
		},
	}
	updater.BindFlags(cmd.Flags(), &opts)
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
