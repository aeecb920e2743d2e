package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// RemoteFlags selects a running server instead of the local install.
type RemoteFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Username   string
	Password   string
	CACert     string
	Insecure   bool
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := createRootCommand(g)
	root.AddCommand(
		createServeCommand(g),
		createCheckCommand(g),
		createInstallCommand(g),
		createStatusCommand(g),
		createHistoryCommand(g),
		createCleanupCommand(g),
		createRecoverCommand(g),
		createMigrateCommand(g),
		createLockCommand(g),
		createAuthCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "relswap",
		Short: "Self-hosted atomic release updater",
		Long: `relswap downloads a published release, verifies it, and swaps it into
place while the server runs under a process supervisor.

Examples:
  relswap serve --config relswap.toml
  relswap check
  relswap install --api-url=http://127.0.0.1:8090/api
  relswap status
  relswap recover --base /srv/app`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	return root
}

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "running server URL (e.g. http://127.0.0.1:8090/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token")
	cmd.Flags().StringVar(&f.Username, "username", "", "basic auth username")
	cmd.Flags().StringVar(&f.Password, "password", "", "basic auth password")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an HTTPS server")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}
