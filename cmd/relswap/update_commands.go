package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// createCheckCommand creates the check subcommand
func createCheckCommand(g *GlobalFlags) *cobra.Command {
	remote := &RemoteFlags{}
	var force bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the running version with the published manifest",
		Long: `Fetch the update manifest and report whether a newer release exists.
Without --api-url the local install and manifest_url from the config are used.

Examples:
  relswap check
  relswap check --force --api-url=http://127.0.0.1:8090/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote.APIUrl != "" {
				c, err := remote.client()
				if err != nil {
					return err
				}
				res, err := c.Check(cmd.Context(), force)
				if err != nil {
					return err
				}
				printJSON(out, res)
				return nil
			}
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			res := o.Check(cmd.Context(), force)
			printJSON(out, res)
			if res.Error != "" {
				return errors.New(res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the manifest cache")
	addRemoteFlags(cmd, remote)
	return cmd
}

// createInstallCommand creates the install subcommand
func createInstallCommand(g *GlobalFlags) *cobra.Command {
	remote := &RemoteFlags{}
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download, stage and swap in the latest release",
		Long: `Start an update. With --api-url the running server performs the install;
otherwise the install runs from this process, which requires a supervisor
(update.service_name) because there is no server PID to stop.

Examples:
  relswap install --api-url=http://127.0.0.1:8090/api --wait=5m
  relswap install --config relswap.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote.APIUrl != "" {
				c, err := remote.client()
				if err != nil {
					return err
				}
				res, err := c.Install(cmd.Context())
				printJSON(out, res)
				if err != nil {
					return err
				}
				if wait <= 0 {
					return nil
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				st, err := c.WaitFor(ctx, time.Second)
				if err != nil {
					return fmt.Errorf("waiting for update: %w", err)
				}
				printJSON(out, st)
				if st.Status.Step == "error" {
					return fmt.Errorf("update failed: %s", st.Status.Error)
				}
				return nil
			}

			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.Update.Direct() {
				return errors.New("direct mode installs must go through the running server (use --api-url)")
			}
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			res, err := o.Install(cmd.Context())
			printJSON(out, res)
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "with --api-url, poll status until the update finishes")
	addRemoteFlags(cmd, remote)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(g *GlobalFlags) *cobra.Command {
	remote := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the install lock and the last update status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if remote.APIUrl != "" {
				c, err := remote.client()
				if err != nil {
					return err
				}
				res, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				printJSON(out, res)
				return nil
			}
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.Close()
			o, err := a.newOrchestrator()
			if err != nil {
				return err
			}
			printJSON(out, o.Status())
			return nil
		},
	}
	addRemoteFlags(cmd, remote)
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(g *GlobalFlags) *cobra.Command {
	remote := &RemoteFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded update events from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote.APIUrl == "" {
				return errors.New("--api-url is required")
			}
			c, err := remote.client()
			if err != nil {
				return err
			}
			events, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	addRemoteFlags(cmd, remote)
	return cmd
}
