package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hillplain/clocksync/internal/clocksync"
)

func newMigrateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the store schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := clocksync.Migrate(cfg.StoreDSN); err != nil {
				return err
			}
			return printVersion(cmd, opts, cfg.StoreDSN)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return printVersion(cmd, opts, cfg.StoreDSN)
		},
	})
	return cmd
}

func printVersion(cmd *cobra.Command, opts *RootOptions, dsn string) error {
	version, dirty, err := clocksync.SchemaVersion(dsn)
	if err != nil {
		return err
	}
	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"version": version, "dirty": dirty})
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", version, suffix)
	return err
}
