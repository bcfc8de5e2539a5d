package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hillplain/clocksync/internal/bootstrap"
	"github.com/hillplain/clocksync/internal/clocksync"
	"github.com/hillplain/clocksync/internal/config"
	"github.com/hillplain/clocksync/internal/logging"
)

var validFormats = []string{"text", "json"}

// RootOptions holds the global flags.
type RootOptions struct {
	ConfigPath string
	Format     string
	getenv     func(string) string
}

func NewRootCommand(getenv func(string) string) *cobra.Command {
	opts := &RootOptions{getenv: getenv}

	cmd := &cobra.Command{
		Use:   "clocksyncctl",
		Short: "Operate the clocksync store: backfills, calendar, migrations",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", getenv("CLOCKSYNC_CONFIG"), "config file (.toml, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newBackfillCommand(opts))
	cmd.AddCommand(newCalendarCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newScheduleCommand(opts))
	return cmd
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	return config.Load(o.ConfigPath, o.getenv)
}

func (o *RootOptions) logger(cmd *cobra.Command, cfg config.Config) zerolog.Logger {
	return logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "clocksyncctl",
	}, cmd.ErrOrStderr())
}

// openService builds a service whose queued tasks are never picked up; the
// commands run their work inline.
func (o *RootOptions) openService(ctx context.Context, cmd *cobra.Command) (*clocksync.Service, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	svc, err := bootstrap.Open(ctx, cfg, o.logger(cmd, cfg), bootstrap.Options{DisableWorkers: true})
	if err != nil {
		return nil, config.Config{}, err
	}
	return svc, cfg, nil
}

func (o *RootOptions) printSummaries(w io.Writer, summaries []clocksync.BackfillSummary) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	for _, s := range summaries {
		workspace := s.WorkspaceID
		if workspace == "" {
			workspace = "-"
		}
		if _, err := fmt.Fprintf(w, "%-12s workspace=%s pages=%d created=%d updated=%d unchanged=%d deleted=%d errors=%d\n",
			s.Kind, workspace, s.Pages, s.Created, s.Updated, s.Unchanged, s.Deleted, s.Errors); err != nil {
			return err
		}
	}
	return nil
}
