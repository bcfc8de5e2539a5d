package main

import (
	"github.com/spf13/cobra"

	"github.com/hillplain/clocksync/internal/clocksync"
)

type backfillOptions struct {
	*RootOptions
	WorkspaceID string
	Offset      int
	PageCap     int
}

func newBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &backfillOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "backfill [kinds...]",
		Short: "Pull listings from the remote service into the store",
		Long: `Pull listings from the remote service and upsert them.

Without kinds every kind runs, parents before children. With --offset or
--page-cap the kinds run one after another starting at that page.

Kinds: workspaces, clients, users, policies, holidays, categories, projects,
timesheets, timeoff.

Examples:
  clocksyncctl backfill --workspace W1
  clocksyncctl backfill timesheets --workspace W1 --offset 4 --page-cap 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.WorkspaceID, "workspace", "", "workspace id (defaults to sync.workspace_id)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "first page to read")
	cmd.Flags().IntVar(&opts.PageCap, "page-cap", 0, "maximum pages per kind (0 uses the kind default)")
	return cmd
}

func runBackfill(cmd *cobra.Command, opts *backfillOptions, args []string) error {
	kinds := make([]clocksync.BackfillKind, 0, len(args))
	for _, arg := range args {
		kind, err := clocksync.ParseBackfillKind(arg)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	ctx := cmd.Context()
	svc, _, err := opts.openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if opts.Offset == 0 && opts.PageCap == 0 {
		summaries, err := svc.BackfillAll(ctx, opts.WorkspaceID, kinds)
		if printErr := opts.printSummaries(cmd.OutOrStdout(), summaries); printErr != nil {
			return printErr
		}
		return err
	}

	if len(kinds) == 0 {
		kinds = clocksync.AllBackfillKinds()
	}
	var summaries []clocksync.BackfillSummary
	for _, kind := range kinds {
		summary, err := svc.Backfill(ctx, clocksync.BackfillRequest{
			Kind:        kind,
			WorkspaceID: opts.WorkspaceID,
			Offset:      opts.Offset,
			PageCap:     opts.PageCap,
		})
		summaries = append(summaries, summary)
		if err != nil {
			_ = opts.printSummaries(cmd.OutOrStdout(), summaries)
			return err
		}
	}
	return opts.printSummaries(cmd.OutOrStdout(), summaries)
}
