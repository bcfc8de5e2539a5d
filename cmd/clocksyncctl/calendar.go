package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hillplain/clocksync/internal/clocksync"
)

func newCalendarCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "calendar [year]",
		Short: "Generate calendar rows for a year (next year by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, _, err := opts.openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			year := svc.NextCalendarYear()
			if len(args) == 1 {
				year, err = strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("year must be an integer: %q", args[0])
				}
			}
			summary, err := svc.GenerateCalendar(ctx, year)
			if err != nil {
				return err
			}
			return opts.printSummaries(cmd.OutOrStdout(), []clocksync.BackfillSummary{summary})
		},
	}
}
