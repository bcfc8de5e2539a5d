package main

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/hillplain/clocksync/internal/clocksync"
)

type scheduleOptions struct {
	*RootOptions
	WorkspaceID string
	Interval    time.Duration
	Jitter      float64
	Kinds       []string
	Once        bool
}

func newScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &scheduleOptions{RootOptions: rootOpts, Jitter: -1}
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run backfills periodically and keep next year's calendar generated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.WorkspaceID, "workspace", "", "workspace id (defaults to sync.workspace_id)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between cycles (defaults to schedule.interval)")
	cmd.Flags().Float64Var(&opts.Jitter, "jitter", -1, "interval jitter ratio 0.0-1.0 (defaults to schedule.jitter)")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kinds", nil, "backfill kinds (defaults to schedule.kinds, then all)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "run one cycle and exit")
	return cmd
}

func runSchedule(cmd *cobra.Command, opts *scheduleOptions) error {
	ctx := cmd.Context()
	svc, cfg, err := opts.openService(ctx, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	log := opts.logger(cmd, cfg).With().Str("component", "schedule").Logger()

	interval := opts.Interval
	if interval <= 0 {
		interval = cfg.Schedule.Interval
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	jitter := opts.Jitter
	if jitter < 0 {
		jitter = cfg.Schedule.Jitter
	}
	jitter = clampJitterRatio(jitter)
	names := opts.Kinds
	if len(names) == 0 {
		names = cfg.Schedule.Kinds
	}
	var kinds []clocksync.BackfillKind
	for _, name := range names {
		kind, err := clocksync.ParseBackfillKind(name)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	cycle := func() error {
		summaries, backfillErr := svc.BackfillAll(ctx, opts.WorkspaceID, kinds)
		if err := opts.printSummaries(cmd.OutOrStdout(), summaries); err != nil {
			return err
		}
		calendar, calendarErr := svc.GenerateCalendar(ctx, svc.NextCalendarYear())
		if calendarErr == nil {
			log.Info().Int("created", calendar.Created).Int("year", svc.NextCalendarYear()).Msg("calendar checked")
		}
		return errors.Join(backfillErr, calendarErr)
	}

	if err := cycle(); err != nil {
		if opts.Once {
			return err
		}
		log.Error().Err(err).Msg("sync cycle failed")
	}
	if opts.Once {
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Err(ctx.Err()).Msg("schedule stopping")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
			if err := cycle(); err != nil {
				log.Error().Err(err).Msg("sync cycle failed")
			}
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio; sample in [0,1]
// picks the point in that range.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
