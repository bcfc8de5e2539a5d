package clocksync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultDeadlockRetries = 3
	defaultDeadlockPause   = 2 * time.Second
)

type GovernorOptions struct {
	MaxRetries int
	Pause      time.Duration
	Logger     zerolog.Logger
}

// Governor re-runs one step of work while it fails with transient store
// contention, pausing a fixed interval between runs.
type Governor struct {
	maxRetries int
	pause      time.Duration
	log        zerolog.Logger
}

func NewGovernor(opts GovernorOptions) *Governor {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultDeadlockRetries
	}
	pause := opts.Pause
	if pause <= 0 {
		pause = defaultDeadlockPause
	}
	return &Governor{
		maxRetries: maxRetries,
		pause:      pause,
		log:        opts.Logger.With().Str("component", "retry").Logger(),
	}
}

func (g *Governor) MaxRetries() int {
	return g.maxRetries
}

// Do runs fn, then retries it at most MaxRetries times while it reports a
// transient error. Other errors are returned as-is.
func (g *Governor) Do(ctx context.Context, step string, fn func(context.Context) error) error {
	for retry := 0; ; retry++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if retry >= g.maxRetries {
			g.log.Error().Err(err).Str("step", step).Int("retries", retry).Msg("store contention persisted")
			return fmt.Errorf("%w: %s after %d retries: %w", ErrRetriesExhausted, step, retry, err)
		}
		g.log.Warn().Err(err).Str("step", step).Int("retry", retry+1).Dur("pause", g.pause).Msg("store contention, retrying step")
		if err := sleepContext(ctx, g.pause); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
