package clocksync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

const DefaultCascadeTrigger = TimesheetApproved

// CascadeSource fetches the children of an approved timesheet.
type CascadeSource interface {
	ApprovalEntries(ctx context.Context, workspaceID, timesheetID string) ([]map[string]any, error)
	ApprovalExpenses(ctx context.Context, workspaceID, timesheetID string) ([]map[string]any, error)
}

type CascadeOptions struct {
	TriggerStatus string
	Logger        zerolog.Logger
}

type CascadeResult struct {
	Triggered bool
	Entries   int
	Expenses  int
}

// CascadeResolver pulls and applies the entries and expenses of a timesheet
// once it moves into the trigger status.
type CascadeResolver struct {
	pipeline *Pipeline
	source   CascadeSource
	gate     *Gate
	governor *Governor
	trigger  string
	log      zerolog.Logger
}

func NewCascadeResolver(pipeline *Pipeline, source CascadeSource, gate *Gate, governor *Governor, opts CascadeOptions) *CascadeResolver {
	trigger := opts.TriggerStatus
	if trigger == "" {
		trigger = DefaultCascadeTrigger
	}
	return &CascadeResolver{
		pipeline: pipeline,
		source:   source,
		gate:     gate,
		governor: governor,
		trigger:  trigger,
		log:      opts.Logger.With().Str("component", "cascade").Logger(),
	}
}

func (c *CascadeResolver) Trigger() string {
	return c.trigger
}

// ShouldCascade reports whether a timesheet moving from prior to status
// crosses into the trigger status.
func (c *CascadeResolver) ShouldCascade(prior, status string) bool {
	return status == c.trigger && prior != c.trigger
}

// Resolve applies entries one at a time, then expenses. The first child that
// still fails after the governor's retries aborts the rest; children already
// written stay written.
func (c *CascadeResolver) Resolve(ctx context.Context, ts *Timesheet, prior string) (CascadeResult, error) {
	var result CascadeResult
	if ts == nil {
		return result, fmt.Errorf("%w: nil timesheet", ErrInvalidInput)
	}
	logger := c.log.With().Str("timesheet", ts.ID).Str("workspace", ts.WorkspaceID).Str("status", ts.Status).Logger()
	if !c.ShouldCascade(prior, ts.Status) {
		logger.Debug().Str("prior", prior).Msg("no cascade for status")
		return result, nil
	}
	result.Triggered = true

	release, err := c.gate.Acquire(ctx, GateApprovedCascade)
	if err != nil {
		return result, err
	}
	defer release()

	entries, err := c.source.ApprovalEntries(ctx, ts.WorkspaceID, ts.ID)
	if err != nil {
		return result, fmt.Errorf("fetch entries for timesheet %s: %w", ts.ID, err)
	}
	for _, raw := range entries {
		step := "cascade entry " + optString(raw, "id")
		err := c.governor.Do(ctx, step, func(ctx context.Context) error {
			_, _, err := c.pipeline.UpsertEntry(ctx, raw, ts)
			return err
		})
		if err != nil {
			logger.Error().Err(err).Str("entry", optString(raw, "id")).Int("applied", result.Entries).Msg("cascade aborted on entry")
			return result, fmt.Errorf("timesheet %s: %w", ts.ID, err)
		}
		result.Entries++
	}

	expenses, err := c.source.ApprovalExpenses(ctx, ts.WorkspaceID, ts.ID)
	if err != nil {
		return result, fmt.Errorf("fetch expenses for timesheet %s: %w", ts.ID, err)
	}
	for _, raw := range expenses {
		raw = withDefault(raw, "approvalRequestId", ts.ID)
		step := "cascade expense " + optString(raw, "id")
		err := c.governor.Do(ctx, step, func(ctx context.Context) error {
			_, _, err := c.pipeline.Upsert(ctx, KindExpense, raw)
			return err
		})
		if err != nil {
			logger.Error().Err(err).Str("expense", optString(raw, "id")).Int("applied", result.Expenses).Msg("cascade aborted on expense")
			return result, fmt.Errorf("timesheet %s: %w", ts.ID, err)
		}
		result.Expenses++
	}
	logger.Info().Int("entries", result.Entries).Int("expenses", result.Expenses).Msg("cascade applied")
	return result, nil
}

// withDefault returns raw with key set to value when raw has no string there.
// raw itself is not modified.
func withDefault(raw map[string]any, key string, value any) map[string]any {
	if s, ok := raw[key].(string); ok && s != "" {
		return raw
	}
	out := make(map[string]any, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out[key] = value
	return out
}
