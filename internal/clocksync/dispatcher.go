package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// TaskSubmitter queues follow-up work. The engine implements it.
type TaskSubmitter interface {
	Submit(ctx context.Context, task Task) (Task, error)
}

type DispatchResult struct {
	Kind      EntityKind
	Operation Operation
	Outcome   Outcome
	Changed   bool
	// Payload is the body as it was applied, with any injected status.
	Payload map[string]any
	TaskID  string
}

type DispatcherOptions struct {
	Logger zerolog.Logger
}

// Dispatcher applies a classified webhook event through the gate, the retry
// governor and the per-kind pipeline.
type Dispatcher struct {
	validator *PayloadValidator
	pipeline  *Pipeline
	gate      *Gate
	governor  *Governor
	tasks     TaskSubmitter
	keys      *keyLocks
	log       zerolog.Logger
}

func NewDispatcher(validator *PayloadValidator, pipeline *Pipeline, gate *Gate, governor *Governor, tasks TaskSubmitter, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{
		validator: validator,
		pipeline:  pipeline,
		gate:      gate,
		governor:  governor,
		tasks:     tasks,
		keys:      newKeyLocks(),
		log:       opts.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, cls Classification, payload map[string]any) (DispatchResult, error) {
	result := DispatchResult{Kind: cls.Kind, Operation: cls.Operation, Payload: payload}
	if err := d.validator.Validate(cls.Route, payload); err != nil {
		return result, err
	}
	switch cls.Kind {
	case KindEntry:
		return d.entry(ctx, cls, payload, result)
	case KindTimesheet:
		return d.timesheet(ctx, cls, payload, result)
	case KindTimeOff:
		err := d.governor.Do(ctx, "timeoff "+optString(payload, "id"), func(ctx context.Context) error {
			_, outcome, err := d.pipeline.ApplyTimeOff(ctx, payload, cls.Operation == OpDelete)
			result.Outcome = outcome
			return err
		})
		return result, err
	case KindEmployee:
		payload = withStatus(payload, cls.Status)
		result.Payload = payload
		return d.upsert(ctx, cls.Kind, payload, result)
	case KindProject:
		return d.upsert(ctx, cls.Kind, payload, result)
	case KindExpense:
		if cls.Operation == OpDelete {
			return d.delete(ctx, cls.Kind, payload, result)
		}
		return d.upsert(ctx, cls.Kind, payload, result)
	default:
		return result, fmt.Errorf("%w: no dispatch for kind %q", ErrInvalidInput, cls.Kind)
	}
}

func (d *Dispatcher) entry(ctx context.Context, cls Classification, payload map[string]any, result DispatchResult) (DispatchResult, error) {
	release, err := d.gate.Acquire(ctx, GateEntryRequest)
	if err != nil {
		return result, err
	}
	defer release()
	if cls.Operation == OpDelete {
		result, err = d.delete(ctx, cls.Kind, payload, result)
		if err == nil && result.Outcome == OutcomeNotFound {
			return result, fmt.Errorf("entry %s: %w", optString(payload, "id"), ErrNotFound)
		}
		return result, err
	}
	return d.upsert(ctx, cls.Kind, payload, result)
}

// timesheet upserts the approval request and then always queues a cascade
// check; the task decides whether the status change warrants a pull. The
// prior status read and the upsert hold the timesheet's key lock, so two
// deliveries of one transition see different prior statuses.
func (d *Dispatcher) timesheet(ctx context.Context, cls Classification, payload map[string]any, result DispatchResult) (DispatchResult, error) {
	release, err := d.gate.Acquire(ctx, GateTimesheetRequest)
	if err != nil {
		return result, err
	}
	defer release()

	ts, err := d.pipeline.Mapper().Timesheet(payload)
	if err != nil {
		return result, err
	}
	unlock, err := d.keys.Lock(ctx, string(KindTimesheet)+" "+ts.Key().String())
	if err != nil {
		return result, err
	}
	prior := ""
	stored, err := d.pipeline.Executor().Get(ctx, KindTimesheet, ts.Key())
	switch {
	case err == nil:
		prior = stored.(*Timesheet).Status
	case !errors.Is(err, ErrNotFound):
		unlock()
		return result, err
	}

	err = d.governor.Do(ctx, "timesheet "+ts.ID, func(ctx context.Context) error {
		res, err := d.pipeline.Executor().Upsert(ctx, ts)
		result.Outcome, result.Changed = res.Outcome, res.Changed
		return err
	})
	unlock()
	if err != nil {
		return result, err
	}
	if result.Outcome == OutcomeCreated && ts.Status != TimesheetPending {
		d.log.Warn().Str("timesheet", ts.ID).Str("status", ts.Status).Str("label", cls.Label).Msg("first delivery of a timesheet is not PENDING")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error().Err(err).Str("timesheet", ts.ID).Msg("cascade task payload not encodable")
		return result, nil
	}
	task, err := d.tasks.Submit(ctx, Task{
		Kind:        TaskCascade,
		WorkspaceID: ts.WorkspaceID,
		Payload:     body,
		PriorStatus: prior,
	})
	if err != nil {
		d.log.Error().Err(err).Str("timesheet", ts.ID).Msg("cascade task not queued")
		return result, nil
	}
	result.TaskID = task.ID
	return result, nil
}

func (d *Dispatcher) upsert(ctx context.Context, kind EntityKind, payload map[string]any, result DispatchResult) (DispatchResult, error) {
	err := d.governor.Do(ctx, string(kind)+" "+optString(payload, "id"), func(ctx context.Context) error {
		_, res, err := d.pipeline.Upsert(ctx, kind, payload)
		result.Outcome, result.Changed = res.Outcome, res.Changed
		return err
	})
	return result, err
}

func (d *Dispatcher) delete(ctx context.Context, kind EntityKind, payload map[string]any, result DispatchResult) (DispatchResult, error) {
	err := d.governor.Do(ctx, string(kind)+" delete "+optString(payload, "id"), func(ctx context.Context) error {
		_, outcome, err := d.pipeline.Delete(ctx, kind, payload)
		result.Outcome = outcome
		return err
	})
	return result, err
}

// withStatus returns a copy of payload carrying status. An empty status
// leaves the payload as it is.
func withStatus(payload map[string]any, status string) map[string]any {
	if status == "" {
		return payload
	}
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["status"] = status
	return out
}
