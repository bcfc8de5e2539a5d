package clocksync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Pipeline is the single map-then-write path per entity kind. Webhooks,
// cascades and backfills all go through it.
type Pipeline struct {
	mapper *Mapper
	exec   *Executor
	log    zerolog.Logger
}

func NewPipeline(mapper *Mapper, exec *Executor, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		mapper: mapper,
		exec:   exec,
		log:    logger.With().Str("component", "pipeline").Logger(),
	}
}

func (p *Pipeline) Mapper() *Mapper {
	return p.mapper
}

func (p *Pipeline) Executor() *Executor {
	return p.exec
}

// Upsert maps raw into the kind's canonical record and writes it. Entries
// carry their tags along.
func (p *Pipeline) Upsert(ctx context.Context, kind EntityKind, raw map[string]any) (Record, UpsertResult, error) {
	if kind == KindEntry {
		return p.UpsertEntry(ctx, raw, nil)
	}
	rec, err := p.mapper.Map(kind, raw)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	res, err := p.exec.Upsert(ctx, rec)
	if err != nil {
		return rec, UpsertResult{}, err
	}
	return rec, res, nil
}

// UpsertEntry writes an entry and then each of its tags. When parent is set
// the entry must belong to the parent's workspace and inherits its timesheet
// id if the payload carries none.
func (p *Pipeline) UpsertEntry(ctx context.Context, raw map[string]any, parent *Timesheet) (Record, UpsertResult, error) {
	entry, err := p.mapper.Entry(raw)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	if parent != nil {
		if entry.WorkspaceID != parent.WorkspaceID {
			return entry, UpsertResult{}, invalidField("workspaceId", fmt.Sprintf("entry workspace %s differs from timesheet workspace %s", entry.WorkspaceID, parent.WorkspaceID))
		}
		if entry.TimesheetID == nil {
			entry.TimesheetID = stringPtr(parent.ID)
		}
	}
	tags, err := p.mapper.Tags(raw, entry)
	if err != nil {
		return entry, UpsertResult{}, err
	}
	res, err := p.exec.Upsert(ctx, entry)
	if err != nil {
		return entry, UpsertResult{}, err
	}
	for _, tag := range tags {
		if _, err := p.exec.Upsert(ctx, tag); err != nil {
			return entry, res, fmt.Errorf("tag %s of entry %s: %w", tag.ID, entry.ID, err)
		}
	}
	return entry, res, nil
}

// ApplyTimeOff upserts a time-off request, or removes it when the request
// is withdrawn or rejected or the caller asks for a delete.
func (p *Pipeline) ApplyTimeOff(ctx context.Context, raw map[string]any, forceDelete bool) (Record, Outcome, error) {
	req, err := p.mapper.TimeOff(raw)
	if err != nil {
		return nil, "", err
	}
	if forceDelete || req.Status == TimeOffWithdrawn || req.Status == TimeOffRejected {
		outcome, err := p.exec.Delete(ctx, KindTimeOff, req.Key())
		return req, outcome, err
	}
	res, err := p.exec.Upsert(ctx, req)
	return req, res.Outcome, err
}

func (p *Pipeline) Delete(ctx context.Context, kind EntityKind, raw map[string]any) (Key, Outcome, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return Key{}, "", err
	}
	key := Key{ID: id, WorkspaceID: workspaceID}
	outcome, err := p.exec.Delete(ctx, kind, key)
	return key, outcome, err
}
