package clocksync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeNotFound Outcome = "notFound"
)

// UpsertResult reports what an upsert did. Changed is false when the merged
// row equals the stored one, or when the merge was refused (tags).
type UpsertResult struct {
	Outcome Outcome
	Changed bool
}

type ExecutorOptions struct {
	Logger zerolog.Logger
	// SentinelClientID is used for projects that arrive without a client.
	SentinelClientID string
}

// Executor performs get-then-write upserts. It takes no locks of its own;
// concurrent writers of one key are serialized by the store.
type Executor struct {
	repo             Repository
	log              zerolog.Logger
	sentinelClientID string
}

func NewExecutor(repo Repository, opts ExecutorOptions) *Executor {
	return &Executor{
		repo:             repo,
		log:              opts.Logger.With().Str("component", "upsert").Logger(),
		sentinelClientID: opts.SentinelClientID,
	}
}

func (x *Executor) Repository() Repository {
	return x.repo
}

func (x *Executor) Get(ctx context.Context, kind EntityKind, key Key) (Record, error) {
	return x.repo.Get(ctx, kind, key)
}

func (x *Executor) Upsert(ctx context.Context, rec Record) (UpsertResult, error) {
	if rec == nil {
		return UpsertResult{}, fmt.Errorf("%w: nil record", ErrInvalidInput)
	}
	if err := x.resolveParents(ctx, rec); err != nil {
		return UpsertResult{}, err
	}

	stored, err := x.repo.Get(ctx, rec.Kind(), rec.Key())
	switch {
	case errors.Is(err, ErrNotFound):
		if err := x.repo.Insert(ctx, rec); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Outcome: OutcomeCreated, Changed: true}, nil
	case err != nil:
		return UpsertResult{}, err
	}

	if rec.Kind() == KindTag {
		stored := stored.(*Tag)
		if incoming := rec.(*Tag); incoming.Name != stored.Name {
			x.log.Warn().
				Str("tag", stored.ID).
				Str("entry", stored.EntryID).
				Str("storedName", stored.Name).
				Str("incomingName", incoming.Name).
				Msg("update on existing tag is not allowed, keeping stored row")
		}
		return UpsertResult{Outcome: OutcomeUpdated}, nil
	}

	merged := mergeRecord(stored, rec)
	if sameRecord(stored, merged) {
		return UpsertResult{Outcome: OutcomeUpdated}, nil
	}
	if err := x.repo.Update(ctx, merged); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Outcome: OutcomeUpdated, Changed: true}, nil
}

func (x *Executor) Delete(ctx context.Context, kind EntityKind, key Key) (Outcome, error) {
	err := x.repo.Delete(ctx, kind, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound, nil
	case err != nil:
		return "", err
	}
	return OutcomeDeleted, nil
}

// resolveParents creates placeholder rows for absent parents the record can
// live without, and drops dangling timesheet links.
func (x *Executor) resolveParents(ctx context.Context, rec Record) error {
	switch r := rec.(type) {
	case *Client:
		return x.ensureWorkspace(ctx, r.WorkspaceID)
	case *Project:
		if err := x.ensureWorkspace(ctx, r.WorkspaceID); err != nil {
			return err
		}
		if r.ClientID == "" {
			r.ClientID = x.sentinelClientID
		}
		return x.ensureClient(ctx, r.ClientID, r.WorkspaceID)
	case *Timesheet:
		return x.ensureWorkspace(ctx, r.WorkspaceID)
	case *Entry:
		if err := x.ensureWorkspace(ctx, r.WorkspaceID); err != nil {
			return err
		}
		if err := x.ensureProject(ctx, r.ProjectID, r.WorkspaceID); err != nil {
			return err
		}
		if r.TimesheetID != nil {
			ok, err := x.exists(ctx, KindTimesheet, Key{ID: *r.TimesheetID, WorkspaceID: r.WorkspaceID})
			if err != nil {
				return err
			}
			if !ok {
				x.log.Debug().Str("entry", r.ID).Str("timesheet", *r.TimesheetID).Msg("timesheet not stored yet, entry link left empty")
				r.TimesheetID = nil
			}
		}
	case *Tag:
		ok, err := x.exists(ctx, KindEntry, Key{ID: r.EntryID, WorkspaceID: r.WorkspaceID})
		if err != nil {
			return err
		}
		if !ok {
			return &ForeignKeyError{Kind: KindTag, Parent: "entry " + r.EntryID}
		}
	case *Category:
		return x.ensureWorkspace(ctx, r.WorkspaceID)
	case *Expense:
		if err := x.ensureWorkspace(ctx, r.WorkspaceID); err != nil {
			return err
		}
		if err := x.ensureProject(ctx, r.ProjectID, r.WorkspaceID); err != nil {
			return err
		}
		if err := x.ensurePlaceholder(ctx, &Category{ID: r.CategoryID, WorkspaceID: r.WorkspaceID, Placeholder: true}); err != nil {
			return err
		}
		if r.TimesheetID != nil {
			ok, err := x.exists(ctx, KindTimesheet, Key{ID: *r.TimesheetID, WorkspaceID: r.WorkspaceID})
			if err != nil {
				return err
			}
			if !ok {
				r.TimesheetID = nil
			}
		}
	case *TimeOffRequest:
		return x.ensureWorkspace(ctx, r.WorkspaceID)
	case *TimeOffPolicy:
		return x.ensureWorkspace(ctx, r.WorkspaceID)
	case *Holiday:
		return x.ensureWorkspace(ctx, r.WorkspaceID)
	}
	return nil
}

func (x *Executor) ensureWorkspace(ctx context.Context, id string) error {
	return x.ensurePlaceholder(ctx, &Workspace{ID: id})
}

func (x *Executor) ensureClient(ctx context.Context, id, workspaceID string) error {
	return x.ensurePlaceholder(ctx, &Client{ID: id, WorkspaceID: workspaceID, Placeholder: true})
}

func (x *Executor) ensureProject(ctx context.Context, id, workspaceID string) error {
	if id == "" {
		return nil
	}
	ok, err := x.exists(ctx, KindProject, Key{ID: id, WorkspaceID: workspaceID})
	if err != nil || ok {
		return err
	}
	if err := x.ensureClient(ctx, x.sentinelClientID, workspaceID); err != nil {
		return err
	}
	return x.ensurePlaceholder(ctx, &Project{ID: id, WorkspaceID: workspaceID, ClientID: x.sentinelClientID, Placeholder: true})
}

func (x *Executor) ensurePlaceholder(ctx context.Context, rec Record) error {
	if rec.Key().ID == "" {
		return nil
	}
	ok, err := x.exists(ctx, rec.Kind(), rec.Key())
	if err != nil || ok {
		return err
	}
	err = x.repo.Insert(ctx, rec)
	if errors.Is(err, ErrIdentityConflict) {
		return nil
	}
	if err == nil {
		x.log.Info().Str("kind", string(rec.Kind())).Str("key", rec.Key().String()).Msg("created placeholder parent")
	}
	return err
}

func (x *Executor) exists(ctx context.Context, kind EntityKind, key Key) (bool, error) {
	_, err := x.repo.Get(ctx, kind, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
