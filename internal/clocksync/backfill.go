package clocksync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type BackfillKind string

const (
	BackfillWorkspaces BackfillKind = "workspaces"
	BackfillClients    BackfillKind = "clients"
	BackfillProjects   BackfillKind = "projects"
	BackfillUsers      BackfillKind = "users"
	BackfillPolicies   BackfillKind = "policies"
	BackfillHolidays   BackfillKind = "holidays"
	BackfillTimeOff    BackfillKind = "timeoff"
	BackfillTimesheets BackfillKind = "timesheets"
	BackfillCategories BackfillKind = "categories"
)

const (
	defaultBackfillPageSize  = 50
	defaultTimesheetPageCap  = 50
	timeOffPageSize          = 200
	timeOffWindow            = 5 * 7 // days
	defaultBackfillPageLimit = 10000
)

// backfillStages orders kinds so parents are pulled before children. Kinds
// in one stage run concurrently.
var backfillStages = [][]BackfillKind{
	{BackfillWorkspaces},
	{BackfillClients, BackfillUsers, BackfillPolicies, BackfillHolidays, BackfillCategories},
	{BackfillProjects},
	{BackfillTimesheets, BackfillTimeOff},
}

func AllBackfillKinds() []BackfillKind {
	var out []BackfillKind
	for _, stage := range backfillStages {
		out = append(out, stage...)
	}
	return out
}

func ParseBackfillKind(s string) (BackfillKind, error) {
	for _, kind := range AllBackfillKinds() {
		if string(kind) == s {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: unknown backfill kind %q", ErrInvalidInput, s)
}

type BackfillRequest struct {
	Kind        BackfillKind
	WorkspaceID string
	// Offset is the first page to read; values below 1 mean 1.
	Offset int
	// PageCap bounds pages read in this invocation; 0 uses the kind default.
	PageCap int
}

type BackfillSummary struct {
	Kind        BackfillKind `json:"kind"`
	WorkspaceID string       `json:"workspaceId,omitempty"`
	Pages       int          `json:"pages"`
	Created     int          `json:"created"`
	Updated     int          `json:"updated"`
	Unchanged   int          `json:"unchanged"`
	Deleted     int          `json:"deleted"`
	Errors      int          `json:"errors"`
}

func (s *BackfillSummary) tally(res UpsertResult) {
	switch {
	case res.Outcome == OutcomeCreated:
		s.Created++
	case res.Changed:
		s.Updated++
	default:
		s.Unchanged++
	}
}

type BackfillOptions struct {
	PageSize         int
	TimesheetPageCap int
	Location         *time.Location
	Now              func() time.Time
	Logger           zerolog.Logger
}

// Puller reads full listings from the remote service and feeds every item
// through the same per-kind path the webhooks use.
type Puller struct {
	pipeline *Pipeline
	source   RemoteSource
	governor *Governor
	pageSize int
	tsCap    int
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger

	// pageLimit bounds listings that have no caller-supplied cap.
	pageLimit int
}

func NewPuller(pipeline *Pipeline, source RemoteSource, governor *Governor, opts BackfillOptions) *Puller {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultBackfillPageSize
	}
	tsCap := opts.TimesheetPageCap
	if tsCap <= 0 {
		tsCap = defaultTimesheetPageCap
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Puller{
		pipeline: pipeline,
		source:   source,
		governor: governor,
		pageSize: pageSize,
		tsCap:    tsCap,
		loc:      loc,
		now:      now,
		log:      opts.Logger.With().Str("component", "backfill").Logger(),

		pageLimit: defaultBackfillPageLimit,
	}
}

// Backfill pulls one kind. A record that fails is logged and counted and the
// pull goes on; a failed page read ends the pull with an error.
func (p *Puller) Backfill(ctx context.Context, req BackfillRequest) (BackfillSummary, error) {
	summary := BackfillSummary{Kind: req.Kind, WorkspaceID: req.WorkspaceID}
	if req.Kind != BackfillWorkspaces && req.WorkspaceID == "" {
		return summary, invalidField("workspaceId", "required for "+string(req.Kind))
	}
	start := time.Now()
	var err error
	switch req.Kind {
	case BackfillWorkspaces:
		err = p.workspaces(ctx, &summary)
	case BackfillClients:
		err = p.pages(ctx, req, ResourceClients, p.pageLimit, &summary, p.applyAs(KindClient))
	case BackfillProjects:
		err = p.pages(ctx, req, ResourceProjects, p.pageLimit, &summary, p.applyAs(KindProject))
	case BackfillUsers:
		err = p.pages(ctx, req, ResourceUsers, p.pageLimit, &summary, p.applyAs(KindEmployee))
	case BackfillPolicies:
		err = p.pages(ctx, req, ResourcePolicies, p.pageLimit, &summary, p.applyAs(KindPolicy))
	case BackfillHolidays:
		err = p.pages(ctx, req, ResourceHolidays, p.pageLimit, &summary, p.applyAs(KindHoliday))
	case BackfillTimesheets:
		pageCap := req.PageCap
		if pageCap <= 0 {
			pageCap = p.tsCap
		}
		err = p.pages(ctx, req, ResourceTimesheets, pageCap, &summary, p.applyTimesheet)
	case BackfillTimeOff:
		err = p.timeOff(ctx, req, &summary)
	case BackfillCategories:
		err = p.categories(ctx, req, &summary)
	default:
		return summary, fmt.Errorf("%w: unknown backfill kind %q", ErrInvalidInput, req.Kind)
	}
	event := p.log.Info()
	if err != nil {
		event = p.log.Error().Err(err)
	}
	event.
		Str("kind", string(summary.Kind)).
		Str("workspace", summary.WorkspaceID).
		Int("pages", summary.Pages).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("unchanged", summary.Unchanged).
		Int("deleted", summary.Deleted).
		Int("errors", summary.Errors).
		Dur("elapsed", time.Since(start)).
		Msg("backfill finished")
	return summary, err
}

// BackfillAll runs the given kinds (all of them when kinds is empty) stage by
// stage; kinds within a stage run concurrently.
func (p *Puller) BackfillAll(ctx context.Context, workspaceID string, kinds []BackfillKind) ([]BackfillSummary, error) {
	want := map[BackfillKind]bool{}
	for _, kind := range kinds {
		want[kind] = true
	}
	var (
		mu        sync.Mutex
		summaries []BackfillSummary
	)
	for _, stage := range backfillStages {
		group, groupCtx := errgroup.WithContext(ctx)
		for _, kind := range stage {
			if len(want) > 0 && !want[kind] {
				continue
			}
			group.Go(func() error {
				summary, err := p.Backfill(groupCtx, BackfillRequest{Kind: kind, WorkspaceID: workspaceID})
				mu.Lock()
				summaries = append(summaries, summary)
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("backfill %s: %w", kind, err)
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

type applyFunc func(ctx context.Context, raw map[string]any, summary *BackfillSummary) error

func (p *Puller) applyAs(kind EntityKind) applyFunc {
	return func(ctx context.Context, raw map[string]any, summary *BackfillSummary) error {
		var res UpsertResult
		err := p.governor.Do(ctx, "backfill "+string(kind), func(ctx context.Context) error {
			var err error
			_, res, err = p.pipeline.Upsert(ctx, kind, raw)
			return err
		})
		if err == nil {
			summary.tally(res)
		}
		return err
	}
}

// applyTimesheet writes the timesheet and, when it is approved, the entries
// carried on the same page item.
func (p *Puller) applyTimesheet(ctx context.Context, raw map[string]any, summary *BackfillSummary) error {
	var (
		rec Record
		res UpsertResult
	)
	err := p.governor.Do(ctx, "backfill timesheet", func(ctx context.Context) error {
		var err error
		rec, res, err = p.pipeline.Upsert(ctx, KindTimesheet, raw)
		return err
	})
	if err != nil {
		return err
	}
	summary.tally(res)
	ts := rec.(*Timesheet)
	if ts.Status != TimesheetApproved {
		p.log.Debug().Str("timesheet", ts.ID).Str("status", ts.Status).Msg("skipping entries on unapproved timesheet")
		return nil
	}
	for _, item := range optSlice(raw, "entries") {
		entry, ok := item.(map[string]any)
		if !ok {
			summary.Errors++
			continue
		}
		var entryRes UpsertResult
		err := p.governor.Do(ctx, "backfill entry", func(ctx context.Context) error {
			var err error
			_, entryRes, err = p.pipeline.UpsertEntry(ctx, entry, ts)
			return err
		})
		if err != nil {
			p.recordFailure(summary, entry, err)
			continue
		}
		summary.tally(entryRes)
	}
	return nil
}

func (p *Puller) applyTimeOff(ctx context.Context, raw map[string]any, summary *BackfillSummary) error {
	var outcome Outcome
	err := p.governor.Do(ctx, "backfill timeoff", func(ctx context.Context) error {
		var err error
		_, outcome, err = p.pipeline.ApplyTimeOff(ctx, raw, false)
		return err
	})
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeDeleted:
		summary.Deleted++
	case OutcomeCreated:
		summary.Created++
	case OutcomeNotFound:
		summary.Unchanged++
	default:
		summary.Updated++
	}
	return nil
}

func (p *Puller) workspaces(ctx context.Context, summary *BackfillSummary) error {
	items, err := p.source.Workspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	summary.Pages++
	apply := p.applyAs(KindWorkspace)
	for _, raw := range items {
		if err := apply(ctx, raw, summary); err != nil {
			p.recordFailure(summary, raw, err)
		}
	}
	return nil
}

// pages reads the listing from the request offset until an empty page or
// pageCap pages have been read.
func (p *Puller) pages(ctx context.Context, req BackfillRequest, resource Resource, pageCap int, summary *BackfillSummary, apply applyFunc) error {
	first := req.Offset
	if first < 1 {
		first = 1
	}
	for page := first; page < first+pageCap; page++ {
		items, err := p.source.ListPage(ctx, req.WorkspaceID, resource, page, p.pageSize, nil)
		if err != nil {
			return fmt.Errorf("list %s page %d: %w", resource, page, err)
		}
		if len(items) == 0 {
			return nil
		}
		summary.Pages++
		p.log.Debug().Str("resource", string(resource)).Int("page", page).Int("items", len(items)).Msg("backfill page")
		for _, raw := range items {
			if err := apply(ctx, raw, summary); err != nil {
				p.recordFailure(summary, raw, err)
			}
		}
	}
	return nil
}

// timeOff walks five-week windows backwards from the end of next year until
// the window ends before the current year. A full page means the window has
// more to read.
func (p *Puller) timeOff(ctx context.Context, req BackfillRequest, summary *BackfillSummary) error {
	now := p.now().In(p.loc)
	end := time.Date(now.Year()+1, time.December, 31, 0, 0, 0, 0, p.loc)
	for end.Year() >= now.Year() {
		start := end.AddDate(0, 0, -timeOffWindow)
		query := url.Values{}
		query.Set("start", start.Format(time.RFC3339))
		query.Set("end", end.Format(time.RFC3339))
		for page := 1; ; page++ {
			if page > p.pageLimit {
				p.log.Warn().
					Str("start", start.Format(dateLayout)).
					Str("end", end.Format(dateLayout)).
					Int("pages", p.pageLimit).
					Msg("time off window still returning full pages, moving on")
				break
			}
			items, err := p.source.ListPage(ctx, req.WorkspaceID, ResourceTimeOff, page, timeOffPageSize, query)
			if err != nil {
				return fmt.Errorf("list time off %s..%s page %d: %w", start.Format(dateLayout), end.Format(dateLayout), page, err)
			}
			if len(items) > 0 {
				summary.Pages++
			}
			for _, raw := range items {
				if err := p.applyTimeOff(ctx, raw, summary); err != nil {
					p.recordFailure(summary, raw, err)
				}
			}
			if len(items) < timeOffPageSize {
				break
			}
		}
		end = start
	}
	return nil
}

// categories upserts the remote set and then deletes stored categories the
// remote no longer lists. Placeholders are left for a later pull to fill.
func (p *Puller) categories(ctx context.Context, req BackfillRequest, summary *BackfillSummary) error {
	seen := map[string]bool{}
	apply := p.applyAs(KindCategory)
	track := func(ctx context.Context, raw map[string]any, summary *BackfillSummary) error {
		seen[optString(raw, "id")] = true
		return apply(ctx, raw, summary)
	}
	if err := p.pages(ctx, req, ResourceCategories, p.pageLimit, summary, track); err != nil {
		return err
	}
	keys, err := p.pipeline.Executor().Repository().Keys(ctx, KindCategory, req.WorkspaceID)
	if err != nil {
		return fmt.Errorf("list stored categories: %w", err)
	}
	for _, key := range keys {
		if seen[key.ID] {
			continue
		}
		stored, err := p.pipeline.Executor().Get(ctx, KindCategory, key)
		if err != nil {
			summary.Errors++
			continue
		}
		if stored.(*Category).Placeholder {
			continue
		}
		var outcome Outcome
		err = p.governor.Do(ctx, "prune category", func(ctx context.Context) error {
			var err error
			outcome, err = p.pipeline.Executor().Delete(ctx, KindCategory, key)
			return err
		})
		if err != nil {
			summary.Errors++
			p.log.Error().Err(err).Str("category", key.ID).Msg("stale category not removed")
			continue
		}
		if outcome == OutcomeDeleted {
			summary.Deleted++
			p.log.Info().Str("category", key.ID).Msg("removed category no longer listed remotely")
		}
	}
	return nil
}

func (p *Puller) recordFailure(summary *BackfillSummary, raw map[string]any, err error) {
	summary.Errors++
	if inner, ok := raw["approvalRequest"].(map[string]any); ok {
		raw = inner
	}
	employee := optString(raw, "userId")
	if employee == "" {
		employee = optString(raw, "owner", "userId")
	}
	rangeStart := optString(raw, "dateRange", "start")
	rangeEnd := optString(raw, "dateRange", "end")
	if rangeStart == "" {
		rangeStart = optString(raw, "timeOffPeriod", "period", "start")
		rangeEnd = optString(raw, "timeOffPeriod", "period", "end")
	}
	if rangeStart == "" {
		rangeStart = optString(raw, "timeInterval", "start")
		rangeEnd = optString(raw, "timeInterval", "end")
	}
	p.log.Error().
		Err(err).
		Str("kind", string(summary.Kind)).
		Str("id", optString(raw, "id")).
		Str("employee", employee).
		Str("rangeStart", rangeStart).
		Str("rangeEnd", rangeEnd).
		Msg("backfill record failed")
}
