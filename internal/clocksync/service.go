package clocksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Repository Repository
	Source     RemoteSource
	Location   *time.Location
	Now        func() time.Time
	Logger     zerolog.Logger

	Tokens     TokenTable
	GateWidths map[GateClass]int64

	DeadlockRetries int
	DeadlockPause   time.Duration

	TaskQueue       TaskQueue
	QueueBackend    string
	QueueSize       int
	Workers         int
	TaskMaxAttempts int
	TaskRetryDelay  time.Duration
	DisableWorkers  bool

	CascadeTrigger     string
	SentinelClientID   string
	DefaultWorkspaceID string
	PageSize           int
	TimesheetPageCap   int
	AuditBuffer        int
}

// Service is the assembled sync engine: webhook dispatch, cascades, bulk
// pulls and the task engine over one repository.
type Service struct {
	repo       Repository
	mapper     *Mapper
	exec       *Executor
	pipeline   *Pipeline
	gate       *Gate
	governor   *Governor
	cascade    *CascadeResolver
	puller     *Puller
	classifier *Classifier
	dispatcher *Dispatcher
	audit      *AuditSink
	engine     *Engine
	loc        *time.Location
	now        func() time.Time
	workspace  string
	log        zerolog.Logger
}

func New(opts Options) (*Service, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("%w: repository required", ErrInvalidInput)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	source := opts.Source
	if source == nil {
		source = unconfiguredSource{}
	}
	logger := opts.Logger

	classifier, err := NewClassifier(opts.Tokens)
	if err != nil {
		return nil, err
	}
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}

	s := &Service{
		repo:       opts.Repository,
		classifier: classifier,
		loc:        loc,
		now:        now,
		workspace:  opts.DefaultWorkspaceID,
		log:        logger.With().Str("component", "service").Logger(),
	}
	s.mapper = NewMapper(loc, now)
	s.exec = NewExecutor(opts.Repository, ExecutorOptions{Logger: logger, SentinelClientID: opts.SentinelClientID})
	s.pipeline = NewPipeline(s.mapper, s.exec, logger)
	s.gate = NewGate(opts.GateWidths)
	s.governor = NewGovernor(GovernorOptions{MaxRetries: opts.DeadlockRetries, Pause: opts.DeadlockPause, Logger: logger})
	s.cascade = NewCascadeResolver(s.pipeline, source, s.gate, s.governor, CascadeOptions{TriggerStatus: opts.CascadeTrigger, Logger: logger})
	s.puller = NewPuller(s.pipeline, source, s.governor, BackfillOptions{
		PageSize:         opts.PageSize,
		TimesheetPageCap: opts.TimesheetPageCap,
		Location:         loc,
		Now:              now,
		Logger:           logger,
	})
	s.audit = NewAuditSink(opts.Repository, AuditOptions{Buffer: opts.AuditBuffer, Location: loc, Logger: logger})
	s.engine = NewEngine(s, EngineOptions{
		Queue:          opts.TaskQueue,
		QueueBackend:   opts.QueueBackend,
		QueueSize:      opts.QueueSize,
		Workers:        opts.Workers,
		MaxAttempts:    opts.TaskMaxAttempts,
		RetryDelay:     opts.TaskRetryDelay,
		DisableWorkers: opts.DisableWorkers,
		Audit:          s.audit,
		Location:       loc,
		Logger:         logger,
	})
	s.dispatcher = NewDispatcher(validator, s.pipeline, s.gate, s.governor, s.engine, DispatcherOptions{Logger: logger})
	return s, nil
}

func (s *Service) Repository() Repository  { return s.repo }
func (s *Service) Executor() *Executor      { return s.exec }
func (s *Service) Engine() *Engine          { return s.engine }
func (s *Service) Audit() *AuditSink        { return s.audit }
func (s *Service) Gate() *Gate              { return s.gate }
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Classify(route, token string) (Classification, error) {
	return s.classifier.Classify(route, token)
}

func (s *Service) Dispatch(ctx context.Context, cls Classification, payload map[string]any) (DispatchResult, error) {
	return s.dispatcher.Dispatch(ctx, cls, payload)
}

func (s *Service) ReplaceTokens(table TokenTable) error {
	if err := s.classifier.Replace(table); err != nil {
		return err
	}
	s.log.Info().Int("routes", len(table)).Msg("webhook tokens replaced")
	return nil
}

func (s *Service) SubmitBackfill(ctx context.Context, kind BackfillKind, workspaceID string, offset int) (Task, error) {
	if _, err := ParseBackfillKind(string(kind)); err != nil {
		return Task{}, err
	}
	return s.engine.Submit(ctx, Task{
		Kind:        TaskBackfill,
		Backfill:    kind,
		WorkspaceID: workspaceID,
		Offset:      offset,
	})
}

func (s *Service) SubmitCalendar(ctx context.Context, year int) (Task, error) {
	if year < 1 || year > 9999 {
		return Task{}, invalidField("year", fmt.Sprintf("out of range: %d", year))
	}
	return s.engine.Submit(ctx, Task{Kind: TaskCalendar, Year: year})
}

// RunTask executes one queued task; it satisfies TaskRunner for the engine.
func (s *Service) RunTask(ctx context.Context, task Task) error {
	switch task.Kind {
	case TaskCascade:
		var raw map[string]any
		if err := json.Unmarshal(task.Payload, &raw); err != nil {
			return fmt.Errorf("%w: cascade payload: %v", ErrInvalidInput, err)
		}
		ts, err := s.mapper.Timesheet(raw)
		if err != nil {
			return err
		}
		_, err = s.cascade.Resolve(ctx, ts, task.PriorStatus)
		return err
	case TaskBackfill:
		_, err := s.Backfill(ctx, BackfillRequest{
			Kind:        task.Backfill,
			WorkspaceID: task.WorkspaceID,
			Offset:      task.Offset,
			PageCap:     task.PageCap,
		})
		return err
	case TaskCalendar:
		_, err := s.GenerateCalendar(ctx, task.Year)
		return err
	default:
		return fmt.Errorf("%w: unknown task kind %q", ErrInvalidInput, task.Kind)
	}
}

// Backfill runs a pull synchronously. An empty workspace falls back to the
// configured default.
func (s *Service) Backfill(ctx context.Context, req BackfillRequest) (BackfillSummary, error) {
	if req.WorkspaceID == "" && req.Kind != BackfillWorkspaces {
		req.WorkspaceID = s.workspace
	}
	return s.puller.Backfill(ctx, req)
}

func (s *Service) BackfillAll(ctx context.Context, workspaceID string, kinds []BackfillKind) ([]BackfillSummary, error) {
	if workspaceID == "" {
		workspaceID = s.workspace
	}
	return s.puller.BackfillAll(ctx, workspaceID, kinds)
}

func (s *Service) GenerateCalendar(ctx context.Context, year int) (BackfillSummary, error) {
	return GenerateCalendar(ctx, s.exec, s.governor, year)
}

// NextCalendarYear is the year the scheduled calendar run generates.
func (s *Service) NextCalendarYear() int {
	return s.now().In(s.loc).Year() + 1
}

func (s *Service) Health(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Close stops the workers, flushes the audit log and closes the repository.
func (s *Service) Close() error {
	s.engine.Close()
	s.audit.Close()
	return s.repo.Close()
}

type unconfiguredSource struct{}

var errNoRemote = errors.New("remote source not configured")

func (unconfiguredSource) Workspaces(context.Context) ([]map[string]any, error) {
	return nil, errNoRemote
}

func (unconfiguredSource) ListPage(context.Context, string, Resource, int, int, url.Values) ([]map[string]any, error) {
	return nil, errNoRemote
}

func (unconfiguredSource) ApprovalEntries(context.Context, string, string) ([]map[string]any, error) {
	return nil, errNoRemote
}

func (unconfiguredSource) ApprovalExpenses(context.Context, string, string) ([]map[string]any, error) {
	return nil, errNoRemote
}
