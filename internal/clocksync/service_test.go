package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, repo Repository, source RemoteSource) *Service {
	t.Helper()
	svc, err := New(Options{
		Repository: repo,
		Source:     source,
		Location:   testLocation,
		Now:        fixedNow,
		Logger:     zerolog.Nop(),
		Tokens: TokenTable{
			RouteTimesheets: {"create": "tok-ts-create", "update": "tok-ts-update"},
			RouteEntries:    {"create": "tok-entry-create"},
		},
		DeadlockPause:      time.Millisecond,
		DisableWorkers:     true,
		TaskRetryDelay:     time.Millisecond,
		SentinelClientID:   "unassigned",
		DefaultWorkspaceID: "W1",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func runQueued(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, svc.Engine().RunNext(ctx), "expected a queued task")
}

func TestServiceApprovedTimesheetCascadesThroughEngine(t *testing.T) {
	repo := NewMemoryRepository()
	seedEmployee(repo, "u1")
	source := &fakeSource{
		entries: map[string][]map[string]any{"ts_1": {entryPayload("e1", "W1")}},
	}
	svc := newTestService(t, repo, source)
	ctx := context.Background()

	cls, err := svc.Classify(RouteTimesheets, "tok-ts-update")
	require.NoError(t, err)
	res, err := svc.Dispatch(ctx, cls, timesheetPayload("ts_1", "W1", "u1", TimesheetApproved))
	require.NoError(t, err)
	require.NotEmpty(t, res.TaskID)

	runQueued(t, svc)
	require.Equal(t, 1, repo.Count(KindEntry))
	require.Equal(t, []string{"entries ts_1", "expenses ts_1"}, source.Calls())

	// The same approval again is not a transition and pulls nothing.
	_, err = svc.Dispatch(ctx, cls, timesheetPayload("ts_1", "W1", "u1", TimesheetApproved))
	require.NoError(t, err)
	runQueued(t, svc)
	require.Len(t, source.Calls(), 2)
}

func TestServiceAuditsCompletedTasks(t *testing.T) {
	repo := NewMemoryRepository()
	seedEmployee(repo, "u1")
	source := &fakeSource{
		entries: map[string][]map[string]any{"ts_1": {entryPayload("e1", "W1")}},
	}
	svc := newTestService(t, repo, source)
	ctx := context.Background()

	cls, err := svc.Classify(RouteTimesheets, "tok-ts-update")
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, cls, timesheetPayload("ts_1", "W1", "u1", TimesheetApproved))
	require.NoError(t, err)
	runQueued(t, svc)
	_, err = svc.SubmitCalendar(ctx, 2030)
	require.NoError(t, err)
	runQueued(t, svc)
	require.Equal(t, 1, repo.Count(KindEntry))
	require.Equal(t, 365, repo.Count(KindCalendarDay))

	svc.Audit().Close()
	records, err := repo.ListAudit(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "task:cascade", records[0].Caller)
	require.Equal(t, "task:calendar", records[1].Caller)
	for _, rec := range records {
		require.Equal(t, AuditStatusDone, rec.StatusCode)
		require.NotEmpty(t, rec.Payload)
	}
}

func TestServiceQueuedBackfillUsesDefaultWorkspace(t *testing.T) {
	repo := NewMemoryRepository()
	source := &fakeSource{pages: map[Resource][][]map[string]any{
		ResourceClients: {{{"id": "c1", "workspaceId": "W1", "name": "Acme"}}},
	}}
	svc := newTestService(t, repo, source)

	task, err := svc.SubmitBackfill(context.Background(), BackfillClients, "", 0)
	require.NoError(t, err)
	require.Equal(t, TaskBackfill, task.Kind)
	runQueued(t, svc)
	require.Equal(t, 1, repo.Count(KindClient))

	_, err = svc.SubmitBackfill(context.Background(), BackfillKind("invoices"), "", 0)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestServiceCalendarTask(t *testing.T) {
	repo := NewMemoryRepository()
	svc := newTestService(t, repo, nil)
	require.Equal(t, 2025, svc.NextCalendarYear())

	_, err := svc.SubmitCalendar(context.Background(), svc.NextCalendarYear())
	require.NoError(t, err)
	runQueued(t, svc)
	require.Equal(t, 365, repo.Count(KindCalendarDay))

	_, err = svc.SubmitCalendar(context.Background(), 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestServiceWithoutRemoteFailsBackfill(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), nil)
	_, err := svc.Backfill(context.Background(), BackfillRequest{Kind: BackfillClients})
	require.ErrorIs(t, err, errNoRemote)
}

func TestServiceReplaceTokens(t *testing.T) {
	svc := newTestService(t, NewMemoryRepository(), nil)
	require.NoError(t, svc.ReplaceTokens(TokenTable{RouteEntries: {"create": "tok-rotated"}}))
	_, err := svc.Classify(RouteEntries, "tok-entry-create")
	require.ErrorIs(t, err, ErrUnauthorized)
	cls, err := svc.Classify(RouteEntries, "tok-rotated")
	require.NoError(t, err)
	require.Equal(t, KindEntry, cls.Kind)
}
