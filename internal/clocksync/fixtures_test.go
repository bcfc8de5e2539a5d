package clocksync

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var testLocation = time.FixedZone("MST", -7*60*60)

func fixedNow() time.Time {
	return time.Date(2024, time.March, 15, 10, 0, 0, 0, testLocation)
}

func newTestMapper() *Mapper {
	return NewMapper(testLocation, fixedNow)
}

func newTestPipeline(repo Repository) *Pipeline {
	exec := NewExecutor(repo, ExecutorOptions{Logger: zerolog.Nop(), SentinelClientID: "unassigned"})
	return NewPipeline(newTestMapper(), exec, zerolog.Nop())
}

func newTestGovernor(retries int) *Governor {
	return NewGovernor(GovernorOptions{MaxRetries: retries, Pause: time.Millisecond, Logger: zerolog.Nop()})
}

func seedEmployee(repo Repository, id string) {
	_ = repo.Insert(context.Background(), &Employee{ID: id, Name: id, Status: EmployeeActive})
}

func entryPayload(id, workspaceID string) map[string]any {
	return map[string]any{
		"id":          id,
		"workspaceId": workspaceID,
		"projectId":   "proj_1",
		"description": "site survey",
		"billable":    false,
		"timeInterval": map[string]any{
			"start":    "2024-03-11T15:00:00Z",
			"end":      "2024-03-11T19:00:00Z",
			"duration": "PT4H",
		},
	}
}

func withTags(payload map[string]any, tags ...string) map[string]any {
	var list []any
	for _, tag := range tags {
		list = append(list, map[string]any{"id": tag, "name": "name-" + tag})
	}
	payload["tags"] = list
	return payload
}

func timesheetPayload(id, workspaceID, employeeID, status string) map[string]any {
	return map[string]any{
		"id":          id,
		"workspaceId": workspaceID,
		"owner":       map[string]any{"userId": employeeID},
		"dateRange": map[string]any{
			"start": "2024-03-10T00:00:00Z",
			"end":   "2024-03-17T00:00:00Z",
		},
		"status": map[string]any{"state": status},
	}
}

func timeOffPayload(id, workspaceID, employeeID, status string) map[string]any {
	return map[string]any{
		"id":          id,
		"workspaceId": workspaceID,
		"userId":      employeeID,
		"policyId":    "pol_1",
		"timeOffPeriod": map[string]any{
			"period": map[string]any{
				"start": "2024-03-11T07:00:00Z",
				"end":   "2024-03-15T07:00:00Z",
			},
		},
		"status":      map[string]any{"statusType": status},
		"balanceDiff": 40.0,
	}
}

// fakeSource serves canned remote listings.
type fakeSource struct {
	mu         sync.Mutex
	workspaces []map[string]any
	pages      map[Resource][][]map[string]any
	timeOff    func(query url.Values, page int) []map[string]any
	entries    map[string][]map[string]any
	expenses   map[string][]map[string]any
	listErr    error
	calls      []string
}

func (f *fakeSource) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSource) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSource) Workspaces(context.Context) ([]map[string]any, error) {
	f.record("workspaces")
	return f.workspaces, nil
}

func (f *fakeSource) ListPage(_ context.Context, workspaceID string, resource Resource, page, pageSize int, query url.Values) ([]map[string]any, error) {
	f.record(fmt.Sprintf("list %s %s page=%d", workspaceID, resource, page))
	if f.listErr != nil {
		return nil, f.listErr
	}
	if resource == ResourceTimeOff && f.timeOff != nil {
		return f.timeOff(query, page), nil
	}
	pages := f.pages[resource]
	if page < 1 || page > len(pages) {
		return nil, nil
	}
	return pages[page-1], nil
}

func (f *fakeSource) ApprovalEntries(_ context.Context, workspaceID, timesheetID string) ([]map[string]any, error) {
	f.record("entries " + timesheetID)
	return f.entries[timesheetID], nil
}

func (f *fakeSource) ApprovalExpenses(_ context.Context, workspaceID, timesheetID string) ([]map[string]any, error) {
	f.record("expenses " + timesheetID)
	return f.expenses[timesheetID], nil
}

// contendedRepository reports a deadlock for the first failures writes of
// one kind, then defers to the wrapped repository.
type contendedRepository struct {
	Repository
	kind     EntityKind
	failures int64
	attempts atomic.Int64
}

func (r *contendedRepository) fail(kind EntityKind) error {
	if kind != r.kind {
		return nil
	}
	n := r.attempts.Add(1)
	if r.failures < 0 || n <= r.failures {
		return &TransientError{Op: "write", Err: fmt.Errorf("deadlock detected")}
	}
	return nil
}

func (r *contendedRepository) Insert(ctx context.Context, rec Record) error {
	if err := r.fail(rec.Kind()); err != nil {
		return err
	}
	return r.Repository.Insert(ctx, rec)
}

func (r *contendedRepository) Update(ctx context.Context, rec Record) error {
	if err := r.fail(rec.Kind()); err != nil {
		return err
	}
	return r.Repository.Update(ctx, rec)
}
