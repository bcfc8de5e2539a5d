package clocksync

import (
	"context"
	"net/url"
)

// Resource names a paginated listing under /workspaces/{id}/ on the remote
// time-tracking service.
type Resource string

const (
	ResourceClients    Resource = "clients"
	ResourceProjects   Resource = "projects"
	ResourceUsers      Resource = "users"
	ResourcePolicies   Resource = "time-off/policies"
	ResourceHolidays   Resource = "holidays"
	ResourceTimeOff    Resource = "time-off/requests"
	ResourceTimesheets Resource = "approval-requests"
	ResourceCategories Resource = "expenses/categories"
)

// RemoteSource is the read side of the remote service. Every method returns
// decoded JSON objects or an error; non-2xx responses are errors.
type RemoteSource interface {
	Workspaces(ctx context.Context) ([]map[string]any, error)
	ListPage(ctx context.Context, workspaceID string, resource Resource, page, pageSize int, query url.Values) ([]map[string]any, error)
	ApprovalEntries(ctx context.Context, workspaceID, timesheetID string) ([]map[string]any, error)
	ApprovalExpenses(ctx context.Context, workspaceID, timesheetID string) ([]map[string]any, error)
}
