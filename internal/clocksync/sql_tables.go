package clocksync

import (
	"database/sql"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// sqlTable describes how one entity kind maps onto its table. Key columns
// come first in every SELECT, followed by columns in declaration order.
type sqlTable struct {
	name    string
	keys    []string
	columns []string
	keyArgs func(d sqlDialect, k Key) []any
	values  func(d sqlDialect, r Record) []any
	scan    func(s rowScanner) (Record, error)
}

var (
	idKey          = []string{"id"}
	workspaceKey   = []string{"id", "workspace_id"}
	idArgs         = func(_ sqlDialect, k Key) []any { return []any{k.ID} }
	workspaceArgs  = func(_ sqlDialect, k Key) []any { return []any{k.ID, k.WorkspaceID} }
	calendarLayout = dateLayout
)

var sqlTables = map[EntityKind]sqlTable{
	KindWorkspace: {
		name:    "workspaces",
		keys:    idKey,
		columns: []string{"name"},
		keyArgs: idArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*Workspace)
			return []any{r.Name}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Workspace
			err := s.Scan(&r.ID, &r.Name)
			return &r, err
		},
	},
	KindClient: {
		name:    "clients",
		keys:    workspaceKey,
		columns: []string{"name", "email", "address", "placeholder"},
		keyArgs: workspaceArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*Client)
			return []any{r.Name, r.Email, r.Address, r.Placeholder}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Client
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Email, &r.Address, &r.Placeholder)
			return &r, err
		},
	},
	KindEmployee: {
		name:    "employees",
		keys:    idKey,
		columns: []string{"name", "email", "status", "role", "manager", "start_date", "end_date", "pay_type", "has_vehicle", "vehicle_details"},
		keyArgs: idArgs,
		values: func(d sqlDialect, rec Record) []any {
			r := rec.(*Employee)
			return []any{r.Name, r.Email, r.Status, r.Role, r.Manager, d.date(r.StartDate), d.date(r.EndDate), r.PayType, r.HasVehicle, r.VehicleDetails}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Employee
			err := s.Scan(&r.ID, &r.Name, &r.Email, &r.Status, &r.Role, &r.Manager, &r.StartDate, &r.EndDate, &r.PayType, &r.HasVehicle, &r.VehicleDetails)
			r.StartDate = civilDate(r.StartDate)
			r.EndDate = civilDate(r.EndDate)
			return &r, err
		},
	},
	KindProject: {
		name:    "projects",
		keys:    workspaceKey,
		columns: []string{"name", "code", "title", "client_id", "placeholder"},
		keyArgs: workspaceArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*Project)
			return []any{r.Name, r.Code, r.Title, nullString(r.ClientID), r.Placeholder}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Project
			var client sql.NullString
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Code, &r.Title, &client, &r.Placeholder)
			r.ClientID = client.String
			return &r, err
		},
	},
	KindTimesheet: {
		name:    "timesheets",
		keys:    workspaceKey,
		columns: []string{"employee_id", "period_start", "period_end", "status"},
		keyArgs: workspaceArgs,
		values: func(d sqlDialect, rec Record) []any {
			r := rec.(*Timesheet)
			return []any{r.EmployeeID, d.date(r.PeriodStart), d.date(r.PeriodEnd), r.Status}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Timesheet
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.EmployeeID, &r.PeriodStart, &r.PeriodEnd, &r.Status)
			r.PeriodStart = civilDate(r.PeriodStart)
			r.PeriodEnd = civilDate(r.PeriodEnd)
			return &r, err
		},
	},
	KindEntry: {
		name:    "entries",
		keys:    workspaceKey,
		columns: []string{"timesheet_id", "project_id", "description", "task", "billable", "rate", "start_time", "end_time", "duration_seconds"},
		keyArgs: workspaceArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*Entry)
			return []any{nullStringPtr(r.TimesheetID), nullString(r.ProjectID), r.Description, nullStringPtr(r.Task), r.Billable, r.Rate, r.Start, r.End, r.DurationSeconds}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Entry
			var timesheet, project, task sql.NullString
			err := s.Scan(&r.ID, &r.WorkspaceID, &timesheet, &project, &r.Description, &task, &r.Billable, &r.Rate, &r.Start, &r.End, &r.DurationSeconds)
			r.TimesheetID = ptrFromNull(timesheet)
			r.ProjectID = project.String
			r.Task = ptrFromNull(task)
			return &r, err
		},
	},
	KindTag: {
		name:    "tags",
		keys:    []string{"id", "entry_id", "workspace_id"},
		columns: []string{"record_id", "name"},
		keyArgs: func(_ sqlDialect, k Key) []any { return []any{k.ID, k.EntryID, k.WorkspaceID} },
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*Tag)
			return []any{r.RecordID, r.Name}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Tag
			err := s.Scan(&r.ID, &r.EntryID, &r.WorkspaceID, &r.RecordID, &r.Name)
			return &r, err
		},
	},
	KindCategory: {
		name:    "expense_categories",
		keys:    workspaceKey,
		columns: []string{"name", "has_unit_price", "archived", "price_in_cents", "unit", "placeholder"},
		keyArgs: workspaceArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*Category)
			return []any{r.Name, r.HasUnitPrice, r.Archived, r.PriceInCents, r.Unit, r.Placeholder}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Category
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.HasUnitPrice, &r.Archived, &r.PriceInCents, &r.Unit, &r.Placeholder)
			return &r, err
		},
	},
	KindExpense: {
		name:    "expenses",
		keys:    workspaceKey,
		columns: []string{"category_id", "project_id", "employee_id", "timesheet_id", "date", "notes", "quantity", "billable", "subtotal", "taxes", "status"},
		keyArgs: workspaceArgs,
		values: func(d sqlDialect, rec Record) []any {
			r := rec.(*Expense)
			return []any{nullString(r.CategoryID), nullString(r.ProjectID), r.EmployeeID, nullStringPtr(r.TimesheetID), d.date(r.Date), r.Notes, r.Quantity, r.Billable, r.Subtotal, r.Taxes, r.Status}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Expense
			var category, project, timesheet sql.NullString
			err := s.Scan(&r.ID, &r.WorkspaceID, &category, &project, &r.EmployeeID, &timesheet, &r.Date, &r.Notes, &r.Quantity, &r.Billable, &r.Subtotal, &r.Taxes, &r.Status)
			r.CategoryID = category.String
			r.ProjectID = project.String
			r.TimesheetID = ptrFromNull(timesheet)
			r.Date = civilDate(r.Date)
			return &r, err
		},
	},
	KindTimeOff: {
		name:    "time_off_requests",
		keys:    workspaceKey,
		columns: []string{"employee_id", "policy_id", "start_time", "end_time", "working_days", "balance_delta", "status", "created_at"},
		keyArgs: workspaceArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*TimeOffRequest)
			return []any{r.EmployeeID, r.PolicyID, r.Start, r.End, r.WorkingDays, r.BalanceDelta, r.Status, r.CreatedAt}
		},
		scan: func(s rowScanner) (Record, error) {
			var r TimeOffRequest
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.EmployeeID, &r.PolicyID, &r.Start, &r.End, &r.WorkingDays, &r.BalanceDelta, &r.Status, &r.CreatedAt)
			return &r, err
		},
	},
	KindPolicy: {
		name:    "time_off_policies",
		keys:    workspaceKey,
		columns: []string{"name", "accrual_amount", "accrual_period", "time_unit", "archived"},
		keyArgs: workspaceArgs,
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*TimeOffPolicy)
			return []any{r.Name, r.AccrualAmount, r.AccrualPeriod, r.TimeUnit, r.Archived}
		},
		scan: func(s rowScanner) (Record, error) {
			var r TimeOffPolicy
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.AccrualAmount, &r.AccrualPeriod, &r.TimeUnit, &r.Archived)
			return &r, err
		},
	},
	KindHoliday: {
		name:    "holidays",
		keys:    idKey,
		columns: []string{"workspace_id", "date", "name"},
		keyArgs: idArgs,
		values: func(d sqlDialect, rec Record) []any {
			r := rec.(*Holiday)
			return []any{r.WorkspaceID, d.date(r.Date), r.Name}
		},
		scan: func(s rowScanner) (Record, error) {
			var r Holiday
			err := s.Scan(&r.ID, &r.WorkspaceID, &r.Date, &r.Name)
			r.Date = civilDate(r.Date)
			return &r, err
		},
	},
	KindCalendarDay: {
		name:    "calendar_days",
		keys:    []string{"date"},
		columns: []string{"day_of_week", "month", "year"},
		keyArgs: func(d sqlDialect, k Key) []any {
			t, err := time.Parse(calendarLayout, k.ID)
			if err != nil {
				return []any{k.ID}
			}
			return []any{d.date(t)}
		},
		values: func(_ sqlDialect, rec Record) []any {
			r := rec.(*CalendarDay)
			return []any{r.DayOfWeek, r.Month, r.Year}
		},
		scan: func(s rowScanner) (Record, error) {
			var r CalendarDay
			err := s.Scan(&r.Date, &r.DayOfWeek, &r.Month, &r.Year)
			r.Date = civilDate(r.Date)
			return &r, err
		},
	},
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNull(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return stringPtr(s.String)
}
