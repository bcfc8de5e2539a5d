package clocksync

import (
	"strings"
	"time"
)

type EntityKind string

const (
	KindWorkspace   EntityKind = "workspace"
	KindClient      EntityKind = "client"
	KindEmployee    EntityKind = "employee"
	KindProject     EntityKind = "project"
	KindTimesheet   EntityKind = "timesheet"
	KindEntry       EntityKind = "entry"
	KindTag         EntityKind = "tag"
	KindCategory    EntityKind = "category"
	KindExpense     EntityKind = "expense"
	KindTimeOff     EntityKind = "timeoff"
	KindPolicy      EntityKind = "policy"
	KindHoliday     EntityKind = "holiday"
	KindCalendarDay EntityKind = "calendar_day"
)

const (
	TimesheetPending  = "PENDING"
	TimesheetApproved = "APPROVED"

	TimeOffPending   = "PENDING"
	TimeOffApproved  = "APPROVED"
	TimeOffWithdrawn = "WITHDRAWN"
	TimeOffRejected  = "REJECTED"

	EmployeeActive   = "ACTIVE"
	EmployeeInactive = "INACTIVE"
)

// Key identifies a stored row. Unused parts are empty.
type Key struct {
	ID          string
	WorkspaceID string
	EntryID     string
}

func (k Key) String() string {
	parts := []string{k.ID}
	if k.EntryID != "" {
		parts = append(parts, "entry="+k.EntryID)
	}
	if k.WorkspaceID != "" {
		parts = append(parts, "workspace="+k.WorkspaceID)
	}
	return strings.Join(parts, " ")
}

type Record interface {
	Kind() EntityKind
	Key() Key
}

type Workspace struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Client struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	Placeholder bool   `json:"placeholder"`
}

type Employee struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	Status         string    `json:"status"`
	Role           string    `json:"role"`
	Manager        string    `json:"manager"`
	StartDate      time.Time `json:"startDate"`
	EndDate        time.Time `json:"endDate"`
	PayType        int       `json:"payType"`
	HasVehicle     int       `json:"hasVehicle"`
	VehicleDetails string    `json:"vehicleDetails"`
}

type Project struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	ClientID    string `json:"clientId"`
	Placeholder bool   `json:"placeholder"`
}

type Timesheet struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	EmployeeID  string    `json:"employeeId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Status      string    `json:"status"`
}

type Entry struct {
	ID              string    `json:"id"`
	WorkspaceID     string    `json:"workspaceId"`
	TimesheetID     *string   `json:"timesheetId"`
	ProjectID       string    `json:"projectId"`
	Description     string    `json:"description"`
	Task            *string   `json:"task"`
	Billable        bool      `json:"billable"`
	Rate            float64   `json:"rate"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationSeconds int64     `json:"durationSeconds"`
}

type Tag struct {
	ID          string `json:"id"`
	EntryID     string `json:"entryId"`
	WorkspaceID string `json:"workspaceId"`
	RecordID    string `json:"recordId"`
	Name        string `json:"name"`
}

type Category struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspaceId"`
	Name         string `json:"name"`
	HasUnitPrice bool   `json:"hasUnitPrice"`
	Archived     bool   `json:"archived"`
	PriceInCents int64  `json:"priceInCents"`
	Unit         string `json:"unit"`
	Placeholder  bool   `json:"placeholder"`
}

type Expense struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	CategoryID  string    `json:"categoryId"`
	ProjectID   string    `json:"projectId"`
	EmployeeID  string    `json:"employeeId"`
	TimesheetID *string   `json:"timesheetId"`
	Date        time.Time `json:"date"`
	Notes       string    `json:"notes"`
	Quantity    float64   `json:"quantity"`
	Billable    bool      `json:"billable"`
	Subtotal    float64   `json:"subtotal"`
	Taxes       float64   `json:"taxes"`
	Status      string    `json:"status"`
}

type TimeOffRequest struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspaceId"`
	EmployeeID   string    `json:"employeeId"`
	PolicyID     string    `json:"policyId"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	WorkingDays  float64   `json:"workingDays"`
	BalanceDelta float64   `json:"balanceDelta"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

type TimeOffPolicy struct {
	ID            string  `json:"id"`
	WorkspaceID   string  `json:"workspaceId"`
	Name          string  `json:"name"`
	AccrualAmount float64 `json:"accrualAmount"`
	AccrualPeriod string  `json:"accrualPeriod"`
	TimeUnit      string  `json:"timeUnit"`
	Archived      bool    `json:"archived"`
}

type Holiday struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Date        time.Time `json:"date"`
	Name        string    `json:"name"`
}

type CalendarDay struct {
	Date      time.Time `json:"date"`
	DayOfWeek int       `json:"dayOfWeek"`
	Month     int       `json:"month"`
	Year      int       `json:"year"`
}

func (r *Workspace) Kind() EntityKind      { return KindWorkspace }
func (r *Client) Kind() EntityKind         { return KindClient }
func (r *Employee) Kind() EntityKind       { return KindEmployee }
func (r *Project) Kind() EntityKind        { return KindProject }
func (r *Timesheet) Kind() EntityKind      { return KindTimesheet }
func (r *Entry) Kind() EntityKind          { return KindEntry }
func (r *Tag) Kind() EntityKind            { return KindTag }
func (r *Category) Kind() EntityKind       { return KindCategory }
func (r *Expense) Kind() EntityKind        { return KindExpense }
func (r *TimeOffRequest) Kind() EntityKind { return KindTimeOff }
func (r *TimeOffPolicy) Kind() EntityKind  { return KindPolicy }
func (r *Holiday) Kind() EntityKind        { return KindHoliday }
func (r *CalendarDay) Kind() EntityKind    { return KindCalendarDay }

func (r *Workspace) Key() Key      { return Key{ID: r.ID} }
func (r *Client) Key() Key         { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *Employee) Key() Key       { return Key{ID: r.ID} }
func (r *Project) Key() Key        { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *Timesheet) Key() Key      { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *Entry) Key() Key          { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *Tag) Key() Key            { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID, EntryID: r.EntryID} }
func (r *Category) Key() Key       { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *Expense) Key() Key        { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *TimeOffRequest) Key() Key { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *TimeOffPolicy) Key() Key  { return Key{ID: r.ID, WorkspaceID: r.WorkspaceID} }
func (r *Holiday) Key() Key        { return Key{ID: r.ID} }
func (r *CalendarDay) Key() Key    { return Key{ID: r.Date.Format(dateLayout)} }

func stringPtr(v string) *string {
	return &v
}
