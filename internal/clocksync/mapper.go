package clocksync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"

	InvalidProjectName = "INVALID NAME FORMAT"

	defaultRole           = "No Role Specified"
	defaultManager        = "Missing Manager Information"
	defaultVehicleDetails = "Missing Details"
	defaultPayType        = 5

	defaultAccrualPeriod = "N/A"
	defaultTimeUnit      = "HOURS"

	tagRecordIDLength = 50
)

// Mapper turns remote payloads into canonical records. It never touches the
// network or the store.
type Mapper struct {
	loc *time.Location
	now func() time.Time
}

func NewMapper(loc *time.Location, now func() time.Time) *Mapper {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Mapper{loc: loc, now: now}
}

func (m *Mapper) Location() *time.Location {
	return m.loc
}

func (m *Mapper) Map(kind EntityKind, raw map[string]any) (Record, error) {
	switch kind {
	case KindWorkspace:
		return m.Workspace(raw)
	case KindClient:
		return m.Client(raw)
	case KindEmployee:
		return m.Employee(raw)
	case KindProject:
		return m.Project(raw)
	case KindTimesheet:
		return m.Timesheet(raw)
	case KindEntry:
		return m.Entry(raw)
	case KindCategory:
		return m.Category(raw)
	case KindExpense:
		return m.Expense(raw)
	case KindTimeOff:
		return m.TimeOff(raw)
	case KindPolicy:
		return m.Policy(raw)
	case KindHoliday:
		return m.Holiday(raw)
	default:
		return nil, fmt.Errorf("%w: no mapper for kind %q", ErrInvalidInput, kind)
	}
}

func (m *Mapper) Workspace(raw map[string]any) (*Workspace, error) {
	id, err := requireString(raw, "id")
	if err != nil {
		return nil, err
	}
	return &Workspace{ID: id, Name: optString(raw, "name")}, nil
}

func (m *Mapper) Client(raw map[string]any) (*Client, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	return &Client{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        optString(raw, "name"),
		Email:       optString(raw, "email"),
		Address:     optString(raw, "address"),
	}, nil
}

func (m *Mapper) Project(raw map[string]any) (*Project, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	name := optString(raw, "name")
	code, title := splitProjectName(name)
	clientID := optString(raw, "clientId")
	if clientID == "" {
		clientID = optString(raw, "client", "id")
	}
	return &Project{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        name,
		Code:        code,
		Title:       title,
		ClientID:    clientID,
	}, nil
}

// splitProjectName expects "CODE - Title". Anything else yields the invalid
// name sentinel for both parts.
func splitProjectName(name string) (string, string) {
	parts := strings.Split(name, " - ")
	if len(parts) != 2 {
		return InvalidProjectName, InvalidProjectName
	}
	return parts[0], parts[1]
}

func (m *Mapper) Employee(raw map[string]any) (*Employee, error) {
	id, err := requireString(raw, "id")
	if err != nil {
		return nil, err
	}
	fields := customFields(raw)
	today := civilDate(m.now().In(m.loc))

	startDate, err := optDateField(fields, "Start Date", today)
	if err != nil {
		return nil, err
	}
	endDate, err := optDateField(fields, "End Date", today)
	if err != nil {
		return nil, err
	}

	payType := defaultPayType
	if v, ok := fields["Rate Type"]; ok {
		if n, ok := toInt(v); ok {
			payType = n
		}
	}
	hasVehicle := 0
	if truthy(fields["Truck"]) {
		hasVehicle = 1
	}

	status := strings.ToUpper(optString(raw, "status"))
	if status == "" {
		status = EmployeeActive
	}
	return &Employee{
		ID:             id,
		Name:           optString(raw, "name"),
		Email:          optString(raw, "email"),
		Status:         status,
		Role:           fieldString(fields, "Role", defaultRole),
		Manager:        fieldString(fields, "Reporting Manager", defaultManager),
		StartDate:      startDate,
		EndDate:        endDate,
		PayType:        payType,
		HasVehicle:     hasVehicle,
		VehicleDetails: fieldString(fields, "Truck Details", defaultVehicleDetails),
	}, nil
}

// customFields folds both the webhook shape (userCustomFields with name) and
// the listing shape (customFields with customFieldName) into one lookup.
func customFields(raw map[string]any) map[string]any {
	out := map[string]any{}
	for _, item := range optSlice(raw, "customFields") {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name := optString(obj, "customFieldName"); name != "" {
			out[name] = obj["value"]
		}
	}
	for _, item := range optSlice(raw, "userCustomFields") {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name := optString(obj, "name"); name != "" {
			out[name] = obj["value"]
		}
	}
	return out
}

func fieldString(fields map[string]any, name, fallback string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return fallback
	}
	return s
}

func optDateField(fields map[string]any, name string, fallback time.Time) (time.Time, error) {
	s := fieldString(fields, name, "")
	if s == "" {
		return fallback, nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, invalidField(name, "expected YYYY-MM-DD")
	}
	return d, nil
}

func (m *Mapper) Timesheet(raw map[string]any) (*Timesheet, error) {
	if inner, ok := raw["approvalRequest"].(map[string]any); ok {
		raw = inner
	}
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	employeeID := optString(raw, "owner", "userId")
	if employeeID == "" {
		return nil, invalidField("owner.userId", "required")
	}
	start, err := requireTime(raw, "dateRange", "start")
	if err != nil {
		return nil, err
	}
	end, err := requireTime(raw, "dateRange", "end")
	if err != nil {
		return nil, err
	}
	status := optString(raw, "status", "state")
	if status == "" {
		return nil, invalidField("status.state", "required")
	}
	return &Timesheet{
		ID:          id,
		WorkspaceID: workspaceID,
		EmployeeID:  employeeID,
		PeriodStart: civilDate(start.UTC()),
		PeriodEnd:   civilDate(end.UTC()).AddDate(0, 0, -1),
		Status:      status,
	}, nil
}

func (m *Mapper) Entry(raw map[string]any) (*Entry, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := raw["timeInterval"].(map[string]any); !ok {
		return nil, invalidField("timeInterval", "required")
	}
	start, err := requireTime(raw, "timeInterval", "start")
	if err != nil {
		return nil, err
	}
	end, err := requireTime(raw, "timeInterval", "end")
	if err != nil {
		return nil, err
	}
	seconds, err := parseISODuration(optString(raw, "timeInterval", "duration"))
	if err != nil {
		return nil, invalidField("timeInterval.duration", err.Error())
	}

	billable := optBool(raw, "billable")
	rate := 0.0
	if billable {
		rate = optFloat(raw, "hourlyRate", "amount")
	}

	projectID := optString(raw, "projectId")
	if projectID == "" {
		projectID = optString(raw, "project", "id")
	}

	entry := &Entry{
		ID:              id,
		WorkspaceID:     workspaceID,
		ProjectID:       projectID,
		Description:     optString(raw, "description"),
		Billable:        billable,
		Rate:            rate,
		Start:           start.In(m.loc),
		End:             end.In(m.loc),
		DurationSeconds: seconds,
	}
	if ts := optString(raw, "timesheetId"); ts != "" {
		entry.TimesheetID = stringPtr(ts)
	} else if ts := optString(raw, "approvalRequestId"); ts != "" {
		entry.TimesheetID = stringPtr(ts)
	}
	if task := optString(raw, "task", "name"); task != "" {
		entry.Task = stringPtr(task)
	}
	return entry, nil
}

// Tags maps the tag list carried on an entry payload.
func (m *Mapper) Tags(raw map[string]any, entry *Entry) ([]*Tag, error) {
	var tags []*Tag
	for i, item := range optSlice(raw, "tags") {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, invalidField(fmt.Sprintf("tags[%d]", i), "expected object")
		}
		tagID := optString(obj, "id")
		if tagID == "" {
			return nil, invalidField(fmt.Sprintf("tags[%d].id", i), "required")
		}
		tags = append(tags, &Tag{
			ID:          tagID,
			EntryID:     entry.ID,
			WorkspaceID: entry.WorkspaceID,
			RecordID:    TagRecordID(entry.ID, tagID, entry.WorkspaceID),
			Name:        optString(obj, "name"),
		})
	}
	return tags, nil
}

func TagRecordID(entryID, tagID, workspaceID string) string {
	sum := sha256.Sum256([]byte(entryID + "|" + tagID + "|" + workspaceID))
	return hex.EncodeToString(sum[:])[:tagRecordIDLength]
}

func (m *Mapper) Category(raw map[string]any) (*Category, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	price := optFloat(raw, "priceInCents")
	return &Category{
		ID:           id,
		WorkspaceID:  workspaceID,
		Name:         optString(raw, "name"),
		HasUnitPrice: optBool(raw, "hasUnitPrice"),
		Archived:     optBool(raw, "archived"),
		PriceInCents: int64(price),
		Unit:         optString(raw, "unit"),
	}, nil
}

func (m *Mapper) Expense(raw map[string]any) (*Expense, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	employeeID := optString(raw, "userId")
	if employeeID == "" {
		return nil, invalidField("userId", "required")
	}
	categoryID := optString(raw, "categoryId")
	if categoryID == "" {
		categoryID = optString(raw, "category", "id")
	}
	projectID := optString(raw, "projectId")
	if projectID == "" {
		projectID = optString(raw, "project", "id")
	}
	dateRaw := optString(raw, "date")
	if dateRaw == "" {
		return nil, invalidField("date", "required")
	}
	date, err := parseRemoteTime(dateRaw)
	if err != nil {
		return nil, invalidField("date", err.Error())
	}
	expense := &Expense{
		ID:          id,
		WorkspaceID: workspaceID,
		CategoryID:  categoryID,
		ProjectID:   projectID,
		EmployeeID:  employeeID,
		Date:        civilDate(date.In(m.loc)),
		Notes:       optString(raw, "notes"),
		Quantity:    optFloat(raw, "quantity"),
		Billable:    optBool(raw, "billable"),
		Subtotal:    optFloat(raw, "subtotal"),
		Taxes:       optFloat(raw, "taxes"),
		Status:      optString(raw, "approvalStatus"),
	}
	if ts := optString(raw, "approvalRequestId"); ts != "" {
		expense.TimesheetID = stringPtr(ts)
	}
	return expense, nil
}

func (m *Mapper) TimeOff(raw map[string]any) (*TimeOffRequest, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	employeeID := optString(raw, "userId")
	if employeeID == "" {
		return nil, invalidField("userId", "required")
	}
	start, err := requireTime(raw, "timeOffPeriod", "period", "start")
	if err != nil {
		return nil, err
	}
	end, err := requireTime(raw, "timeOffPeriod", "period", "end")
	if err != nil {
		return nil, err
	}
	status := strings.ToUpper(optString(raw, "status", "statusType"))
	switch status {
	case TimeOffPending, TimeOffApproved, TimeOffWithdrawn, TimeOffRejected:
	default:
		return nil, invalidField("status.statusType", fmt.Sprintf("unknown status %q", status))
	}
	var createdAt time.Time
	if s := optString(raw, "createdAt"); s != "" {
		createdAt, err = parseRemoteTime(s)
		if err != nil {
			return nil, invalidField("createdAt", err.Error())
		}
		createdAt = createdAt.In(m.loc)
	}
	excluded, err := excludedDays(raw, m.loc)
	if err != nil {
		return nil, err
	}
	start = start.In(m.loc)
	end = end.In(m.loc)
	return &TimeOffRequest{
		ID:           id,
		WorkspaceID:  workspaceID,
		EmployeeID:   employeeID,
		PolicyID:     optString(raw, "policyId"),
		Start:        start,
		End:          end,
		WorkingDays:  float64(countWorkingDays(start, end, excluded)),
		BalanceDelta: optFloat(raw, "balanceDiff"),
		Status:       status,
		CreatedAt:    createdAt,
	}, nil
}

func excludedDays(raw map[string]any, loc *time.Location) (map[string]bool, error) {
	out := map[string]bool{}
	for i, item := range optSlice(raw, "excludeDays") {
		s, ok := item.(string)
		if !ok {
			return nil, invalidField(fmt.Sprintf("excludeDays[%d]", i), "expected string")
		}
		if _, err := time.Parse(dateLayout, s); err == nil {
			out[s] = true
			continue
		}
		t, err := parseRemoteTime(s)
		if err != nil {
			return nil, invalidField(fmt.Sprintf("excludeDays[%d]", i), err.Error())
		}
		out[t.In(loc).Format(dateLayout)] = true
	}
	return out, nil
}

// countWorkingDays counts weekdays from start to end inclusive, skipping the
// excluded dates.
func countWorkingDays(start, end time.Time, excluded map[string]bool) int {
	first := civilDate(start)
	last := civilDate(end)
	count := 0
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if excluded[d.Format(dateLayout)] {
			continue
		}
		count++
	}
	return count
}

func (m *Mapper) Policy(raw map[string]any) (*TimeOffPolicy, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	period := optString(raw, "automaticAccrual", "period")
	if period == "" {
		period = defaultAccrualPeriod
	}
	unit := optString(raw, "automaticAccrual", "timeUnit")
	if unit == "" {
		unit = defaultTimeUnit
	}
	return &TimeOffPolicy{
		ID:            id,
		WorkspaceID:   workspaceID,
		Name:          optString(raw, "name"),
		AccrualAmount: optFloat(raw, "automaticAccrual", "amount"),
		AccrualPeriod: period,
		TimeUnit:      unit,
		Archived:      optBool(raw, "archived"),
	}, nil
}

func (m *Mapper) Holiday(raw map[string]any) (*Holiday, error) {
	id, workspaceID, err := requireIdentity(raw)
	if err != nil {
		return nil, err
	}
	dateRaw := optString(raw, "datePeriod", "startDate")
	if dateRaw == "" {
		return nil, invalidField("datePeriod.startDate", "required")
	}
	date, err := time.Parse(dateLayout, dateRaw)
	if err != nil {
		t, terr := parseRemoteTime(dateRaw)
		if terr != nil {
			return nil, invalidField("datePeriod.startDate", terr.Error())
		}
		date = civilDate(t.UTC())
	}
	return &Holiday{ID: id, WorkspaceID: workspaceID, Date: date, Name: optString(raw, "name")}, nil
}

// parseISODuration converts PnDTnHnMnS into whole seconds. An empty string
// is zero.
func parseISODuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("duration %q must start with P", s)
	}
	rest := s[1:]
	inTime := false
	var total float64
	num := ""
	for _, r := range rest {
		switch {
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("duration %q is malformed", s)
			}
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("duration %q is malformed", s)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("duration %q is malformed", s)
			}
			num = ""
			switch {
			case r == 'D' && !inTime:
				total += v * 86400
			case r == 'W' && !inTime:
				total += v * 7 * 86400
			case r == 'H' && inTime:
				total += v * 3600
			case r == 'M' && inTime:
				total += v * 60
			case r == 'S' && inTime:
				total += v
			default:
				return 0, fmt.Errorf("duration %q has unsupported unit %q", s, r)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("duration %q is missing a unit", s)
	}
	return int64(total), nil
}

func civilDate(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func parseRemoteTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp, got %q", s)
	}
	return t, nil
}

func requireIdentity(raw map[string]any) (string, string, error) {
	id, err := requireString(raw, "id")
	if err != nil {
		return "", "", err
	}
	workspaceID, err := requireString(raw, "workspaceId")
	if err != nil {
		return "", "", err
	}
	return id, workspaceID, nil
}

func requireString(raw map[string]any, path ...string) (string, error) {
	v := optString(raw, path...)
	if v == "" {
		return "", invalidField(strings.Join(path, "."), "required")
	}
	return v, nil
}

func requireTime(raw map[string]any, path ...string) (time.Time, error) {
	s, err := requireString(raw, path...)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseRemoteTime(s)
	if err != nil {
		return time.Time{}, invalidField(strings.Join(path, "."), err.Error())
	}
	return t, nil
}

func lookup(raw map[string]any, path ...string) (any, bool) {
	var cur any = raw
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func optString(raw map[string]any, path ...string) string {
	v, ok := lookup(raw, path...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func optFloat(raw map[string]any, path ...string) float64 {
	v, ok := lookup(raw, path...)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func optBool(raw map[string]any, path ...string) bool {
	v, ok := lookup(raw, path...)
	if !ok {
		return false
	}
	return truthy(v)
}

func optSlice(raw map[string]any, path ...string) []any {
	v, ok := lookup(raw, path...)
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "n":
			return false
		}
		return true
	default:
		return true
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}
