package clocksync

import (
	"context"
	"reflect"
	"time"
)

// Repository is the store boundary. Implementations translate driver errors
// into ErrNotFound, *IdentityConflictError, *ForeignKeyError and
// *TransientError.
type Repository interface {
	Get(ctx context.Context, kind EntityKind, key Key) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, kind EntityKind, key Key) error
	Keys(ctx context.Context, kind EntityKind, workspaceID string) ([]Key, error)
	AppendAudit(ctx context.Context, rec AuditRecord) (AuditRecord, error)
	ListAudit(ctx context.Context, afterID int64, limit int) ([]AuditRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

type foreignKey struct {
	kind EntityKind
	key  Key
}

// foreignKeys lists the parent rows a record points at. Empty optional links
// are omitted.
func foreignKeys(rec Record) []foreignKey {
	ws := func(id string) foreignKey { return foreignKey{kind: KindWorkspace, key: Key{ID: id}} }
	scoped := func(kind EntityKind, id, workspaceID string) foreignKey {
		return foreignKey{kind: kind, key: Key{ID: id, WorkspaceID: workspaceID}}
	}
	var out []foreignKey
	switch r := rec.(type) {
	case *Client:
		out = append(out, ws(r.WorkspaceID))
	case *Project:
		out = append(out, ws(r.WorkspaceID))
		if r.ClientID != "" {
			out = append(out, scoped(KindClient, r.ClientID, r.WorkspaceID))
		}
	case *Timesheet:
		out = append(out, ws(r.WorkspaceID), foreignKey{kind: KindEmployee, key: Key{ID: r.EmployeeID}})
	case *Entry:
		out = append(out, ws(r.WorkspaceID))
		if r.ProjectID != "" {
			out = append(out, scoped(KindProject, r.ProjectID, r.WorkspaceID))
		}
		if r.TimesheetID != nil {
			out = append(out, scoped(KindTimesheet, *r.TimesheetID, r.WorkspaceID))
		}
	case *Tag:
		out = append(out, scoped(KindEntry, r.EntryID, r.WorkspaceID))
	case *Category:
		out = append(out, ws(r.WorkspaceID))
	case *Expense:
		out = append(out, ws(r.WorkspaceID), foreignKey{kind: KindEmployee, key: Key{ID: r.EmployeeID}})
		if r.CategoryID != "" {
			out = append(out, scoped(KindCategory, r.CategoryID, r.WorkspaceID))
		}
		if r.ProjectID != "" {
			out = append(out, scoped(KindProject, r.ProjectID, r.WorkspaceID))
		}
		if r.TimesheetID != nil {
			out = append(out, scoped(KindTimesheet, *r.TimesheetID, r.WorkspaceID))
		}
	case *TimeOffRequest:
		out = append(out, ws(r.WorkspaceID), foreignKey{kind: KindEmployee, key: Key{ID: r.EmployeeID}})
	case *TimeOffPolicy:
		out = append(out, ws(r.WorkspaceID))
	case *Holiday:
		out = append(out, ws(r.WorkspaceID))
	}
	return out
}

func cloneRecord(rec Record) Record {
	switch r := rec.(type) {
	case *Workspace:
		c := *r
		return &c
	case *Client:
		c := *r
		return &c
	case *Employee:
		c := *r
		return &c
	case *Project:
		c := *r
		return &c
	case *Timesheet:
		c := *r
		return &c
	case *Entry:
		c := *r
		return &c
	case *Tag:
		c := *r
		return &c
	case *Category:
		c := *r
		return &c
	case *Expense:
		c := *r
		return &c
	case *TimeOffRequest:
		c := *r
		return &c
	case *TimeOffPolicy:
		c := *r
		return &c
	case *Holiday:
		c := *r
		return &c
	case *CalendarDay:
		c := *r
		return &c
	default:
		return rec
	}
}

// mergeRecord overlays the incoming record on the stored one. Empty strings,
// zero times and nil pointers in the incoming record keep the stored value;
// everything else overwrites. A placeholder flag only survives if both sides
// carry it.
func mergeRecord(stored, incoming Record) Record {
	out := reflect.New(reflect.TypeOf(stored).Elem())
	dst := out.Elem()
	src := reflect.ValueOf(stored).Elem()
	in := reflect.ValueOf(incoming).Elem()
	for i := 0; i < dst.NumField(); i++ {
		name := dst.Type().Field(i).Name
		old := src.Field(i)
		neu := in.Field(i)
		switch {
		case name == "Placeholder":
			dst.Field(i).SetBool(old.Bool() && neu.Bool())
		case neu.Kind() == reflect.String && neu.String() == "":
			dst.Field(i).Set(old)
		case neu.Kind() == reflect.Ptr && neu.IsNil():
			dst.Field(i).Set(old)
		case neu.Type() == timeType && neu.Interface().(time.Time).IsZero():
			dst.Field(i).Set(old)
		default:
			dst.Field(i).Set(neu)
		}
	}
	return out.Interface().(Record)
}

var timeType = reflect.TypeOf(time.Time{})

func sameRecord(a, b Record) bool {
	va := reflect.ValueOf(a).Elem()
	vb := reflect.ValueOf(b).Elem()
	if va.Type() != vb.Type() {
		return false
	}
	for i := 0; i < va.NumField(); i++ {
		if !sameValue(va.Field(i), vb.Field(i)) {
			return false
		}
	}
	return true
}

func sameValue(a, b reflect.Value) bool {
	if a.Type() == timeType {
		return a.Interface().(time.Time).Equal(b.Interface().(time.Time))
	}
	if a.Kind() == reflect.Ptr {
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}
		return sameValue(a.Elem(), b.Elem())
	}
	return a.Interface() == b.Interface()
}
