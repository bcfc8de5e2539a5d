package clocksync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openSQLiteRepository(t *testing.T) (Repository, string) {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "clocksync.db")
	repo, err := OpenRepository(context.Background(), dsn, RepositoryOptions{AutoMigrate: true})
	if err != nil {
		t.Fatalf("open sqlite repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo, dsn
}

func TestSQLiteRepositoryMigratesOnOpen(t *testing.T) {
	repo, dsn := openSQLiteRepository(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	version, dirty, err := SchemaVersion(dsn)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("expected clean version 1, got %d dirty=%v", version, dirty)
	}
	if err := Migrate(dsn); err != nil {
		t.Fatalf("second migrate should be a no-op, got %v", err)
	}
}

func TestSQLiteRepositoryEntryRoundTrip(t *testing.T) {
	repo, _ := openSQLiteRepository(t)
	ctx := context.Background()
	seedEmployee(repo, "u1")
	pipeline := newTestPipeline(repo)

	if _, _, err := pipeline.Upsert(ctx, KindTimesheet, timesheetPayload("ts_1", "W1", "u1", TimesheetApproved)); err != nil {
		t.Fatalf("timesheet upsert: %v", err)
	}
	payload := withTags(entryPayload("e1", "W1"), "t1", "t2")
	payload["timesheetId"] = "ts_1"
	_, res, err := pipeline.UpsertEntry(ctx, payload, nil)
	if err != nil {
		t.Fatalf("entry upsert: %v", err)
	}
	if res.Outcome != OutcomeCreated {
		t.Fatalf("expected created, got %+v", res)
	}

	rec, err := repo.Get(ctx, KindEntry, Key{ID: "e1", WorkspaceID: "W1"})
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	entry := rec.(*Entry)
	if entry.TimesheetID == nil || *entry.TimesheetID != "ts_1" {
		t.Fatalf("expected timesheet link, got %v", entry.TimesheetID)
	}
	if entry.DurationSeconds != 4*3600 || entry.ProjectID != "proj_1" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if !entry.Start.Equal(time.Date(2024, time.March, 11, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %v", entry.Start)
	}

	_, res, err = pipeline.UpsertEntry(ctx, payload, nil)
	if err != nil {
		t.Fatalf("second entry upsert: %v", err)
	}
	if res.Outcome != OutcomeUpdated || res.Changed {
		t.Fatalf("expected unchanged update, got %+v", res)
	}

	tags, err := repo.Keys(ctx, KindTag, "W1")
	if err != nil || len(tags) != 2 || tags[0].EntryID != "e1" {
		t.Fatalf("expected two tag keys for e1, got %+v %v", tags, err)
	}
	tag, err := repo.Get(ctx, KindTag, Key{ID: "t1", WorkspaceID: "W1", EntryID: "e1"})
	if err != nil {
		t.Fatalf("get tag: %v", err)
	}
	if tag.(*Tag).Name != "name-t1" || len(tag.(*Tag).RecordID) != tagRecordIDLength {
		t.Fatalf("unexpected tag %+v", tag)
	}

	if err := repo.Delete(ctx, KindEntry, Key{ID: "e1", WorkspaceID: "W1"}); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if _, err := repo.Get(ctx, KindTag, Key{ID: "t1", WorkspaceID: "W1", EntryID: "e1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected tags to cascade, got %v", err)
	}
	if err := repo.Delete(ctx, KindEntry, Key{ID: "e1", WorkspaceID: "W1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSQLiteRepositoryConstraintErrors(t *testing.T) {
	repo, _ := openSQLiteRepository(t)
	ctx := context.Background()

	err := repo.Insert(ctx, &Timesheet{ID: "ts_1", WorkspaceID: "W1", EmployeeID: "ghost", Status: TimesheetPending})
	if !errors.Is(err, ErrForeignKey) {
		t.Fatalf("expected foreign key error, got %v", err)
	}

	if err := repo.Insert(ctx, &Workspace{ID: "W1", Name: "Main"}); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}
	err = repo.Insert(ctx, &Workspace{ID: "W1", Name: "Again"})
	var conflict *IdentityConflictError
	if !errors.As(err, &conflict) || conflict.Kind != KindWorkspace {
		t.Fatalf("expected identity conflict, got %v", err)
	}

	if err := repo.Update(ctx, &Workspace{ID: "W2"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected update of missing row to report not found, got %v", err)
	}

	seedEmployee(repo, "u1")
	if err := repo.Insert(ctx, &Timesheet{ID: "ts_1", WorkspaceID: "W1", EmployeeID: "u1", Status: TimesheetPending}); err != nil {
		t.Fatalf("insert timesheet: %v", err)
	}
	if err := repo.Delete(ctx, KindEmployee, Key{ID: "u1"}); !errors.Is(err, ErrForeignKey) {
		t.Fatalf("expected referenced employee delete to fail, got %v", err)
	}
}

func TestSQLiteRepositoryKeysFiltersByWorkspace(t *testing.T) {
	repo, _ := openSQLiteRepository(t)
	exec := NewExecutor(repo, ExecutorOptions{Logger: zerolog.Nop()})
	ctx := context.Background()
	for _, c := range []*Client{
		{ID: "c2", WorkspaceID: "W1", Name: "B"},
		{ID: "c1", WorkspaceID: "W1", Name: "A"},
		{ID: "c1", WorkspaceID: "W2", Name: "A"},
	} {
		if _, err := exec.Upsert(ctx, c); err != nil {
			t.Fatalf("upsert client: %v", err)
		}
	}
	keys, err := repo.Keys(ctx, KindClient, "W1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != "c1" || keys[1].ID != "c2" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	all, err := repo.Keys(ctx, KindWorkspace, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected both placeholder workspaces, got %+v %v", all, err)
	}
}

func TestSQLiteRepositoryCalendarAndAudit(t *testing.T) {
	repo, _ := openSQLiteRepository(t)
	ctx := context.Background()
	exec := NewExecutor(repo, ExecutorOptions{Logger: zerolog.Nop()})
	summary, err := GenerateCalendar(ctx, exec, newTestGovernor(1), 2025)
	if err != nil {
		t.Fatalf("generate calendar: %v", err)
	}
	if summary.Created != 365 {
		t.Fatalf("expected 365 created, got %+v", summary)
	}
	again, err := GenerateCalendar(ctx, exec, newTestGovernor(1), 2025)
	if err != nil || again.Unchanged != 365 {
		t.Fatalf("expected 365 unchanged, got %+v %v", again, err)
	}

	for _, msg := range []string{"first", "second", "third"} {
		if _, err := repo.AppendAudit(ctx, AuditRecord{StatusCode: "200", Message: msg, CreatedAt: fixedNow()}); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	records, err := repo.ListAudit(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 2 || records[0].Message != "second" || records[1].ID != 3 {
		t.Fatalf("unexpected audit page %+v", records)
	}
}
