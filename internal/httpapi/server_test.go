package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hillplain/clocksync/internal/clocksync"
)

const testAdminSecret = "test-admin-secret"

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func newTestServer(t *testing.T, maxAttempts int) (*Server, *clocksync.Service, *clocksync.MemoryRepository) {
	t.Helper()
	repo := clocksync.NewMemoryRepository()
	svc, err := clocksync.New(clocksync.Options{
		Repository: repo,
		Location:   time.UTC,
		Logger:     zerolog.Nop(),
		Tokens: clocksync.TokenTable{
			clocksync.RouteEntries:    {"create": "tok-entry-create", "delete": "tok-entry-delete"},
			clocksync.RouteTimesheets: {"create": "tok-ts-create", "update": "tok-ts-update"},
			clocksync.RouteTimeOff:    {"create": "tok-to-create", "reject": "tok-to-reject"},
			clocksync.RouteEmployees:  {"insert": "tok-emp-insert", "deactivate": "tok-emp-deactivate"},
			clocksync.RouteProjects:   {"create": "tok-proj-create"},
			clocksync.RouteExpenses:   {"create": "tok-exp-create"},
		},
		DeadlockPause:      time.Millisecond,
		DisableWorkers:     true,
		TaskMaxAttempts:    maxAttempts,
		TaskRetryDelay:     time.Millisecond,
		SentinelClientID:   "unassigned",
		DefaultWorkspaceID: "W1",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	server := NewServer(svc, ServerConfig{AdminHMACSecret: testAdminSecret, Logger: zerolog.Nop()})
	return server, svc, repo
}

func entryBody(id string) map[string]any {
	return map[string]any{
		"id":          id,
		"workspaceId": "W1",
		"projectId":   "proj_1",
		"description": "site survey",
		"timeInterval": map[string]any{
			"start":    "2024-03-11T15:00:00Z",
			"end":      "2024-03-11T19:00:00Z",
			"duration": "PT4H",
		},
	}
}

func timesheetBody(id, employeeID string) map[string]any {
	return map[string]any{
		"id":          id,
		"workspaceId": "W1",
		"owner":       map[string]any{"userId": employeeID},
		"dateRange": map[string]any{
			"start": "2024-03-10T00:00:00Z",
			"end":   "2024-03-17T00:00:00Z",
		},
		"status": map[string]any{"state": "PENDING"},
	}
}

func webhook(route, token string, body any) request {
	return request{
		method:  http.MethodPost,
		path:    "/" + route,
		headers: map[string]string{signatureHeader: token, "X-Correlation-Id": "corr_" + route},
		body:    body,
	}
}

// waitForAudit polls until the sink has written want records.
func waitForAudit(t *testing.T, repo *clocksync.MemoryRepository, want int) []clocksync.AuditRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := repo.ListAudit(context.Background(), 0, 100)
		if err != nil {
			t.Fatalf("list audit: %v", err)
		}
		if len(records) >= want || time.Now().After(deadline) {
			if len(records) != want {
				t.Fatalf("expected %d audit records, got %d", want, len(records))
			}
			return records
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebhookUnknownTokenIsLockedAndAudited(t *testing.T) {
	server, _, repo := newTestServer(t, 3)

	resp := doRequest(t, server, webhook(clocksync.RouteEntries, "tok-wrong", entryBody("e1")))
	if resp.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d (%s)", resp.Code, resp.Body.String())
	}
	if repo.Count(clocksync.KindEntry) != 0 {
		t.Fatalf("expected no entries written")
	}
	records := waitForAudit(t, repo, 1)
	if records[0].StatusCode != "423" || records[0].Caller != "webhook:entries" {
		t.Fatalf("unexpected audit record: %+v", records[0])
	}
}

func TestWebhookEntryLifecycle(t *testing.T) {
	server, _, repo := newTestServer(t, 3)

	create := doRequest(t, server, webhook(clocksync.RouteEntries, "tok-entry-create", entryBody("e1")))
	if create.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on create, got %d (%s)", create.Code, create.Body.String())
	}
	var echoed map[string]any
	if err := json.NewDecoder(create.Body).Decode(&echoed); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echoed["id"] != "e1" {
		t.Fatalf("expected echoed payload, got %v", echoed)
	}
	if repo.Count(clocksync.KindEntry) != 1 {
		t.Fatalf("expected 1 entry, got %d", repo.Count(clocksync.KindEntry))
	}

	ref := map[string]any{"id": "e1", "workspaceId": "W1"}
	del := doRequest(t, server, webhook(clocksync.RouteEntries, "tok-entry-delete", ref))
	if del.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on delete, got %d (%s)", del.Code, del.Body.String())
	}
	again := doRequest(t, server, webhook(clocksync.RouteEntries, "tok-entry-delete", ref))
	if again.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting an unknown entry, got %d", again.Code)
	}

	records := waitForAudit(t, repo, 3)
	codes := []string{records[0].StatusCode, records[1].StatusCode, records[2].StatusCode}
	if codes[0] != "202" || codes[1] != "202" || codes[2] != "400" {
		t.Fatalf("unexpected audit status codes: %v", codes)
	}
}

func TestWebhookCompletesAfterCallerCancels(t *testing.T) {
	server, _, repo := newTestServer(t, 3)

	body, _ := json.Marshal(entryBody("e1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/"+clocksync.RouteEntries, bytes.NewReader(body)).WithContext(ctx)
	req.Header.Set(signatureHeader, "tok-entry-create")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a cancelled caller, got %d (%s)", rec.Code, rec.Body.String())
	}
	if repo.Count(clocksync.KindEntry) != 1 {
		t.Fatalf("expected the entry to be written, got %d", repo.Count(clocksync.KindEntry))
	}
}

func TestWebhookRejectsInvalidBodies(t *testing.T) {
	server, _, repo := newTestServer(t, 3)

	missing := entryBody("e1")
	delete(missing, "workspaceId")
	resp := doRequest(t, server, webhook(clocksync.RouteEntries, "tok-entry-create", missing))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on schema failure, got %d", resp.Code)
	}

	raw := doRawRequest(t, server, rawRequest{
		method:  http.MethodPost,
		path:    "/projects",
		headers: map[string]string{signatureHeader: "tok-proj-create"},
		body:    []byte("{not json"),
	})
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed json, got %d", raw.Code)
	}
	waitForAudit(t, repo, 2)
}

func TestWebhookTimesheetStatuses(t *testing.T) {
	server, svc, repo := newTestServer(t, 3)

	unknown := doRequest(t, server, webhook(clocksync.RouteTimesheets, "tok-ts-create", timesheetBody("ts_1", "u_missing")))
	if unknown.Code != http.StatusNotAcceptable {
		t.Fatalf("expected 406 for an unknown employee, got %d (%s)", unknown.Code, unknown.Body.String())
	}

	if err := repo.Insert(context.Background(), &clocksync.Employee{ID: "u1", Name: "u1", Status: clocksync.EmployeeActive}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	resp := doRequest(t, server, webhook(clocksync.RouteTimesheets, "tok-ts-create", timesheetBody("ts_1", "u1")))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("X-Clocksync-Task") == "" {
		t.Fatalf("expected a queued cascade task id")
	}
	if depth := svc.Engine().QueueStatus().Depth; depth != 1 {
		t.Fatalf("expected 1 queued cascade task, got %d", depth)
	}
	waitForAudit(t, repo, 2)
}

func TestWebhookEmployeeStatusIsInjected(t *testing.T) {
	server, _, repo := newTestServer(t, 3)

	resp := doRequest(t, server, webhook(clocksync.RouteEmployees, "tok-emp-deactivate", map[string]any{
		"id":    "u1",
		"name":  "Dana Field",
		"email": "dana@example.com",
	}))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var echoed map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&echoed); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echoed["status"] != clocksync.EmployeeInactive {
		t.Fatalf("expected injected INACTIVE status, got %v", echoed["status"])
	}
	rec, err := repo.Get(context.Background(), clocksync.KindEmployee, clocksync.Key{ID: "u1"})
	if err != nil {
		t.Fatalf("get employee: %v", err)
	}
	if rec.(*clocksync.Employee).Status != clocksync.EmployeeInactive {
		t.Fatalf("expected stored INACTIVE status")
	}
}

func TestWebhookProjectCreate(t *testing.T) {
	server, _, repo := newTestServer(t, 3)

	resp := doRequest(t, server, webhook(clocksync.RouteProjects, "tok-proj-create", map[string]any{
		"id":          "proj_1",
		"workspaceId": "W1",
		"name":        "24-001 - Survey",
	}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if repo.Count(clocksync.KindProject) != 1 {
		t.Fatalf("expected 1 project")
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	exhausted := fmt.Errorf("%w: entry e1", clocksync.ErrRetriesExhausted)
	fk := &clocksync.ForeignKeyError{Kind: clocksync.KindExpense, Parent: "employee u1"}
	conflict := &clocksync.IdentityConflictError{Kind: clocksync.KindTimesheet}
	invalid := fmt.Errorf("wrapped: %w", clocksync.ErrValidation)
	opaque := errors.New("boom")

	cases := []struct {
		route string
		err   error
		want  int
	}{
		{clocksync.RouteEntries, invalid, http.StatusBadRequest},
		{clocksync.RouteEntries, clocksync.ErrNotFound, http.StatusBadRequest},
		{clocksync.RouteEntries, exhausted, http.StatusServiceUnavailable},
		{clocksync.RouteTimesheets, conflict, http.StatusConflict},
		{clocksync.RouteTimesheets, fk, http.StatusNotAcceptable},
		{clocksync.RouteTimeOff, exhausted, http.StatusBadRequest},
		{clocksync.RouteEmployees, opaque, http.StatusBadRequest},
		{clocksync.RouteProjects, invalid, http.StatusBadRequest},
		{clocksync.RouteProjects, opaque, http.StatusNotImplemented},
		{clocksync.RouteExpenses, fk, http.StatusNotAcceptable},
		{clocksync.RouteExpenses, invalid, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := webhookStatus(tc.route, tc.err); got != tc.want {
			t.Fatalf("%s %v: expected %d, got %d", tc.route, tc.err, tc.want, got)
		}
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server, _, _ := newTestServer(t, 3)
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/invoices"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	get := doRequest(t, server, request{method: http.MethodGet, path: "/entries"})
	if get.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for GET on a webhook route, got %d", get.Code)
	}
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t, 3)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

var adminClock int64

// signedAdmin builds an admin request with a timestamp unique to the test
// run so that repeated requests are not taken for replays.
func signedAdmin(method, path string, body []byte) rawRequest {
	offset := time.Duration(atomic.AddInt64(&adminClock, 1)) * time.Second
	ts := time.Now().UTC().Add(-offset).Format(time.RFC3339)
	return rawRequest{
		method: method,
		path:   path,
		headers: map[string]string{
			"X-Clocksync-Timestamp": ts,
			"X-Clocksync-Signature": SignAdminRequest(testAdminSecret, ts, body),
			"X-Correlation-Id":      "corr_admin",
		},
		body: body,
	}
}

func TestAdminRequiresSignature(t *testing.T) {
	server, _, _ := newTestServer(t, 3)

	unsigned := doRawRequest(t, server, rawRequest{method: http.MethodGet, path: "/v1/admin/queue"})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", unsigned.Code)
	}

	bad := signedAdmin(http.MethodGet, "/v1/admin/queue", nil)
	bad.headers["X-Clocksync-Signature"] = "00ff"
	if resp := doRawRequest(t, server, bad); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on signature mismatch, got %d", resp.Code)
	}

	stale := signedAdmin(http.MethodGet, "/v1/admin/queue", nil)
	ts := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	stale.headers["X-Clocksync-Timestamp"] = ts
	stale.headers["X-Clocksync-Signature"] = SignAdminRequest(testAdminSecret, ts, nil)
	if resp := doRawRequest(t, server, stale); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 outside the skew window, got %d", resp.Code)
	}

	signed := signedAdmin(http.MethodGet, "/v1/admin/queue", nil)
	if resp := doRawRequest(t, server, signed); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if resp := doRawRequest(t, server, signed); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected replayed request to be rejected, got %d", resp.Code)
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	_, svc, _ := newTestServer(t, 3)
	server := NewServer(svc, ServerConfig{Logger: zerolog.Nop()})
	resp := doRawRequest(t, server, signedAdmin(http.MethodGet, "/v1/admin/queue", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with the admin api disabled, got %d", resp.Code)
	}
}

func TestAdminQueuesBackfillAndCalendar(t *testing.T) {
	server, svc, _ := newTestServer(t, 3)

	body := []byte(`{"workspaceId":"W2","offset":3}`)
	resp := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/backfill/projects", body))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var task clocksync.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Kind != clocksync.TaskBackfill || task.Backfill != clocksync.BackfillProjects || task.WorkspaceID != "W2" || task.Offset != 3 {
		t.Fatalf("unexpected task: %+v", task)
	}

	cal := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/calendar/2025", nil))
	if cal.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", cal.Code, cal.Body.String())
	}
	if depth := svc.Engine().QueueStatus().Depth; depth != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", depth)
	}

	badKind := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/backfill/invoices", nil))
	if badKind.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown kind, got %d", badKind.Code)
	}
	badYear := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/calendar/next", nil))
	if badYear.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric year, got %d", badYear.Code)
	}
}

func TestAdminDeadLetterLifecycle(t *testing.T) {
	server, svc, _ := newTestServer(t, 1)
	ctx := context.Background()

	// No remote is configured, so the pull fails on its only attempt.
	task, err := svc.SubmitBackfill(ctx, clocksync.BackfillWorkspaces, "", 0)
	if err != nil {
		t.Fatalf("submit backfill: %v", err)
	}
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if !svc.Engine().RunNext(runCtx) {
		t.Fatalf("expected a queued task")
	}

	list := doRawRequest(t, server, signedAdmin(http.MethodGet, "/v1/admin/dead-letters", nil))
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", list.Code, list.Body.String())
	}
	var feed clocksync.DeadLetterFeed
	if err := json.NewDecoder(list.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed.Items) != 1 || feed.Items[0].TaskID != task.ID {
		t.Fatalf("expected dead letter for %s, got %+v", task.ID, feed.Items)
	}

	replay := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/dead-letters/"+task.ID+"/replay", nil))
	if replay.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on replay, got %d (%s)", replay.Code, replay.Body.String())
	}
	if !svc.Engine().RunNext(runCtx) {
		t.Fatalf("expected the replayed task")
	}

	ack := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/dead-letters/"+task.ID+"/ack", nil))
	if ack.Code != http.StatusOK {
		t.Fatalf("expected 200 on ack, got %d (%s)", ack.Code, ack.Body.String())
	}
	again := doRawRequest(t, server, signedAdmin(http.MethodPost, "/v1/admin/dead-letters/"+task.ID+"/ack", nil))
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 acknowledging twice, got %d", again.Code)
	}
}

func TestAdminAuditStream(t *testing.T) {
	server, _, _ := newTestServer(t, 3)
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	signed := signedAdmin(http.MethodGet, "/v1/admin/audit/stream", nil)
	header := http.Header{}
	for k, v := range signed.headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, ts.URL+"/v1/admin/audit/stream", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial audit stream: %v", err)
	}
	defer conn.CloseNow()

	body, _ := json.Marshal(entryBody("e1"))
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/entries", bytes.NewReader(body))
	req.Header.Set(signatureHeader, "tok-entry-create")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read audit stream: %v", err)
	}
	var rec clocksync.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode audit record: %v", err)
	}
	if rec.Caller != "webhook:entries" || rec.StatusCode != "202" {
		t.Fatalf("unexpected streamed record: %+v", rec)
	}
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}
