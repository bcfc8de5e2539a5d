package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hillplain/clocksync/internal/clocksync"
)

const signatureHeader = "Clockify-Signature"

type ServerConfig struct {
	AdminHMACSecret string
	AdminMaxSkew    time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
}

type Server struct {
	svc                *clocksync.Service
	cfg                ServerConfig
	log                zerolog.Logger
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

func NewServer(svc *clocksync.Service, cfg ServerConfig) *Server {
	if cfg.AdminMaxSkew <= 0 {
		cfg.AdminMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		svc:                svc,
		cfg:                cfg,
		log:                cfg.Logger.With().Str("component", "httpapi").Logger(),
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/") {
		s.handleAdmin(w, r)
		return
	}
	route := strings.Trim(r.URL.Path, "/")
	if _, ok := clocksync.WebhookKind(route); ok && r.Method == http.MethodPost {
		s.handleWebhook(w, r, route)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.svc.Health(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook answers one inbound event. Every response it writes is
// paired with exactly one audit record.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, route string) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := s.log.With().Str("route", route).Str("correlationId", correlationID).Logger()

	body, err := s.readBody(w, r)
	if err != nil {
		status, code := http.StatusBadRequest, "bad_request"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status, code = http.StatusRequestEntityTooLarge, "payload_too_large"
		}
		s.audit(route, status, err.Error(), body)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}

	cls, err := s.svc.Classify(route, r.Header.Get(signatureHeader))
	if err != nil {
		logger.Warn().Err(err).Msg("webhook rejected")
		s.audit(route, http.StatusLocked, "unrecognized webhook token", body)
		writeError(w, http.StatusLocked, "unauthorized", "unrecognized webhook token", correlationID)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		status := webhookStatus(route, clocksync.ErrValidation)
		s.audit(route, status, "invalid json body", body)
		writeError(w, status, "bad_request", "invalid json body", correlationID)
		return
	}

	// A dispatched event runs to completion even if the caller hangs up.
	result, err := s.svc.Dispatch(context.WithoutCancel(r.Context()), cls, payload)
	if err != nil {
		status := webhookStatus(route, err)
		event := logger.Warn()
		if status >= 500 {
			event = logger.Error()
		}
		event.Err(err).Str("event", cls.Label).Int("status", status).Msg("webhook failed")
		s.audit(route, status, err.Error(), body)
		writeError(w, status, errorCode(status), err.Error(), correlationID)
		return
	}

	status := webhookSuccess[route]
	if result.TaskID != "" {
		w.Header().Set("X-Clocksync-Task", result.TaskID)
	}
	logger.Info().
		Str("event", cls.Label).
		Str("outcome", string(result.Outcome)).
		Bool("changed", result.Changed).
		Msg("webhook applied")
	s.audit(route, status, cls.Label+" "+string(result.Outcome), body)
	writeJSON(w, status, result.Payload)
}

var webhookSuccess = map[string]int{
	clocksync.RouteEntries:    http.StatusAccepted,
	clocksync.RouteTimesheets: http.StatusAccepted,
	clocksync.RouteTimeOff:    http.StatusAccepted,
	clocksync.RouteEmployees:  http.StatusCreated,
	clocksync.RouteProjects:   http.StatusOK,
	clocksync.RouteExpenses:   http.StatusAccepted,
}

// webhookStatus maps a dispatch failure to the status each route promises
// its callers.
func webhookStatus(route string, err error) int {
	validation := errors.Is(err, clocksync.ErrValidation) || errors.Is(err, clocksync.ErrInvalidInput)
	switch route {
	case clocksync.RouteEntries:
		if validation || errors.Is(err, clocksync.ErrNotFound) {
			return http.StatusBadRequest
		}
		return http.StatusServiceUnavailable
	case clocksync.RouteTimesheets, clocksync.RouteExpenses:
		switch {
		case validation:
			return http.StatusBadRequest
		case errors.Is(err, clocksync.ErrIdentityConflict):
			return http.StatusConflict
		case errors.Is(err, clocksync.ErrForeignKey):
			return http.StatusNotAcceptable
		case errors.Is(err, clocksync.ErrNotFound):
			return http.StatusNotFound
		default:
			return http.StatusServiceUnavailable
		}
	case clocksync.RouteProjects:
		if validation {
			return http.StatusBadRequest
		}
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "identity_conflict"
	case http.StatusNotAcceptable:
		return "foreign_key_violation"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

func (s *Server) audit(route string, status int, message string, body []byte) {
	s.svc.Audit().Record(clocksync.AuditRecord{
		StatusCode: strconv.Itoa(status),
		Message:    message,
		Payload:    string(body),
		Caller:     "webhook:" + route,
	})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.AdminHMACSecret == "" {
		writeError(w, http.StatusNotFound, "not_found", "admin api disabled", correlationID)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Clocksync-Timestamp")
	signature := r.Header.Get("X-Clocksync-Signature")
	if authErr := verifyInternalHMAC(s.cfg.AdminHMACSecret, timestamp, signature, body, now, s.cfg.AdminMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Method+" "+r.URL.Path, timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admin/"), "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "backfill" && r.Method == http.MethodPost:
		s.handleBackfill(w, r, parts[1], body, correlationID)
	case len(parts) == 2 && parts[0] == "calendar" && r.Method == http.MethodPost:
		s.handleCalendar(w, r, parts[1], correlationID)
	case len(parts) == 1 && parts[0] == "dead-letters" && r.Method == http.MethodGet:
		s.handleDeadLetters(w, r, correlationID)
	case len(parts) == 3 && parts[0] == "dead-letters" && parts[2] == "ack" && r.Method == http.MethodPost:
		s.handleDeadLetterAck(w, parts[1], correlationID)
	case len(parts) == 3 && parts[0] == "dead-letters" && parts[2] == "replay" && r.Method == http.MethodPost:
		s.handleDeadLetterReplay(w, r, parts[1], correlationID)
	case len(parts) == 1 && parts[0] == "queue" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.svc.Engine().QueueStatus())
	case len(parts) == 2 && parts[0] == "audit" && parts[1] == "stream" && r.Method == http.MethodGet:
		s.handleAuditStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type backfillRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Offset      int    `json:"offset"`
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request, rawKind string, body []byte, correlationID string) {
	kind, err := clocksync.ParseBackfillKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req backfillRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	if req.Offset < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "offset must not be negative", correlationID)
		return
	}
	task, err := s.svc.SubmitBackfill(r.Context(), kind, req.WorkspaceID, req.Offset)
	if err != nil {
		s.writeSubmitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request, rawYear, correlationID string) {
	year, err := strconv.Atoi(rawYear)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "year must be an integer", correlationID)
		return
	}
	task, err := s.svc.SubmitCalendar(r.Context(), year)
	if err != nil {
		s.writeSubmitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	feed, err := s.svc.Engine().ListDeadLetters(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleDeadLetterAck(w http.ResponseWriter, taskID, correlationID string) {
	if err := s.svc.Engine().AcknowledgeDeadLetter(taskID); err != nil {
		if errors.Is(err, clocksync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "taskId": taskID})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request, taskID, correlationID string) {
	task, err := s.svc.Engine().ReplayDeadLetter(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, clocksync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
			return
		}
		s.writeSubmitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, clocksync.ErrValidation), errors.Is(err, clocksync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, clocksync.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// markInternalReplaySeen reports whether the signed request is new. Keys
// expire after the skew window, past which the timestamp check rejects them.
func (s *Server) markInternalReplaySeen(target, timestamp, signature string, now time.Time) bool {
	timestamp = strings.TrimSpace(strings.ToLower(timestamp))
	signature = strings.TrimSpace(strings.ToLower(signature))
	if timestamp == "" || signature == "" {
		return false
	}
	key := target + "|" + timestamp + "|" + signature
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.AdminMaxSkew)
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < min {
		return min, nil
	}
	if v > max {
		return max, nil
	}
	return v, nil
}
