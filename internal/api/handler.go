package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailcadence/internal/domain"
	"mailcadence/internal/recurrence"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	CreateSchedule(ctx context.Context, sched domain.Schedule) error
	GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error)
	ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	SetScheduleStatus(ctx context.Context, scheduleID uuid.UUID, status domain.ScheduleStatus) error
	DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error
	ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit, offset int) ([]domain.Execution, error)
	GetTemplateByID(ctx context.Context, templateID uuid.UUID) (domain.Template, error)
	CreateTemplate(ctx context.Context, tmpl domain.Template) error
	UpsertRecipient(ctx context.Context, r domain.Recipient) error
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// LeaderReporter exposes whether this instance currently drives the tick
// loop. The /health endpoint surfaces it so operators can tell the leader
// apart from standbys.
type LeaderReporter interface {
	IsLeader() bool
}

type Handler struct {
	store  Store
	eval   *recurrence.Evaluator
	db     HealthChecker
	leader LeaderReporter
	clock  func() time.Time
}

func NewHandler(store Store, eval *recurrence.Evaluator) *Handler {
	return &Handler{
		store: store,
		eval:  eval,
		clock: time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithLeaderReporter sets the leadership source for /health responses.
func (h *Handler) WithLeaderReporter(leader LeaderReporter) *Handler {
	h.leader = leader
	return h
}

// WithClock overrides the wall clock, used by tests and by the next send
// time preview.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r)

	case path == "/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case strings.HasSuffix(path, "/executions") && r.Method == http.MethodGet:
		h.listExecutions(w, r)

	case strings.HasSuffix(path, "/pause") && r.Method == http.MethodPost:
		h.setStatus(w, r, "pause", domain.ScheduleStatusPaused)

	case strings.HasSuffix(path, "/resume") && r.Method == http.MethodPost:
		h.setStatus(w, r, "resume", domain.ScheduleStatusActive)

	case strings.HasPrefix(path, "/schedules/") && r.Method == http.MethodGet:
		h.getSchedule(w, r)

	case strings.HasPrefix(path, "/schedules/") && r.Method == http.MethodDelete:
		h.deleteSchedule(w, r)

	case path == "/templates" && r.Method == http.MethodPost:
		h.createTemplate(w, r)

	case path == "/recipients" && r.Method == http.MethodPost:
		h.upsertRecipient(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Leader     *bool             `json:"leader,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := HealthResponse{Status: "ok"}
	if h.leader != nil {
		isLeader := h.leader.IsLeader()
		resp.Leader = &isLeader
	}

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Components = make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	in, err := validateCreateSchedule(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.store.GetTemplateByID(r.Context(), in.templateID); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusBadRequest, "template not found")
			return
		}
		log.Printf("api: lookup template error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	now := h.clock().UTC()
	sched := domain.Schedule{
		ID:             uuid.New(),
		Name:           req.Name,
		Frequency:      strings.ToUpper(req.Frequency),
		DaysOfWeek:     req.DaysOfWeek,
		SendTime:       req.SendTime,
		Timezone:       tz,
		CronExpression: req.CronExpression,
		StartDate:      in.startDate,
		EndDate:        in.endDate,
		Status:         domain.ScheduleStatusActive,
		TemplateID:     in.templateID,
		Audience:       req.Audience,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		log.Printf("api: create schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	writeJSON(w, http.StatusCreated, h.scheduleResponse(sched))
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schedules, err := h.store.ListSchedules(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list schedules error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, sched := range schedules {
		resp.Schedules[i] = h.scheduleResponse(sched)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := scheduleIDFromPath(w, r.URL.Path)
	if !ok {
		return
	}

	sched, err := h.store.GetScheduleByID(r.Context(), scheduleID)
	if err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: get schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}

	writeJSON(w, http.StatusOK, h.scheduleResponse(sched))
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, action string, status domain.ScheduleStatus) {
	// Path shape: /schedules/{id}/pause or /schedules/{id}/resume
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "schedules" || parts[2] != action {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	scheduleID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := h.store.SetScheduleStatus(r.Context(), scheduleID, status); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: %s schedule error: %v", action, err)
		writeError(w, http.StatusInternalServerError, "failed to "+action+" schedule")
		return
	}

	sched, err := h.store.GetScheduleByID(r.Context(), scheduleID)
	if err != nil {
		log.Printf("api: reload schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to "+action+" schedule")
		return
	}

	writeJSON(w, http.StatusOK, h.scheduleResponse(sched))
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := scheduleIDFromPath(w, r.URL.Path)
	if !ok {
		return
	}

	if err := h.store.DeleteSchedule(r.Context(), scheduleID); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: delete schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	// Path shape: /schedules/{id}/executions
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "schedules" || parts[2] != "executions" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	scheduleID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	executions, err := h.store.ListExecutions(r.Context(), scheduleID, limit, offset)
	if err != nil {
		log.Printf("api: list executions error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	resp := ListExecutionsResponse{Executions: make([]ExecutionResponse, len(executions))}
	for i, exec := range executions {
		resp.Executions[i] = ExecutionResponse{
			ID:         exec.ID.String(),
			ScheduleID: exec.ScheduleID.String(),
			RunAt:      formatTime(exec.RunAt),
			Status:     string(exec.Status),
			Details:    exec.Details,
			CreatedAt:  formatTime(exec.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateTemplate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmpl := domain.Template{
		ID:      uuid.New(),
		Name:    req.Name,
		Subject: req.Subject,
		Body:    req.Body,
	}

	if err := h.store.CreateTemplate(r.Context(), tmpl); err != nil {
		log.Printf("api: create template error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create template")
		return
	}

	writeJSON(w, http.StatusCreated, TemplateResponse{
		ID:      tmpl.ID.String(),
		Name:    tmpl.Name,
		Subject: tmpl.Subject,
	})
}

func (h *Handler) upsertRecipient(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req UpsertRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateUpsertRecipient(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subscribed := true
	if req.Subscribed != nil {
		subscribed = *req.Subscribed
	}

	recipient := domain.Recipient{
		ID:         uuid.New(),
		Email:      req.Email,
		Name:       req.Name,
		Audience:   req.Audience,
		Subscribed: subscribed,
	}

	if err := h.store.UpsertRecipient(r.Context(), recipient); err != nil {
		log.Printf("api: upsert recipient error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to upsert recipient")
		return
	}

	writeJSON(w, http.StatusOK, RecipientResponse{
		ID:         recipient.ID.String(),
		Email:      recipient.Email,
		Audience:   recipient.Audience,
		Subscribed: recipient.Subscribed,
	})
}

// scheduleResponse converts a schedule row to its API shape, including the
// next send time preview.
func (h *Handler) scheduleResponse(sched domain.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:             sched.ID.String(),
		Name:           sched.Name,
		Frequency:      sched.Frequency,
		DaysOfWeek:     sched.DaysOfWeek,
		SendTime:       sched.SendTime,
		Timezone:       sched.Timezone,
		CronExpression: sched.CronExpression,
		StartDate:      formatDate(sched.StartDate),
		Status:         string(sched.Status),
		TemplateID:     sched.TemplateID.String(),
		Audience:       sched.Audience,
		CreatedAt:      formatTime(sched.CreatedAt),
	}
	if sched.EndDate != nil {
		resp.EndDate = formatDate(*sched.EndDate)
	}
	if sched.LastRunAt != nil {
		resp.LastRunAt = formatTime(*sched.LastRunAt)
	}

	if sched.Status == domain.ScheduleStatusActive {
		resp.NextSendAt = h.nextSendAt(sched)
	}
	return resp
}

// nextSendAt previews the next fire instant for an active schedule. It
// returns the empty string when the rule is malformed or can never fire
// again, so stored misconfigurations surface as a missing preview rather
// than a serving error.
func (h *Handler) nextSendAt(sched domain.Schedule) string {
	rule, err := recurrence.ParseRule(recurrence.Source{
		Frequency:      sched.Frequency,
		DaysOfWeek:     sched.DaysOfWeek,
		SendTime:       sched.SendTime,
		Timezone:       sched.Timezone,
		CronExpression: sched.CronExpression,
		StartDate:      sched.StartDate,
		EndDate:        sched.EndDate,
		LastRunAt:      sched.LastRunAt,
	})
	if err != nil {
		return ""
	}

	next, ok := h.eval.NextFireTime(rule, h.clock())
	if !ok {
		return ""
	}
	return next.In(rule.Location).Format(time.RFC3339)
}

func scheduleIDFromPath(w http.ResponseWriter, path string) (uuid.UUID, bool) {
	// Path shape: /schedules/{id}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != "schedules" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.UUID{}, false
	}

	scheduleID, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return uuid.UUID{}, false
	}
	return scheduleID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
