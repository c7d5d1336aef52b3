package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"mailcadence/internal/domain"
	"mailcadence/internal/recurrence"
	"mailcadence/internal/testutil"
)

type mockStore struct {
	mu         sync.Mutex
	schedules  map[uuid.UUID]domain.Schedule
	templates  map[uuid.UUID]domain.Template
	executions map[uuid.UUID][]domain.Execution
	recipients []domain.Recipient

	createErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		schedules:  make(map[uuid.UUID]domain.Schedule),
		templates:  make(map[uuid.UUID]domain.Template),
		executions: make(map[uuid.UUID][]domain.Execution),
	}
}

func (m *mockStore) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.schedules[sched.ID] = sched
	return nil
}

func (m *mockStore) GetScheduleByID(ctx context.Context, scheduleID uuid.UUID) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[scheduleID]
	if !ok {
		return domain.Schedule{}, sql.ErrNoRows
	}
	return sched, nil
}

func (m *mockStore) ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []domain.Schedule
	for _, sched := range m.schedules {
		result = append(result, sched)
	}
	return result, nil
}

func (m *mockStore) SetScheduleStatus(ctx context.Context, scheduleID uuid.UUID, status domain.ScheduleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[scheduleID]
	if !ok {
		return sql.ErrNoRows
	}
	sched.Status = status
	m.schedules[scheduleID] = sched
	return nil
}

func (m *mockStore) DeleteSchedule(ctx context.Context, scheduleID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[scheduleID]; !ok {
		return sql.ErrNoRows
	}
	delete(m.schedules, scheduleID)
	return nil
}

func (m *mockStore) ListExecutions(ctx context.Context, scheduleID uuid.UUID, limit, offset int) ([]domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executions[scheduleID], nil
}

func (m *mockStore) GetTemplateByID(ctx context.Context, templateID uuid.UUID) (domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmpl, ok := m.templates[templateID]
	if !ok {
		return domain.Template{}, sql.ErrNoRows
	}
	return tmpl, nil
}

func (m *mockStore) CreateTemplate(ctx context.Context, tmpl domain.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tmpl.ID] = tmpl
	return nil
}

func (m *mockStore) UpsertRecipient(ctx context.Context, r domain.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients = append(m.recipients, r)
	return nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	return m.err
}

type mockLeader struct {
	leader bool
}

func (m *mockLeader) IsLeader() bool { return m.leader }

func newTestHandler(store *mockStore) *Handler {
	eval := recurrence.NewEvaluator(150 * time.Second)
	clock := func() time.Time {
		return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	}
	return NewHandler(store, eval).WithClock(clock)
}

func seedTemplate(store *mockStore) domain.Template {
	tmpl := domain.Template{
		ID:      testutil.MustParseUUID("7b6a4a43-9ef0-44a5-920f-34fcf1a7de0f"),
		Name:    "digest",
		Subject: "Your week",
		Body:    "<p>Hi {{name}}</p>",
	}
	store.templates[tmpl.ID] = tmpl
	return tmpl
}

func createScheduleBody(t *testing.T, req CreateScheduleRequest) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestHealth_Simple(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Leader != nil {
		t.Error("expected no leader field without a reporter")
	}
}

func TestHealth_VerboseDegraded(t *testing.T) {
	h := newTestHandler(newMockStore()).
		WithHealthChecker(&mockHealthChecker{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected status degraded, got %q", resp.Status)
	}
	if resp.Components["database"] == "healthy" {
		t.Error("expected unhealthy database component")
	}
}

func TestHealth_ReportsLeadership(t *testing.T) {
	h := newTestHandler(newMockStore()).WithLeaderReporter(&mockLeader{leader: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Leader == nil || !*resp.Leader {
		t.Error("expected leader true")
	}
}

func TestCreateSchedule_Success(t *testing.T) {
	store := newMockStore()
	seedTemplate(store)
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/schedules",
		createScheduleBody(t, validCreateScheduleRequest()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ScheduleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "active" {
		t.Errorf("expected status active, got %q", resp.Status)
	}
	if resp.Frequency != "WEEKLY" {
		t.Errorf("expected frequency WEEKLY, got %q", resp.Frequency)
	}
	// Monday 2026-01-05 09:00 in New York is the first fire after the
	// fixed test clock.
	if resp.NextSendAt != "2026-01-05T09:00:00-05:00" {
		t.Errorf("unexpected next_send_at %q", resp.NextSendAt)
	}

	if len(store.schedules) != 1 {
		t.Fatalf("expected 1 stored schedule, got %d", len(store.schedules))
	}
}

func TestCreateSchedule_InvalidJSON(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSchedule_ValidationRejected(t *testing.T) {
	store := newMockStore()
	seedTemplate(store)
	h := newTestHandler(store)

	body := validCreateScheduleRequest()
	body.SendTime = "9am"

	req := httptest.NewRequest(http.MethodPost, "/schedules", createScheduleBody(t, body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(store.schedules) != 0 {
		t.Errorf("expected no stored schedules, got %d", len(store.schedules))
	}
}

func TestCreateSchedule_UnknownTemplate(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodPost, "/schedules",
		createScheduleBody(t, validCreateScheduleRequest()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "template not found" {
		t.Errorf("unexpected error %q", resp.Error)
	}
}

func TestCreateSchedule_StoreError(t *testing.T) {
	store := newMockStore()
	seedTemplate(store)
	store.createErr = errors.New("connection reset")
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/schedules",
		createScheduleBody(t, validCreateScheduleRequest()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestGetSchedule_NotFound(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/schedules/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetSchedule_InvalidID(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/schedules/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPauseAndResume(t *testing.T) {
	store := newMockStore()
	seedTemplate(store)
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/schedules",
		createScheduleBody(t, validCreateScheduleRequest()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}
	var created ScheduleResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/schedules/"+created.ID+"/pause", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", rec.Code)
	}
	var paused ScheduleResponse
	if err := json.NewDecoder(rec.Body).Decode(&paused); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if paused.Status != "paused" {
		t.Errorf("expected status paused, got %q", paused.Status)
	}
	if paused.NextSendAt != "" {
		t.Errorf("paused schedule should have no next_send_at, got %q", paused.NextSendAt)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/schedules/"+created.ID+"/resume", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	var resumed ScheduleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resumed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resumed.Status != "active" {
		t.Errorf("expected status active, got %q", resumed.Status)
	}
	if resumed.NextSendAt == "" {
		t.Error("resumed schedule should have a next_send_at preview")
	}
}

func TestPause_UnknownSchedule(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodPost, "/schedules/"+uuid.NewString()+"/pause", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSchedule(t *testing.T) {
	store := newMockStore()
	scheduleID := uuid.New()
	store.schedules[scheduleID] = domain.Schedule{ID: scheduleID, Status: domain.ScheduleStatusActive}
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodDelete, "/schedules/"+scheduleID.String(), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(store.schedules) != 0 {
		t.Errorf("expected schedule to be deleted")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/schedules/"+scheduleID.String(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestListExecutions(t *testing.T) {
	store := newMockStore()
	scheduleID := uuid.New()
	store.executions[scheduleID] = []domain.Execution{
		{
			ID:         uuid.New(),
			ScheduleID: scheduleID,
			RunAt:      time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC),
			Status:     domain.ExecutionStatusSuccess,
			CreatedAt:  time.Date(2026, 1, 5, 14, 0, 1, 0, time.UTC),
		},
	}
	h := newTestHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/schedules/"+scheduleID.String()+"/executions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ListExecutionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(resp.Executions))
	}
	if resp.Executions[0].Status != "success" {
		t.Errorf("expected status success, got %q", resp.Executions[0].Status)
	}
	if resp.Executions[0].RunAt != "2026-01-05T14:00:00Z" {
		t.Errorf("unexpected run_at %q", resp.Executions[0].RunAt)
	}
}

func TestCreateTemplate(t *testing.T) {
	store := newMockStore()
	h := newTestHandler(store)

	body, _ := json.Marshal(CreateTemplateRequest{
		Name:    "digest",
		Subject: "Your week",
		Body:    "<p>Hi {{name}}</p>",
	})
	req := httptest.NewRequest(http.MethodPost, "/templates", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.templates) != 1 {
		t.Errorf("expected 1 stored template, got %d", len(store.templates))
	}
}

func TestUpsertRecipient_DefaultsSubscribed(t *testing.T) {
	store := newMockStore()
	h := newTestHandler(store)

	body, _ := json.Marshal(UpsertRecipientRequest{
		Email:    "ana@example.com",
		Audience: "newsletter",
	})
	req := httptest.NewRequest(http.MethodPost, "/recipients", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.recipients) != 1 {
		t.Fatalf("expected 1 stored recipient, got %d", len(store.recipients))
	}
	if !store.recipients[0].Subscribed {
		t.Error("expected subscribed to default to true")
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newTestHandler(newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestParsePagination_Defaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/schedules", nil)

	limit, offset, err := parsePagination(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, limit)
	}
	if offset != 0 {
		t.Errorf("expected default offset 0, got %d", offset)
	}
}

func TestParsePagination_CustomValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/schedules?limit=50&offset=100", nil)

	limit, offset, err := parsePagination(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if limit != 50 {
		t.Errorf("expected limit 50, got %d", limit)
	}
	if offset != 100 {
		t.Errorf("expected offset 100, got %d", offset)
	}
}

func TestParsePagination_LimitExceedsMax(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/schedules?limit=2000", nil)

	_, _, err := parsePagination(req)
	if err == nil {
		t.Fatal("expected error for limit exceeding max, got nil")
	}

	expected := "limit exceeds maximum of 1000"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestParsePagination_NegativeValues(t *testing.T) {
	for _, target := range []string{"/schedules?limit=-1", "/schedules?offset=-1"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if _, _, err := parsePagination(req); err == nil {
			t.Errorf("expected error for %s, got nil", target)
		}
	}
}

func TestParsePagination_ZeroLimit(t *testing.T) {
	// limit=0 should be treated as "use default"
	req := httptest.NewRequest(http.MethodGet, "/schedules?limit=0", nil)

	limit, _, err := parsePagination(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if limit != DefaultLimit {
		t.Errorf("expected default limit %d for limit=0, got %d", DefaultLimit, limit)
	}
}
