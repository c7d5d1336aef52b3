package api

import "time"

type CreateScheduleRequest struct {
	Name           string `json:"name"`
	Frequency      string `json:"frequency"`
	DaysOfWeek     string `json:"days_of_week,omitempty"`
	SendTime       string `json:"send_time,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
	StartDate      string `json:"start_date"`         // "2006-01-02"
	EndDate        string `json:"end_date,omitempty"` // inclusive
	TemplateID     string `json:"template_id"`
	Audience       string `json:"audience"`
}

type ScheduleResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Frequency      string `json:"frequency"`
	DaysOfWeek     string `json:"days_of_week,omitempty"`
	SendTime       string `json:"send_time,omitempty"`
	Timezone       string `json:"timezone"`
	CronExpression string `json:"cron_expression,omitempty"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date,omitempty"`
	Status         string `json:"status"`
	// NextSendAt is a preview of the next fire instant in the schedule's
	// timezone. Blank when the schedule can never fire again.
	NextSendAt string `json:"next_send_at,omitempty"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	TemplateID string `json:"template_id"`
	Audience   string `json:"audience"`
	CreatedAt  string `json:"created_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type ExecutionResponse struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	RunAt      string `json:"run_at"`
	Status     string `json:"status"`
	Details    string `json:"details,omitempty"`
	CreatedAt  string `json:"created_at"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type CreateTemplateRequest struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type TemplateResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
}

type UpsertRecipientRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Audience string `json:"audience"`
	// Subscribed defaults to true when omitted.
	Subscribed *bool `json:"subscribed,omitempty"`
}

type RecipientResponse struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Audience   string `json:"audience"`
	Subscribed bool   `json:"subscribed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}
