package api

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"mailcadence/internal/recurrence"
)

// scheduleInput carries the fields of a create request that need parsing
// before they can land in a domain.Schedule.
type scheduleInput struct {
	templateID uuid.UUID
	startDate  time.Time
	endDate    *time.Time
}

func validateCreateSchedule(req CreateScheduleRequest) (scheduleInput, error) {
	var in scheduleInput

	if req.Name == "" {
		return in, fmt.Errorf("name is required")
	}

	if req.TemplateID == "" {
		return in, fmt.Errorf("template_id is required")
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		return in, fmt.Errorf("invalid template_id: %w", err)
	}
	in.templateID = templateID

	if req.Audience == "" {
		return in, fmt.Errorf("audience is required")
	}

	if req.StartDate == "" {
		return in, fmt.Errorf("start_date is required")
	}
	startDate, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return in, fmt.Errorf("invalid start_date: %w", err)
	}
	in.startDate = startDate

	if req.EndDate != "" {
		endDate, err := time.Parse(time.DateOnly, req.EndDate)
		if err != nil {
			return in, fmt.Errorf("invalid end_date: %w", err)
		}
		in.endDate = &endDate
	}

	// ParseRule applies the full recurrence checks: frequency, day set
	// shape, send time format, timezone, cron expression and date bounds.
	src := recurrence.Source{
		Frequency:      req.Frequency,
		DaysOfWeek:     req.DaysOfWeek,
		SendTime:       req.SendTime,
		Timezone:       req.Timezone,
		CronExpression: req.CronExpression,
		StartDate:      in.startDate,
		EndDate:        in.endDate,
	}
	if _, err := recurrence.ParseRule(src); err != nil {
		return in, err
	}

	return in, nil
}

func validateUpsertRecipient(req UpsertRecipientRequest) error {
	if req.Email == "" {
		return fmt.Errorf("email is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	if req.Audience == "" {
		return fmt.Errorf("audience is required")
	}
	return nil
}

func validateCreateTemplate(req CreateTemplateRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required")
	}
	if req.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if req.Body == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}
