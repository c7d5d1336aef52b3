package domain

import (
	"time"

	"github.com/google/uuid"
)

type ScheduleStatus string

const (
	ScheduleStatusActive ScheduleStatus = "active"
	ScheduleStatusPaused ScheduleStatus = "paused"
)

// Schedule is a recurring email schedule as persisted in the rule store.
// Recurrence fields are kept in their stored string form ("MON,WED,FRI",
// "HH:mm"); they are converted into a typed recurrence.Rule at the point
// of evaluation.
type Schedule struct {
	ID   uuid.UUID
	Name string

	Frequency      string // DAILY, WEEKLY, MULTI_DAY_WEEKLY, MONTHLY, CRON
	DaysOfWeek     string // comma-separated weekday tags, may be empty
	SendTime       string // 24-hour "HH:mm", local to Timezone
	Timezone       string // IANA timezone, defaults to UTC
	CronExpression string // only for CRON frequency

	StartDate time.Time // calendar date; the rule has no effect before it
	EndDate   *time.Time

	Status    ScheduleStatus
	LastRunAt *time.Time // most recent successful claim, guards same-day refires

	TemplateID uuid.UUID
	Audience   string // recipient list tag

	CreatedAt time.Time
	UpdatedAt time.Time
}
