package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	// ExecutionStatusPending marks a run that has been claimed but whose
	// messages have not been dispatched yet.
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusSkipped ExecutionStatus = "skipped"
	ExecutionStatusFailure ExecutionStatus = "failure"
)

// Execution is one row of the append-only run log for a schedule.
type Execution struct {
	ID uuid.UUID

	ScheduleID uuid.UUID

	RunAt   time.Time
	Status  ExecutionStatus
	Details string

	CreatedAt time.Time
}
