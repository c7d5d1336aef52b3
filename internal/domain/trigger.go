package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerEvent is emitted when a schedule fires and a run has been claimed.
type TriggerEvent struct {
	ExecutionID uuid.UUID
	ScheduleID  uuid.UUID

	RunAt          time.Time // claimed fire time (UTC)
	IdempotencyKey string

	CreatedAt time.Time
}
