package domain

import (
	"time"

	"github.com/google/uuid"
)

// Delivery records one send attempt to one recipient.
type Delivery struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID

	RecipientEmail string
	Attempt        int

	StatusCode int
	Error      string

	StartedAt  time.Time
	FinishedAt time.Time
}
