package domain

import "github.com/google/uuid"

// Recipient is an email address belonging to an audience tag.
type Recipient struct {
	ID         uuid.UUID
	Email      string
	Name       string
	Audience   string
	Subscribed bool
}

// Template is the message content a schedule sends. Bodies may reference
// {{name}} and {{email}}, substituted per recipient at dispatch time.
type Template struct {
	ID      uuid.UUID
	Name    string
	Subject string
	Body    string
}
