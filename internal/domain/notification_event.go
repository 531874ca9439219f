package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationEvent is the message handed to the notification pipeline for email delivery.
type NotificationEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	Address    string    `json:"address"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	OccurredAt time.Time `json:"occurred_at"`
}
