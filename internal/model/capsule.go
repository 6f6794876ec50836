package model

import "time"

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Capsule struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	RecipientEmail string    `json:"recipient_email"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	IsDelivered    bool      `json:"is_delivered"`
}

// NewCapsule holds the caller-supplied fields of a capsule. The store assigns
// the ID and starts every capsule undelivered.
type NewCapsule struct {
	Title          string
	Message        string
	RecipientEmail string
	ScheduledTime  time.Time
}

// DueAt reports whether the capsule is undelivered and scheduled at or before t.
func (c Capsule) DueAt(t time.Time) bool {
	return !c.IsDelivered && !c.ScheduledTime.After(t)
}

// Notification is one outbound message composed from a capsule.
type Notification struct {
	To      string
	Subject string
	Body    string
}
