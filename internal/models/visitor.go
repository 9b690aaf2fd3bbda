package models

import "time"

// Visitor is an anonymous browser session owning one transcript.
type Visitor struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
