package models

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// TimestampLayout matches the en-US locale time string shown under each bubble.
const TimestampLayout = "3:04:05 PM"

// Message is one entry of a visitor's transcript.
type Message struct {
	ID        int64     `json:"id"`
	VisitorID int64     `json:"visitor_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Timestamp renders CreatedAt in the server's zone. Pages replace it with the
// viewer's locale time in the browser.
func (m *Message) Timestamp() string {
	return m.CreatedAt.Local().Format(TimestampLayout)
}
