package chat

import "time"

// Session captures one user-facing conversation surface.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}
