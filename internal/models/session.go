package models

import "time"

// Session is one browser conversation. ThreadID is empty until the remote
// service assigns a thread, and again after a reset.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionToken grants access to exactly one session.
type SessionToken struct {
	Token     string    `json:"-"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
