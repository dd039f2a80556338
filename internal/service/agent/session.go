package agent

import (
	"sync"
	"sync/atomic"
)

// Session is the client-side state of one conversation: its id and the
// remote thread it is bound to. A Session runs at most one turn at a time.
type Session struct {
	ID string
	// AgentID overrides the client's agent for this session's runs.
	AgentID string

	mu       sync.RWMutex
	threadID string

	busy atomic.Bool
}

// NewSession restores a session; threadID may be empty.
func NewSession(id, threadID string) *Session {
	return &Session{ID: id, threadID: threadID}
}

func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadID
}

func (s *Session) setThreadID(id string) {
	s.mu.Lock()
	s.threadID = id
	s.mu.Unlock()
}

// Reset forgets the thread so the next turn starts a new one.
func (s *Session) Reset() {
	s.setThreadID("")
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) tryAcquire() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Session) release() {
	s.busy.Store(false)
}
