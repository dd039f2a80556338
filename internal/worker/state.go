package worker

import (
	"sync"

	"foundrychat/internal/models"
	"foundrychat/internal/service/agent"
)

type taskKind int

const (
	taskTurn taskKind = iota
	taskReset
)

type taskResult struct {
	turn *agent.Turn
	err  error
}

type sessionTask struct {
	kind     taskKind
	req      TurnRequest
	resultCh chan taskResult
}

// workerState is one session's queue plus the cached state its goroutine
// works from. The cache is rebuilt from storage whenever it is dropped or
// marked stale.
type workerState struct {
	sessionID string
	tasks     chan sessionTask
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu      sync.RWMutex
	session *agent.Session
	record  *models.Session
	stale   bool
}

func newWorkerState(sessionID string, queueSize int) *workerState {
	return &workerState{
		sessionID: sessionID,
		tasks:     make(chan sessionTask, queueSize),
		stopCh:    make(chan struct{}),
	}
}

func (s *workerState) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *workerState) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// drain fails every queued task with err.
func (s *workerState) drain(err error) {
	for {
		select {
		case t := <-s.tasks:
			t.resultCh <- taskResult{err: err}
		default:
			return
		}
	}
}

func (s *workerState) loaded() (*agent.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.session != nil && !s.stale
}

// load binds the state to record. The existing session object survives a
// reload only while it still points at the stored thread.
func (s *workerState) load(record *models.Session) *agent.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.ThreadID() != record.ThreadID {
		s.session = agent.NewSession(record.ID, record.ThreadID)
	}
	s.session.AgentID = record.AgentID
	s.record = record
	s.stale = false
	return s.session
}

func (s *workerState) recordTurn(turn *agent.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record != nil {
		s.record.ThreadID = turn.ThreadID
	}
}

func (s *workerState) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

// drop forgets everything, including the thread binding.
func (s *workerState) drop() {
	s.mu.Lock()
	s.session = nil
	s.record = nil
	s.stale = false
	s.mu.Unlock()
}

func (s *workerState) snapshot() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil {
		return nil
	}
	record := *s.record
	return &record
}
