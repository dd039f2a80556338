// Package worker runs conversation turns: one goroutine per active session
// drains that session's queue in arrival order, while a shared semaphore
// bounds how many turns run at once across sessions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"foundrychat/internal/metrics"
	"foundrychat/internal/models"
	"foundrychat/internal/redis"
	"foundrychat/internal/service/agent"
)

const (
	defaultMaxWorkers  = 32
	defaultQueueSize   = 8
	defaultIdleTimeout = 10 * time.Minute
)

var (
	ErrQueueFull = errors.New("session queue full")
	ErrStopped   = errors.New("session worker stopped")
)

// Config bounds the manager.
type Config struct {
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Store is the persistence the manager loads sessions from.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ResetSession(ctx context.Context, sessionID string) error
}

// Conversation runs a single turn.
type Conversation interface {
	ConverseWithProgress(ctx context.Context, s *agent.Session, text string, progress agent.Progress) (*agent.Turn, error)
}

// TurnRequest asks for one turn in a session.
type TurnRequest struct {
	Context   context.Context
	SessionID string
	Text      string
	Progress  agent.Progress
}

type Manager struct {
	store   Store
	conv    Conversation
	cfg     Config
	sem     *semaphore.Weighted
	cache   *stateRedis
	metrics *metrics.Metrics
	origin  string

	mu      sync.Mutex
	workers map[string]*workerState

	listenCancel context.CancelFunc
}

// NewManager builds a manager. cacheClient and m may be nil.
func NewManager(store Store, conv Conversation, cfg Config, cacheClient *redis.Client, m *metrics.Metrics) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	mgr := &Manager{
		store:   store,
		conv:    conv,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		metrics: m,
		origin:  uuid.NewString(),
		workers: make(map[string]*workerState),
	}
	if cacheClient != nil {
		mgr.cache = newStateCache(cacheClient)
		ctx, cancel := context.WithCancel(context.Background())
		mgr.listenCancel = cancel
		mgr.cache.startListener(ctx, mgr.handleInvalidation)
	}
	return mgr
}

// Converse queues a turn behind any earlier turns of the same session and
// waits for its result.
func (m *Manager) Converse(req TurnRequest) (*agent.Turn, error) {
	if req.Context == nil {
		req.Context = context.Background()
	}
	res, err := m.submit(req.Context, sessionTask{kind: taskTurn, req: req})
	if err != nil {
		return nil, err
	}
	return res.turn, res.err
}

// Reset starts the session's conversation over. It runs in queue order, so a
// turn queued earlier finishes against the old thread first.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	res, err := m.submit(ctx, sessionTask{kind: taskReset, req: TurnRequest{Context: ctx, SessionID: sessionID}})
	if err != nil {
		return err
	}
	return res.err
}

// Purge stops the session's worker and forgets its cached state. Queued
// turns fail with ErrStopped.
func (m *Manager) Purge(sessionID string) {
	m.purgeLocal(sessionID)
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{SessionID: sessionID, Scope: scopeDelete, Origin: m.origin})
}

// Stop stops every worker.
func (m *Manager) Stop() {
	if m.listenCancel != nil {
		m.listenCancel()
	}
	m.mu.Lock()
	states := make([]*workerState, 0, len(m.workers))
	for id, state := range m.workers {
		states = append(states, state)
		delete(m.workers, id)
	}
	m.mu.Unlock()
	for _, state := range states {
		state.stop()
	}
}

// ActiveSessions reports how many session workers are running.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) submit(ctx context.Context, task sessionTask) (taskResult, error) {
	if task.req.SessionID == "" {
		return taskResult{}, errors.New("session id required")
	}
	task.resultCh = make(chan taskResult, 1)

	m.mu.Lock()
	state, ok := m.workers[task.req.SessionID]
	if !ok {
		state = newWorkerState(task.req.SessionID, m.cfg.QueueSize)
		m.workers[task.req.SessionID] = state
		m.metrics.WorkerStarted()
		go m.runWorker(state)
	}
	select {
	case state.tasks <- task:
	default:
		m.mu.Unlock()
		m.metrics.QueueRejected()
		return taskResult{}, fmt.Errorf("%w: %d pending", ErrQueueFull, m.cfg.QueueSize)
	}
	m.mu.Unlock()

	select {
	case res := <-task.resultCh:
		return res, nil
	case <-ctx.Done():
		return taskResult{}, ctx.Err()
	}
}

func (m *Manager) runWorker(state *workerState) {
	defer m.metrics.WorkerStopped()
	debugEvent().Str("session", state.sessionID).Msg("worker started")

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-state.stopCh:
			state.drain(ErrStopped)
			debugEvent().Str("session", state.sessionID).Msg("worker stopped")
			return
		case task := <-state.tasks:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			if state.stopped() {
				task.resultCh <- taskResult{err: ErrStopped}
			} else {
				task.resultCh <- m.handle(state, task)
			}
			idle.Reset(m.cfg.IdleTimeout)
		case <-idle.C:
			m.mu.Lock()
			if len(state.tasks) == 0 && m.workers[state.sessionID] == state {
				delete(m.workers, state.sessionID)
				m.mu.Unlock()
				state.stop()
				debugEvent().Str("session", state.sessionID).Msg("worker idle, exiting")
				return
			}
			m.mu.Unlock()
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

func (m *Manager) handle(state *workerState, task sessionTask) taskResult {
	ctx := task.req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return taskResult{err: err}
	}
	switch task.kind {
	case taskReset:
		return taskResult{err: m.handleReset(ctx, state)}
	default:
		turn, err := m.handleTurn(ctx, state, task.req)
		return taskResult{turn: turn, err: err}
	}
}

func (m *Manager) handleTurn(ctx context.Context, state *workerState, req TurnRequest) (*agent.Turn, error) {
	session, err := m.ensureLoaded(ctx, state)
	if err != nil {
		return nil, err
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.sem.Release(1)

	boundThread := session.ThreadID()
	debugEvent().Str("session", state.sessionID).Str("thread", boundThread).Msg("turn start")
	turn, err := m.conv.ConverseWithProgress(ctx, session, req.Text, req.Progress)
	if err != nil {
		// a thread may already be recorded; reload the binding next time
		state.markStale()
		m.cache.invalidateSession(state.sessionID)
	} else {
		state.recordTurn(turn)
		m.cache.cacheSession(state.snapshot())
	}
	if session.ThreadID() != boundThread {
		// copies on other instances still carry the old binding
		m.cache.publishInvalidation(invalidateMessage{SessionID: state.sessionID, Scope: scopeThread, Origin: m.origin})
	}
	if err != nil {
		return nil, err
	}
	return turn, nil
}

func (m *Manager) handleReset(ctx context.Context, state *workerState) error {
	if err := m.store.ResetSession(ctx, state.sessionID); err != nil {
		return err
	}
	// the next turn reloads from the store, where another instance may
	// already have bound a new thread
	state.drop()
	m.cache.invalidateSession(state.sessionID)
	m.cache.publishInvalidation(invalidateMessage{SessionID: state.sessionID, Scope: scopeReset, Origin: m.origin})
	log.Info().Str("session", state.sessionID).Msg("session reset")
	return nil
}

// ensureLoaded returns the session to run a turn against. A session without
// a thread is always refreshed from the store so that a thread bound by
// another instance is picked up instead of creating a second one.
func (m *Manager) ensureLoaded(ctx context.Context, state *workerState) (*agent.Session, error) {
	session, ok := state.loaded()
	if ok && session.ThreadID() != "" {
		return session, nil
	}
	if session == nil {
		if record, hit := m.cache.loadSession(state.sessionID); hit && record.ThreadID != "" {
			debugEvent().Str("session", state.sessionID).Msg("loaded from redis")
			return state.load(record), nil
		}
	}
	record, err := m.store.GetSession(ctx, state.sessionID)
	if err != nil {
		return nil, err
	}
	session = state.load(record)
	m.cache.cacheSession(record)
	return session, nil
}

func (m *Manager) purgeLocal(sessionID string) {
	m.mu.Lock()
	state, ok := m.workers[sessionID]
	if ok {
		delete(m.workers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		state.stop()
	}
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Origin == m.origin || msg.SessionID == "" {
		return
	}
	debugEvent().Str("session", msg.SessionID).Str("scope", msg.Scope).Msg("remote invalidation")
	switch msg.Scope {
	case scopeDelete:
		m.purgeLocal(msg.SessionID)
	default:
		m.mu.Lock()
		state := m.workers[msg.SessionID]
		m.mu.Unlock()
		if state != nil {
			state.drop()
		}
	}
}
