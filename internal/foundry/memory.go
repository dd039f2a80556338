package foundry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMemoryMaxThreads = 10000
	DefaultMemoryIdleTTL    = time.Hour
)

// Responder produces the assistant reply for a thread whose run is being
// processed. history is oldest first and ends with the latest user message.
type Responder interface {
	Respond(ctx context.Context, history []ThreadMessage) (string, error)
}

type memoryThread struct {
	messages []ThreadMessage
	runs     map[string]*Run
	lastUsed time.Time
}

// MemoryAPI keeps threads in process memory and answers runs with a
// Responder. A run is reported queued on creation and settles on its first
// status check.
//
// Threads idle longer than the idle TTL are dropped, and once the thread cap
// is reached creating a thread evicts the least recently used one. Evicted
// threads answer ErrNotFound like any unknown thread.
type MemoryAPI struct {
	responder Responder
	now       func() time.Time

	mu         sync.Mutex
	threads    map[string]*memoryThread
	maxThreads int
	idleTTL    time.Duration
}

// NewMemoryAPI returns an empty in-process API with the default limits.
func NewMemoryAPI(r Responder) *MemoryAPI {
	return &MemoryAPI{
		responder:  r,
		now:        time.Now,
		threads:    make(map[string]*memoryThread),
		maxThreads: DefaultMemoryMaxThreads,
		idleTTL:    DefaultMemoryIdleTTL,
	}
}

// SetLimits changes the thread cap and idle TTL. Non-positive values keep
// the current setting.
func (m *MemoryAPI) SetLimits(maxThreads int, idleTTL time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxThreads > 0 {
		m.maxThreads = maxThreads
	}
	if idleTTL > 0 {
		m.idleTTL = idleTTL
	}
}

// thread returns a live thread and marks it used. Callers hold m.mu.
func (m *MemoryAPI) thread(threadID string) (*memoryThread, bool) {
	th, ok := m.threads[threadID]
	if !ok {
		return nil, false
	}
	now := m.now()
	if now.Sub(th.lastUsed) > m.idleTTL {
		delete(m.threads, threadID)
		return nil, false
	}
	th.lastUsed = now
	return th, true
}

// evict makes room for one more thread. Callers hold m.mu.
func (m *MemoryAPI) evict(now time.Time) {
	expired := 0
	for id, th := range m.threads {
		if now.Sub(th.lastUsed) > m.idleTTL {
			delete(m.threads, id)
			expired++
		}
	}
	evicted := 0
	for len(m.threads) >= m.maxThreads {
		var oldestID string
		var oldest time.Time
		for id, th := range m.threads {
			if oldestID == "" || th.lastUsed.Before(oldest) {
				oldestID, oldest = id, th.lastUsed
			}
		}
		delete(m.threads, oldestID)
		evicted++
	}
	if expired > 0 || evicted > 0 {
		log.Debug().Int("expired", expired).Int("evicted", evicted).Int("threads", len(m.threads)).Msg("memory threads pruned")
	}
}

func newID(prefix string) string {
	return prefix + uuid.New().String()[:8]
}

func (m *MemoryAPI) CreateThread(ctx context.Context) (*Thread, error) {
	id := newID("thread_")
	now := m.now()
	m.mu.Lock()
	m.evict(now)
	m.threads[id] = &memoryThread{runs: make(map[string]*Run), lastUsed: now}
	m.mu.Unlock()
	return &Thread{ID: id, CreatedAt: now.Unix()}, nil
}

func (m *MemoryAPI) CreateMessage(ctx context.Context, threadID, role, content string) (*ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.thread(threadID)
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	msg := TextMessage(role, content)
	msg.ID = newID("msg_")
	msg.ThreadID = threadID
	msg.CreatedAt = m.now().UTC()
	th.messages = append(th.messages, msg)
	return &msg, nil
}

func (m *MemoryAPI) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.thread(threadID)
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	run := &Run{
		ID:          newID("run_"),
		ThreadID:    threadID,
		AssistantID: assistantID,
		Status:      RunQueued,
		CreatedAt:   m.now().Unix(),
	}
	th.runs[run.ID] = run
	out := *run
	return &out, nil
}

func (m *MemoryAPI) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	m.mu.Lock()
	th, ok := m.thread(threadID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	run, ok := th.runs[runID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status != RunQueued {
		out := *run
		m.mu.Unlock()
		return &out, nil
	}
	run.Status = RunInProgress
	history := append([]ThreadMessage(nil), th.messages...)
	m.mu.Unlock()

	reply, err := m.responder.Respond(ctx, history)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		run.Status = RunFailed
		run.LastError = &RunError{Code: "server_error", Message: err.Error()}
	} else {
		msg := TextMessage(RoleAssistant, reply)
		msg.ID = newID("msg_")
		msg.ThreadID = threadID
		msg.RunID = runID
		msg.CreatedAt = m.now().UTC()
		th.messages = append(th.messages, msg)
		run.Status = RunCompleted
	}
	out := *run
	return &out, nil
}

// ListMessages returns newest first, the remote service's default order.
func (m *MemoryAPI) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.thread(threadID)
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	out := make([]ThreadMessage, len(th.messages))
	for i, msg := range th.messages {
		out[len(out)-1-i] = msg
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
