// Package agent drives one conversation turn against the hosted agent:
// ensure a thread, post the user message, start a run, poll it to a terminal
// status, and pick the assistant reply out of the thread.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"foundrychat/internal/foundry"
	"foundrychat/internal/models"
	"foundrychat/internal/poll"
)

const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollAttempts = 30
	DefaultRecencyWindow   = 60 * time.Second
)

// Recorder persists what a turn produces. A nil Recorder keeps history in
// the returned Turn only.
type Recorder interface {
	SetThreadID(ctx context.Context, sessionID, threadID string) error
	AppendMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error)
}

// Observer receives turn and poll measurements.
type Observer interface {
	TurnFinished(outcome string, elapsed time.Duration)
	PollFinished(attempts int)
}

// Config holds the client's tunables. Zero PollInterval and MaxPollAttempts
// take the defaults; a zero RecencyWindow disables the age filter.
type Config struct {
	AgentID         string
	PollInterval    time.Duration
	MaxPollAttempts int
	RecencyWindow   time.Duration
	Sleep           poll.SleepFunc
	Now             func() time.Time
	Observer        Observer
}

// Phase names a step of a turn, reported through Progress.
type Phase string

const (
	PhaseThread   Phase = "thread"
	PhaseMessage  Phase = "message"
	PhaseRun      Phase = "run"
	PhasePoll     Phase = "poll"
	PhaseResponse Phase = "response"
)

// Event is one progress report.
type Event struct {
	Phase    Phase             `json:"phase"`
	ThreadID string            `json:"thread_id,omitempty"`
	RunID    string            `json:"run_id,omitempty"`
	Status   foundry.RunStatus `json:"status,omitempty"`
	Attempt  int               `json:"attempt,omitempty"`
}

// Progress is called synchronously from the turn; it must not block.
type Progress func(Event)

// Turn is the outcome of a successful Converse.
type Turn struct {
	ThreadID         string
	RunID            string
	Reply            string
	PollAttempts     int
	UserMessage      *models.Message
	AssistantMessage *models.Message
}

// Client runs conversation turns. It holds no per-session state; sessions are
// passed in.
type Client struct {
	api      foundry.API
	recorder Recorder
	cfg      Config
}

func NewClient(api foundry.API, recorder Recorder, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.RecencyWindow < 0 {
		cfg.RecencyWindow = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = poll.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{api: api, recorder: recorder, cfg: cfg}
}

// EnsureThread returns the session's thread, creating and recording one when
// the session has none.
func (c *Client) EnsureThread(ctx context.Context, s *Session) (string, error) {
	if id := s.ThreadID(); id != "" {
		return id, nil
	}
	th, err := c.api.CreateThread(ctx)
	if err != nil {
		return "", turnError(ErrThreadCreation, "create thread", err)
	}
	if th == nil || th.ID == "" {
		return "", turnError(ErrThreadCreation, "create thread", errors.New("response carried no thread id"))
	}
	s.setThreadID(th.ID)
	log.Debug().Str("session", s.ID).Str("thread", th.ID).Msg("thread created")
	if c.recorder != nil {
		if err := c.recorder.SetThreadID(ctx, s.ID, th.ID); err != nil {
			return th.ID, fmt.Errorf("record thread: %w", err)
		}
	}
	return th.ID, nil
}

// SubmitMessage posts a message to the session's existing thread.
func (c *Client) SubmitMessage(ctx context.Context, s *Session, role models.Role, content string) error {
	threadID := s.ThreadID()
	if threadID == "" {
		return turnError(ErrMessageSubmission, "create message", errors.New("session has no thread"))
	}
	if _, err := c.api.CreateMessage(ctx, threadID, string(role), content); err != nil {
		return turnError(ErrMessageSubmission, "create message", err)
	}
	return nil
}

// StartRun asks the agent to process the thread. An empty agentID uses the
// configured one.
func (c *Client) StartRun(ctx context.Context, s *Session, agentID string) (*foundry.Run, error) {
	if agentID == "" {
		agentID = c.cfg.AgentID
	}
	threadID := s.ThreadID()
	if threadID == "" {
		return nil, turnError(ErrRunCreation, "create run", errors.New("session has no thread"))
	}
	run, err := c.api.CreateRun(ctx, threadID, agentID)
	if err != nil {
		return nil, turnError(ErrRunCreation, "create run", err)
	}
	if run == nil || run.ID == "" {
		return nil, turnError(ErrRunCreation, "create run", errors.New("malformed run: missing id"))
	}
	return run, nil
}

// PollRun checks the run until it completes, fails, or the attempt cap is
// reached. It never issues more than MaxPollAttempts status checks.
func (c *Client) PollRun(ctx context.Context, s *Session, runID string) (*foundry.Run, error) {
	run, _, err := c.pollRun(ctx, s, runID, nil)
	return run, err
}

func (c *Client) pollRun(ctx context.Context, s *Session, runID string, progress Progress) (*foundry.Run, int, error) {
	threadID := s.ThreadID()
	var (
		final *foundry.Run
		last  foundry.RunStatus
	)
	policy := poll.Policy{Interval: c.cfg.PollInterval, MaxAttempts: c.cfg.MaxPollAttempts, Sleep: c.cfg.Sleep}
	attempts, err := poll.Until(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		run, err := c.api.GetRun(ctx, threadID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, turnError(ErrRemote, "get run", err)
		}
		if run == nil {
			return false, turnError(ErrUnexpectedStatus, "get run", errors.New("empty run response"))
		}
		last = run.Status
		if progress != nil {
			progress(Event{Phase: PhasePoll, ThreadID: threadID, RunID: runID, Status: run.Status, Attempt: attempt})
		}
		switch {
		case run.Status == foundry.RunCompleted:
			final = run
			return true, nil
		case run.Status == foundry.RunFailed || run.Status == foundry.RunCancelled:
			return false, turnError(ErrRunFailed, "poll run", runFailure(run))
		case run.Status.IsPending():
			return false, nil
		default:
			return false, turnError(ErrUnexpectedStatus, "poll run", fmt.Errorf("run %s reported status %q", runID, run.Status))
		}
	})
	if c.cfg.Observer != nil {
		c.cfg.Observer.PollFinished(attempts)
	}
	switch {
	case err == nil:
		return final, attempts, nil
	case errors.Is(err, poll.ErrExhausted):
		return nil, attempts, turnError(ErrRunTimeout, "poll run",
			fmt.Errorf("run %s still %s after %d checks", runID, last, attempts))
	case ctx.Err() != nil && !isTurnError(err):
		return nil, attempts, turnError(ErrRunTimeout, "poll run", err)
	default:
		return nil, attempts, err
	}
}

func runFailure(run *foundry.Run) error {
	if run.LastError != nil && run.LastError.Message != "" {
		return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.LastError.Message)
	}
	return fmt.Errorf("run %s %s", run.ID, run.Status)
}

func isTurnError(err error) bool {
	var te *TurnError
	return errors.As(err, &te)
}

// Converse runs one full turn for the session.
func (c *Client) Converse(ctx context.Context, s *Session, userText string) (*Turn, error) {
	return c.ConverseWithProgress(ctx, s, userText, nil)
}

// ConverseWithProgress runs one full turn, reporting each step to progress.
// A second call for the same session while one is in flight fails with
// ErrSessionBusy. The first failing step ends the turn; nothing already sent
// to the remote thread is retracted, and a retry reuses the thread.
func (c *Client) ConverseWithProgress(ctx context.Context, s *Session, userText string, progress Progress) (*Turn, error) {
	if !s.tryAcquire() {
		return nil, turnError(ErrSessionBusy, "converse", nil)
	}
	defer s.release()

	start := c.cfg.Now()
	turn, err := c.converse(ctx, s, userText, progress)
	elapsed := c.cfg.Now().Sub(start)

	outcome := "completed"
	if err != nil {
		outcome = KindOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.TurnFinished(outcome, elapsed)
	}
	if err != nil {
		log.Warn().Str("session", s.ID).Str("thread", s.ThreadID()).Str("outcome", outcome).Err(err).Msg("turn failed")
		return nil, err
	}
	log.Info().Str("session", s.ID).Str("thread", turn.ThreadID).Str("run", turn.RunID).
		Int("polls", turn.PollAttempts).Dur("elapsed", elapsed).Msg("turn completed")
	return turn, nil
}

func (c *Client) converse(ctx context.Context, s *Session, userText string, progress Progress) (*Turn, error) {
	report := func(e Event) {
		if progress != nil {
			progress(e)
		}
	}

	threadID, err := c.EnsureThread(ctx, s)
	if err != nil {
		return nil, err
	}
	report(Event{Phase: PhaseThread, ThreadID: threadID})

	if err := c.SubmitMessage(ctx, s, models.RoleUser, userText); err != nil {
		return nil, err
	}
	turn := &Turn{ThreadID: threadID}
	turn.UserMessage, err = c.record(ctx, s.ID, models.RoleUser, userText)
	if err != nil {
		return nil, err
	}
	report(Event{Phase: PhaseMessage, ThreadID: threadID})

	run, err := c.StartRun(ctx, s, s.AgentID)
	if err != nil {
		return nil, err
	}
	turn.RunID = run.ID
	report(Event{Phase: PhaseRun, ThreadID: threadID, RunID: run.ID, Status: run.Status})

	if _, turn.PollAttempts, err = c.pollRun(ctx, s, run.ID, progress); err != nil {
		return nil, err
	}

	messages, err := c.api.ListMessages(ctx, threadID)
	if err != nil {
		return nil, turnError(ErrRemote, "list messages", err)
	}
	reply, err := c.extract(messages, c.cfg.Now(), run.ID)
	if err != nil {
		return nil, err
	}
	turn.Reply = reply
	report(Event{Phase: PhaseResponse, ThreadID: threadID, RunID: run.ID, Status: foundry.RunCompleted})

	turn.AssistantMessage, err = c.record(ctx, s.ID, models.RoleAssistant, reply)
	if err != nil {
		return nil, err
	}
	return turn, nil
}

func (c *Client) record(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	if c.recorder == nil {
		return &models.Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: c.cfg.Now().UTC()}, nil
	}
	msg, err := c.recorder.AppendMessage(ctx, sessionID, role, content)
	if err != nil {
		return nil, fmt.Errorf("record %s message: %w", role, err)
	}
	return msg, nil
}
