// Package foundry talks to the hosted agent service: threads, messages and
// runs in the assistants shape, plus in-process stand-ins used for mock and
// fallback operation.
package foundry

import (
	"context"
	"errors"
	"fmt"
)

// API is the remote agent surface the session client depends on.
type API interface {
	CreateThread(ctx context.Context) (*Thread, error)
	CreateMessage(ctx context.Context, threadID, role, content string) (*ThreadMessage, error)
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	// ListMessages returns the thread's messages in whatever order the
	// service chooses.
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}

var (
	ErrNotFound    = errors.New("foundry: not found")
	ErrNoTransport = errors.New("foundry: no transport strategy accepted the request")
)

// StatusError is a non-2xx answer from the remote service.
type StatusError struct {
	Op        string
	Transport string
	Status    int
	Body      string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s via %s: status %d: %s", e.Op, e.Transport, e.Status, body)
}

// Is lets errors.Is(err, ErrNotFound) match a remote 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}
