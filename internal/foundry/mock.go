package foundry

import (
	"context"
	"fmt"
)

// EchoResponder answers with a canned reply that quotes the latest user
// message. It backs mock mode and the mock fallback.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, history []ThreadMessage) (string, error) {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			last = history[i].Text()
			break
		}
	}
	if last == "" {
		return "I'm here and ready to help. What would you like to do?", nil
	}
	return fmt.Sprintf("I received your message: %q. The hosted agent is not reachable right now, so this is a fallback response.", last), nil
}

// NewMockAPI returns an in-memory API answering every run with EchoResponder.
func NewMockAPI() *MemoryAPI {
	return NewMemoryAPI(EchoResponder{})
}
