package agent

import (
	"errors"
	"time"

	"foundrychat/internal/foundry"
)

// ExtractResponse returns the text of the latest assistant message. Messages
// may be listed in either order. Dated messages older than the recency window
// are skipped; undated ones are always candidates but rank below dated ones.
func (c *Client) ExtractResponse(messages []foundry.ThreadMessage, now time.Time) (string, error) {
	return c.extract(messages, now, "")
}

// extract prefers messages produced by runID when any of them qualify.
func (c *Client) extract(messages []foundry.ThreadMessage, now time.Time, runID string) (string, error) {
	if runID != "" {
		var fromRun []foundry.ThreadMessage
		for _, m := range messages {
			if m.RunID == runID {
				fromRun = append(fromRun, m)
			}
		}
		if text, ok := latestAssistantText(fromRun, now, c.cfg.RecencyWindow); ok {
			return text, nil
		}
	}
	if text, ok := latestAssistantText(messages, now, c.cfg.RecencyWindow); ok {
		return text, nil
	}
	return "", turnError(ErrNoContent, "extract response", errors.New("no recent assistant message with text"))
}

func latestAssistantText(messages []foundry.ThreadMessage, now time.Time, window time.Duration) (string, bool) {
	var (
		best  *foundry.ThreadMessage
		text  string
		found bool
	)
	for i := range messages {
		m := &messages[i]
		if m.Role != foundry.RoleAssistant {
			continue
		}
		if window > 0 && !m.CreatedAt.IsZero() && now.Sub(m.CreatedAt) > window {
			continue
		}
		t := m.Text()
		if t == "" {
			continue
		}
		// Ties keep the first one listed.
		if found && !m.CreatedAt.After(best.CreatedAt) {
			continue
		}
		best, text, found = m, t, true
	}
	return text, found
}
