package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupInterval  = time.Hour
	DefaultSessionRetention = 30 * 24 * time.Hour
)

// PruneFunc runs for every idle session before its rows are deleted, while
// its tokens are still listed. An error keeps the session for the next pass.
type PruneFunc func(ctx context.Context, sessionID string) error

// StartCleaner periodically removes expired tokens and sessions idle longer
// than retention. A zero retention keeps sessions forever.
func (s *Service) StartCleaner(ctx context.Context, interval, retention time.Duration, onPrune PruneFunc) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval, retention, onPrune)
}

func (s *Service) cleanupLoop(ctx context.Context, interval, retention time.Duration, onPrune PruneFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, time.Now().UTC(), retention, onPrune); err != nil {
				log.Error().Err(err).Msg("session cleanup failed")
			}
		}
	}
}

// Cleanup runs one pass and returns how many sessions were removed.
func (s *Service) Cleanup(ctx context.Context, now time.Time, retention time.Duration, onPrune PruneFunc) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int64("tokens", n).Msg("expired tokens removed")
	}
	if retention <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE updated_at <= ?`, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if onPrune != nil {
			if err := onPrune(ctx, id); err != nil {
				log.Warn().Err(err).Str("session", id).Msg("prune idle session failed")
				continue
			}
		}
		if err := s.DeleteSession(ctx, id); err != nil {
			log.Warn().Err(err).Str("session", id).Msg("delete idle session failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("sessions", removed).Msg("idle sessions removed")
	}
	return removed, nil
}
