package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"foundrychat/internal/models"
	"foundrychat/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	redisStateTTL          = 30 * time.Minute
)

const (
	scopeReset  = "reset"
	scopeDelete = "delete"
	// the session moved to a different remote thread
	scopeThread = "thread"
)

type invalidateMessage struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	Origin    string `json:"origin"`
}

// stateRedis mirrors the session record (chiefly its thread binding) so another
// instance, or this one after a restart, can pick a session up without a
// database round trip.
type stateRedis struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateRedis {
	return &stateRedis{client: client}
}

func sessionKey(sessionID string) string { return fmt.Sprintf("worker:session:%s", sessionID) }

// startListener subscribes to invalidations until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	err := r.client.Subscribe(ctx, redisInvalidateChannel, func(payload string) {
		var inv invalidateMessage
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			log.Warn().Err(err).Msg("worker invalidation decode failed")
			return
		}
		handler(inv)
	})
	if err != nil {
		log.Warn().Err(err).Msg("worker invalidation subscribe failed")
	}
}

// publishInvalidation broadcasts an invalidation to every instance.
func (r *stateRedis) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("worker invalidation marshal failed")
		return
	}
	if err := r.client.Publish(context.Background(), redisInvalidateChannel, payload); err != nil {
		log.Warn().Err(err).Msg("worker publish invalidation failed")
	}
}

func (r *stateRedis) cacheSession(session *models.Session) {
	if r == nil || r.client == nil || session == nil || session.ID == "" {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		log.Warn().Err(err).Msg("worker session marshal failed")
		return
	}
	if err := r.client.Set(context.Background(), sessionKey(session.ID), data, redisStateTTL); err != nil {
		log.Warn().Err(err).Str("session", session.ID).Msg("worker cache session failed")
	}
}

func (r *stateRedis) loadSession(sessionID string) (*models.Session, bool) {
	if r == nil || r.client == nil || sessionID == "" {
		return nil, false
	}
	raw, err := r.client.Get(context.Background(), sessionKey(sessionID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Warn().Err(err).Msg("worker load session from redis failed")
		}
		return nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		log.Warn().Err(err).Msg("worker decode cached session failed")
		return nil, false
	}
	if session.ID != sessionID {
		return nil, false
	}
	return &session, true
}

func (r *stateRedis) invalidateSession(sessionID string) {
	if r == nil || r.client == nil || sessionID == "" {
		return
	}
	if err := r.client.Del(context.Background(), sessionKey(sessionID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		log.Warn().Err(err).Str("session", sessionID).Msg("worker invalidate cached session failed")
	}
}
