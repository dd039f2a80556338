package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"foundrychat/internal/config"
	"foundrychat/internal/models"
	"foundrychat/internal/redis"
)

func TestStateCacheStoreLoadAndInvalidate(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	session := &models.Session{ID: "s101", AgentID: "asst_1", ThreadID: "thread_1"}
	sc.cacheSession(session)

	got, ok := sc.loadSession("s101")
	if !ok || got == nil {
		t.Fatalf("expected session cached")
	}
	if got.ThreadID != session.ThreadID || got.AgentID != session.AgentID {
		t.Fatalf("session mismatch: want %+v got %+v", session, got)
	}

	sc.invalidateSession("s101")
	if _, ok := sc.loadSession("s101"); ok {
		t.Fatalf("expected session rdb invalidated")
	}
}

func TestStateCachePubSub(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan invalidateMessage, 1)
	sc.startListener(ctx, func(msg invalidateMessage) {
		ch <- msg
	})

	msg := invalidateMessage{SessionID: "s6", Scope: scopeReset, Origin: "other"}
	sc.publishInvalidation(msg)
	select {
	case got := <-ch:
		if got != msg {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
}

func TestManagerLoadsFromRedisMirror(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	sc.cacheSession(&models.Session{ID: "s7", ThreadID: "thread_7"})
	store := newFakeStore("s7")
	manager := NewManager(store, &fakeConversation{}, Config{}, sc.client, nil)
	defer manager.Stop()

	state := newWorkerState("s7", 1)
	session, err := manager.ensureLoaded(context.Background(), state)
	if err != nil {
		t.Fatalf("ensureLoaded: %v", err)
	}
	if session.ThreadID() != "thread_7" {
		t.Fatalf("expected thread from mirror, got %q", session.ThreadID())
	}
	if store.loads("s7") != 0 {
		t.Fatalf("store should not be hit when the mirror has the session")
	}
}

func TestManagerSkipsUnboundMirror(t *testing.T) {
	sc, cleanup := newRedisStateCache(t)
	defer cleanup()

	sc.cacheSession(&models.Session{ID: "s8"})
	store := newFakeStore("s8")
	store.sessions["s8"].ThreadID = "thread_8"
	manager := NewManager(store, &fakeConversation{}, Config{}, sc.client, nil)
	defer manager.Stop()

	session, err := manager.ensureLoaded(context.Background(), newWorkerState("s8", 1))
	if err != nil {
		t.Fatalf("ensureLoaded: %v", err)
	}
	if session.ThreadID() != "thread_8" || store.loads("s8") != 1 {
		t.Fatalf("expected store thread, got %q after %d loads", session.ThreadID(), store.loads("s8"))
	}
}

func newRedisStateCache(t *testing.T) (*stateRedis, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := redis.NewRedisClient(config.RedisConfig{Host: host, Port: port, DB: db})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	sc := newStateCache(client)
	cleanup := func() {
		client.Close()
	}
	return sc, cleanup
}
