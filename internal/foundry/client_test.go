package foundry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentServer serves the assistants API only under prefix, answering 404
// everywhere else so earlier strategies fall through.
type fakeAgentServer struct {
	prefix     string
	authHeader string

	mu       sync.Mutex
	misses   int
	hits     []string
	versions []string
	bodies   []string
}

func (f *fakeAgentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(r.URL.Path, f.prefix+"/") || r.Header.Get(f.authHeader) == "" {
		f.misses++
		http.Error(w, `{"error":"not here"}`, http.StatusNotFound)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, f.prefix)
	f.hits = append(f.hits, r.Method+" "+path)
	f.versions = append(f.versions, r.URL.Query().Get("api-version"))
	body, _ := io.ReadAll(r.Body)
	f.bodies = append(f.bodies, string(body))

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/assistants/"):
		io.WriteString(w, `{"id":"asst_1"}`)
	case r.Method == http.MethodPost && path == "/threads":
		io.WriteString(w, `{"id":"t1","object":"thread"}`)
	case r.Method == http.MethodPost && path == "/threads/t1/messages":
		io.WriteString(w, `{"id":"m1","role":"user","content":[{"type":"text","text":{"value":"hi"}}]}`)
	case r.Method == http.MethodPost && path == "/threads/t1/runs":
		io.WriteString(w, `{"id":"r1","status":"queued"}`)
	case r.Method == http.MethodGet && path == "/threads/t1/runs/r1":
		io.WriteString(w, `{"id":"r1","status":"completed"}`)
	case r.Method == http.MethodGet && path == "/threads/t1/runs/boom":
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
	case r.Method == http.MethodGet && path == "/threads/t1/messages":
		io.WriteString(w, `{"data":[{"id":"m2","role":"assistant","created_at":1700000000,"content":"hello"}]}`)
	default:
		http.Error(w, `{"error":"unknown"}`, http.StatusNotFound)
	}
}

func newRegionalClient(t *testing.T, fake *fakeAgentServer) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{
		Endpoint:   srv.URL,
		APIKey:     "key-1",
		AgentID:    "asst_1",
		APIVersion: "2024-05-01-preview",
		Strategies: []string{StrategyProject, StrategyRegional},
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return client, srv
}

func TestClientFallsThroughToRegionalAndCachesWinner(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/assistants/v1", authHeader: "Ocp-Apim-Subscription-Key"}
	client, _ := newRegionalClient(t, fake)
	ctx := context.Background()

	assert.Equal(t, "", client.Transport())
	th, err := client.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", th.ID)
	assert.Equal(t, StrategyRegional, client.Transport())
	assert.Equal(t, 1, fake.misses)

	_, err = client.CreateMessage(ctx, "t1", RoleUser, "hi")
	require.NoError(t, err)
	run, err := client.CreateRun(ctx, "t1", "asst_1")
	require.NoError(t, err)
	assert.Equal(t, "r1", run.ID)
	assert.Equal(t, RunQueued, run.Status)
	run, err = client.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	msgs, err := client.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text())

	assert.Equal(t, 1, fake.misses, "project strategy must not be retried after a winner is cached")
	for _, v := range fake.versions {
		assert.Equal(t, "2024-05-01-preview", v)
	}
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, fake.bodies[1])
	assert.JSONEq(t, `{"assistant_id":"asst_1"}`, fake.bodies[2])
}

func TestClientProbeSelectsTransport(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/assistants/v1", authHeader: "Ocp-Apim-Subscription-Key"}
	client, _ := newRegionalClient(t, fake)

	require.NoError(t, client.Probe(context.Background()))
	assert.Equal(t, StrategyRegional, client.Transport())
	assert.Equal(t, []string{"GET /assistants/asst_1"}, fake.hits)
}

func TestClientServerErrorIsReturnedNotSkipped(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/assistants/v1", authHeader: "Ocp-Apim-Subscription-Key"}
	client, _ := newRegionalClient(t, fake)
	ctx := context.Background()
	require.NoError(t, client.Probe(ctx))

	_, err := client.GetRun(ctx, "t1", "boom")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
	assert.Equal(t, StrategyRegional, statusErr.Transport)
}

func TestClientNoStrategyAccepts(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/nowhere", authHeader: "api-key"}
	client, _ := newRegionalClient(t, fake)

	_, err := client.CreateThread(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "", client.Transport())
	assert.Equal(t, 2, fake.misses)
}

func TestClientProjectStrategyUsesBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "t9"})
	}))
	defer srv.Close()

	client, err := NewClient(Options{Endpoint: srv.URL, BearerToken: "tok", HTTPClient: srv.Client()})
	require.NoError(t, err)
	assert.Equal(t, []string{StrategyProject}, client.Strategies())

	th, err := client.CreateThread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t9", th.ID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, StrategyProject, client.Transport())
}

func TestClientForwardPassesThroughStatus(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/assistants/v1", authHeader: "Ocp-Apim-Subscription-Key"}
	client, _ := newRegionalClient(t, fake)
	ctx := context.Background()
	require.NoError(t, client.Probe(ctx))

	resp, err := client.Forward(ctx, http.MethodGet, "threads/t1/runs/boom", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestBuildStrategies(t *testing.T) {
	strategies, err := BuildStrategies(Options{
		Endpoint: "https://myres.services.ai.azure.com/api/projects/demo/",
		APIKey:   "k",
	})
	require.NoError(t, err)
	require.Len(t, strategies, 4)

	assert.Equal(t, "https://myres.services.ai.azure.com/api/projects/demo", strategies[0].BaseURL)
	assert.Equal(t, "api-key", strategies[0].AuthHeader)
	assert.Equal(t, "https://myres.openai.azure.com/openai", strategies[1].BaseURL)
	assert.Equal(t, "https://myres.cognitiveservices.azure.com/openai", strategies[2].BaseURL)
	assert.Equal(t, "https://myres.services.ai.azure.com/api/projects/demo/assistants/v1", strategies[3].BaseURL)
	assert.Equal(t, "Ocp-Apim-Subscription-Key", strategies[3].AuthHeader)
}

func TestBuildStrategiesRequiresCredentials(t *testing.T) {
	_, err := BuildStrategies(Options{Endpoint: "https://example.com"})
	assert.ErrorIs(t, err, ErrNoStrategies)

	_, err = BuildStrategies(Options{Endpoint: "https://example.com", APIKey: "k", Strategies: []string{"smoke-signal"}})
	assert.Error(t, err)
}
