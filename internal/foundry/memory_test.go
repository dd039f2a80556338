package foundry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockAPIRoundTrip(t *testing.T) {
	api := NewMockAPI()
	ctx := context.Background()

	th, err := api.CreateThread(ctx)
	require.NoError(t, err)
	_, err = api.CreateMessage(ctx, th.ID, RoleUser, "status of ticket 42?")
	require.NoError(t, err)

	run, err := api.CreateRun(ctx, th.ID, "asst_x")
	require.NoError(t, err)
	assert.Equal(t, RunQueued, run.Status)

	run, err = api.GetRun(ctx, th.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	msgs, err := api.ListMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[0].Role, "newest first")
	assert.Contains(t, msgs[0].Text(), `"status of ticket 42?"`)
	assert.Equal(t, run.ID, msgs[0].RunID)
}

func TestMemoryAPIUnknownThread(t *testing.T) {
	api := NewMockAPI()
	_, err := api.CreateMessage(context.Background(), "thread_missing", RoleUser, "x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = api.GetRun(context.Background(), "thread_missing", "run_x")
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeChatModel struct {
	input []*schema.Message
	reply string
	err   error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{Role: schema.Assistant, Content: f.reply}, nil
}

func TestMemoryAPIExpiresIdleThreads(t *testing.T) {
	api := NewMockAPI()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api.now = func() time.Time { return now }
	api.SetLimits(0, time.Minute)
	ctx := context.Background()

	idle, err := api.CreateThread(ctx)
	require.NoError(t, err)
	active, err := api.CreateThread(ctx)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	_, err = api.CreateMessage(ctx, active.ID, RoleUser, "still here")
	require.NoError(t, err)

	now = now.Add(20 * time.Second)
	_, err = api.ListMessages(ctx, idle.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "idle thread should expire, got %v", err)
	msgs, err := api.ListMessages(ctx, active.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	now = now.Add(2 * time.Minute)
	_, err = api.CreateThread(ctx)
	require.NoError(t, err)
	api.mu.Lock()
	assert.Len(t, api.threads, 1, "creating a thread sweeps expired ones")
	api.mu.Unlock()
}

func TestMemoryAPIEvictsLeastRecentlyUsed(t *testing.T) {
	api := NewMockAPI()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	api.now = func() time.Time { return now }
	api.SetLimits(2, time.Hour)
	ctx := context.Background()

	first, err := api.CreateThread(ctx)
	require.NoError(t, err)
	now = now.Add(time.Second)
	second, err := api.CreateThread(ctx)
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = api.CreateMessage(ctx, first.ID, RoleUser, "touch")
	require.NoError(t, err)

	now = now.Add(time.Second)
	third, err := api.CreateThread(ctx)
	require.NoError(t, err)

	_, err = api.ListMessages(ctx, second.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "least recently used thread should be evicted, got %v", err)
	for _, id := range []string{first.ID, third.ID} {
		_, err := api.ListMessages(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestModelResponderBuildsConversation(t *testing.T) {
	fake := &fakeChatModel{reply: "from the model"}
	api := NewMemoryAPI(&ModelResponder{Model: fake, SystemPrompt: "be brief"})
	ctx := context.Background()

	th, _ := api.CreateThread(ctx)
	_, _ = api.CreateMessage(ctx, th.ID, RoleUser, "first")
	run, _ := api.CreateRun(ctx, th.ID, "")
	run, err := api.GetRun(ctx, th.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)

	require.Len(t, fake.input, 2)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Equal(t, "be brief", fake.input[0].Content)
	assert.Equal(t, schema.User, fake.input[1].Role)
	assert.Equal(t, "first", fake.input[1].Content)

	msgs, _ := api.ListMessages(ctx, th.ID)
	assert.Equal(t, "from the model", msgs[0].Text())
}

func TestModelResponderFailureFailsRun(t *testing.T) {
	api := NewMemoryAPI(&ModelResponder{Model: &fakeChatModel{err: errors.New("quota")}})
	ctx := context.Background()

	th, _ := api.CreateThread(ctx)
	_, _ = api.CreateMessage(ctx, th.ID, RoleUser, "hi")
	run, _ := api.CreateRun(ctx, th.ID, "")
	run, err := api.GetRun(ctx, th.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Contains(t, run.LastError.Message, "quota")
}

func TestNewBackendMockMode(t *testing.T) {
	b, err := NewBackend(context.Background(), Settings{Mode: ModeMock})
	require.NoError(t, err)
	assert.Equal(t, "fallback", b.Source())
	assert.False(t, b.ClientReady())
	assert.Equal(t, "", b.Transport())
}

func TestNewBackendRemoteFallsBackToMock(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/nowhere", authHeader: "api-key"}
	_, srv := newRegionalClient(t, fake)

	b, err := NewBackend(context.Background(), Settings{
		Mode:     ModeRemote,
		Fallback: ModeMock,
		Remote: Options{
			Endpoint:   srv.URL,
			APIKey:     "k",
			AgentID:    "asst_1",
			Strategies: []string{StrategyRegional},
			HTTPClient: srv.Client(),
		},
	})
	require.NoError(t, err)
	assert.True(t, b.Fallback)
	assert.Error(t, b.ProbeErr)
	assert.NotNil(t, b.Remote)
	assert.Equal(t, "fallback", b.Source())
	_, isMemory := b.API.(*MemoryAPI)
	assert.True(t, isMemory)
}

func TestNewBackendRemoteHealthy(t *testing.T) {
	fake := &fakeAgentServer{prefix: "/assistants/v1", authHeader: "Ocp-Apim-Subscription-Key"}
	_, srv := newRegionalClient(t, fake)

	b, err := NewBackend(context.Background(), Settings{
		Mode:     ModeRemote,
		Fallback: ModeMock,
		Remote: Options{
			Endpoint:   srv.URL,
			APIKey:     "k",
			AgentID:    "asst_1",
			HTTPClient: srv.Client(),
		},
	})
	require.NoError(t, err)
	assert.False(t, b.Fallback)
	assert.True(t, b.ClientReady())
	assert.Equal(t, "azure", b.Source())
	assert.Equal(t, StrategyRegional, b.Transport())
}

func TestNewBackendRemoteWithoutCredentials(t *testing.T) {
	_, err := NewBackend(context.Background(), Settings{Mode: ModeRemote})
	assert.ErrorIs(t, err, ErrNoStrategies)

	b, err := NewBackend(context.Background(), Settings{Mode: ModeRemote, Fallback: ModeMock})
	require.NoError(t, err)
	assert.Nil(t, b.Remote)
	assert.True(t, b.Fallback)
}
