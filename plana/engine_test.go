package plana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend returns canned responses in order and records every
// request it sees.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errs      []error
	requests  []CompletionRequest
}

func (s *scriptedBackend) Complete(
	_ context.Context,
	req CompletionRequest,
) (CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	idx := len(s.requests) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return CompletionResponse{}, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	if len(s.responses) > 0 {
		return s.responses[len(s.responses)-1], nil
	}
	return CompletionResponse{}, errors.New("no scripted response")
}

func (s *scriptedBackend) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedBackend) request(i int) CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

type engineFixture struct {
	engine   *Engine
	backend  *scriptedBackend
	memory   *MemoryStore
	engage   *EngageStore
	settings *SettingsStore
	tools    *ToolDispatcher
	bus      *localEventBus
}

func newTestEngine(
	t testing.TB,
	backend *scriptedBackend,
	trigger EngageTrigger,
) *engineFixture {
	t.Helper()
	db, writeDB := setupTestStores(t)
	logger := testLogger(t)

	memory := NewMemoryStore(db, writeDB, logger)
	engage := NewEngageStore(db, writeDB, logger)
	settings := NewSettingsStore(db, writeDB, logger, time.Minute)
	tools := NewToolDispatcher(logger)

	bus := &localEventBus{notifierID: "test", logger: logger}

	cfg := &EngineConfig{
		CompletionTimeout:  5 * time.Second,
		CompletionAttempts: 2,
		CompletionBackoff:  time.Millisecond,
		ToolTimeout:        time.Second,
		MaxToolRounds:      3,
		UnavailableMessage: DefaultUnavailableMessage,
	}

	engine := NewEngine(
		cfg,
		backend,
		memory,
		settings,
		engage,
		NewEngagePolicy(trigger),
		tools,
		bus,
		nil,
		logger,
	)

	return &engineFixture{
		engine:   engine,
		backend:  backend,
		memory:   memory,
		engage:   engage,
		settings: settings,
		tools:    tools,
		bus:      bus,
	}
}

func mentionMsg(content string) MessageContext {
	return MessageContext{
		MessageID:   "msg-1",
		GuildID:     "guild-1",
		ChannelID:   "chan-1",
		UserID:      "user-1",
		Username:    "Sensei",
		Content:     content,
		MentionsBot: true,
		Timestamp:   time.Now(),
	}
}

func TestEngineHandleMention(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{{Content: "Understood."}},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	ctx := context.Background()

	reply, err := f.engine.Handle(ctx, mentionMsg("status report, please"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "Understood.", reply.Content)
	assert.False(t, reply.Proactive)

	// request carries the system prompt and the attributed user message
	req := f.backend.request(0)
	require.GreaterOrEqual(t, len(req.Messages), 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, TurnRoleUser, last.Role)
	assert.Equal(t, "Sensei: status report, please", last.Content)

	// both sides of the exchange were persisted
	turns, err := f.memory.Read(ctx, reply.Scope, 50)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, TurnRoleUser, turns[0].Role)
	assert.Equal(t, "user-1", turns[0].AuthorID)
	assert.Equal(t, TurnRoleAssistant, turns[1].Role)
	assert.Equal(t, "Understood.", turns[1].Content)

	state, err := f.engage.Get(ctx, reply.Scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.ParticipationCount)
}

func TestEngineSilentWithoutEngagement(t *testing.T) {
	backend := &scriptedBackend{}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})

	msg := mentionMsg("just chatting")
	msg.MentionsBot = false

	reply, err := f.engine.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, backend.requestCount(), "no backend call when not engaging")
}

func TestEngineIgnoresDMs(t *testing.T) {
	backend := &scriptedBackend{}
	f := newTestEngine(t, backend, fixedTrigger{fire: true})

	msg := mentionMsg("hello")
	msg.GuildID = ""

	reply, err := f.engine.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestEngineMemoryFlowsIntoContext(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{
			{Content: "first answer"},
			{Content: "second answer"},
		},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	ctx := context.Background()

	_, err := f.engine.Handle(ctx, mentionMsg("first question"))
	require.NoError(t, err)

	msg := mentionMsg("second question")
	msg.MessageID = "msg-2"
	_, err = f.engine.Handle(ctx, msg)
	require.NoError(t, err)

	req := f.backend.request(1)
	var contents []string
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "Sensei: first question")
	assert.Contains(t, contents, "first answer")
	assert.Contains(t, contents, "Sensei: second question")
}

func TestEngineToolRoundTrip(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{
			{
				ToolCalls: []ToolCallRequest{
					{
						ID:        "call-1",
						Name:      "echo",
						Arguments: json.RawMessage(`{"text":"ping"}`),
					},
				},
			},
			{Content: "the tool said: ping"},
		},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	require.NoError(
		t, f.tools.Register(
			ToolSpec{
				Name: "echo",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {"text": {"type": "string"}},
					"required": ["text"]
				}`),
				Handler: func(_ context.Context, raw json.RawMessage) (string, error) {
					var args struct {
						Text string `json:"text"`
					}
					if err := json.Unmarshal(raw, &args); err != nil {
						return "", err
					}
					return args.Text, nil
				},
			},
		),
	)

	ctx := context.Background()
	reply, err := f.engine.Handle(ctx, mentionMsg("use the tool"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "the tool said: ping", reply.Content)
	require.Equal(t, 2, backend.requestCount())

	// the second request replays the tool call and its result, in
	// protocol order
	req := backend.request(1)
	n := len(req.Messages)
	require.GreaterOrEqual(t, n, 2)
	assistantMsg := req.Messages[n-2]
	toolMsg := req.Messages[n-1]
	require.Len(t, assistantMsg.ToolCalls, 1)
	assert.Equal(t, "call-1", assistantMsg.ToolCalls[0].ID)
	assert.Equal(t, TurnRoleTool, toolMsg.Role)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Equal(t, "ping", toolMsg.Content)

	// the tool round was persisted between the user and assistant turns
	turns, err := f.memory.Read(ctx, reply.Scope, 50)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, TurnRoleTool, turns[1].Role)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "echo", turns[1].ToolCalls[0].Name)
	assert.Equal(t, "ping", turns[1].ToolCalls[0].Result)
}

func TestEngineToolValidationFailureRoundTrips(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{
			{
				ToolCalls: []ToolCallRequest{
					{
						ID:        "call-1",
						Name:      "roll",
						Arguments: json.RawMessage(`{"dice":"two"}`),
					},
				},
			},
			{Content: "sorry, that roll made no sense"},
		},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	require.NoError(t, f.tools.Register(RollToolSpec()))

	reply, err := f.engine.Handle(context.Background(), mentionMsg("roll two dice"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "sorry, that roll made no sense", reply.Content)

	// the validation error text went back to the model, not to the user
	req := backend.request(1)
	toolMsg := req.Messages[len(req.Messages)-1]
	assert.Equal(t, TurnRoleTool, toolMsg.Role)
	assert.NotEmpty(t, toolMsg.Content)
}

func TestEngineToolLoopCap(t *testing.T) {
	looping := CompletionResponse{
		ToolCalls: []ToolCallRequest{
			{ID: "call-x", Name: "flip_coin", Arguments: json.RawMessage(`{}`)},
		},
	}
	backend := &scriptedBackend{
		responses: []CompletionResponse{
			looping, looping, looping,
			{Content: "fine, heads"},
		},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	require.NoError(t, f.tools.Register(FlipCoinToolSpec()))

	reply, err := f.engine.Handle(context.Background(), mentionMsg("flip forever"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "fine, heads", reply.Content)

	// MaxToolRounds=3: three tool rounds, then a forced final answer with
	// tools disabled
	require.Equal(t, 4, backend.requestCount())
	final := backend.request(3)
	assert.True(t, final.DisableTools)
	for i := 0; i < 3; i++ {
		assert.False(t, backend.request(i).DisableTools)
	}
}

func TestEngineBackendUnavailable(t *testing.T) {
	serverErr := &openai.APIError{
		HTTPStatusCode: http.StatusInternalServerError,
		Message:        "upstream down",
	}
	backend := &scriptedBackend{
		errs: []error{serverErr, serverErr},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	ctx := context.Background()

	reply, err := f.engine.Handle(ctx, mentionMsg("anyone home?"))
	require.Error(t, err)
	var unavailable *BackendUnavailableError
	assert.ErrorAs(t, err, &unavailable)

	// the user still gets the apology
	require.NotNil(t, reply)
	assert.Equal(t, DefaultUnavailableMessage, reply.Content)

	// both attempts were made, and nothing was persisted
	assert.Equal(t, 2, backend.requestCount())
	turns, readErr := f.memory.Read(ctx, reply.Scope, 50)
	require.NoError(t, readErr)
	assert.Empty(t, turns)
}

func TestEngineNonRetryableErrorFailsFast(t *testing.T) {
	authErr := &openai.APIError{
		HTTPStatusCode: http.StatusUnauthorized,
		Message:        "bad token",
	}
	backend := &scriptedBackend{errs: []error{authErr, authErr}}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})

	reply, err := f.engine.Handle(context.Background(), mentionMsg("hello"))
	require.Error(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, 1, backend.requestCount(), "auth errors aren't retried")
}

func TestEngineProactiveFailureStaysSilent(t *testing.T) {
	serverErr := &openai.APIError{
		HTTPStatusCode: http.StatusInternalServerError,
	}
	backend := &scriptedBackend{errs: []error{serverErr, serverErr}}
	f := newTestEngine(t, backend, fixedTrigger{fire: true})

	// enable proactive engagement for the guild
	ctx := context.Background()
	settings, err := f.settings.Get(ctx, "guild-1")
	require.NoError(t, err)
	settings.EngageMode = true
	require.NoError(t, f.settings.Save(ctx, settings))
	f.settings.Invalidate("guild-1")

	msg := mentionMsg("nobody asked the bot")
	msg.MentionsBot = false

	reply, handleErr := f.engine.Handle(ctx, msg)
	require.Error(t, handleErr)
	assert.Nil(t, reply, "proactive failures don't apologize")
}

func TestEngineCancellation(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{{Content: "too late"}},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reply, err := f.engine.Handle(ctx, mentionMsg("hello"))
	assert.Nil(t, reply)
	require.Error(t, err)

	scope, scopeErr := ResolveScope(
		mentionMsg("hello"), DefaultMemoryGranularity,
	)
	require.NoError(t, scopeErr)
	turns, readErr := f.memory.Read(context.Background(), scope, 50)
	require.NoError(t, readErr)
	assert.Empty(t, turns, "canceled interactions leave no trace")
}

func TestEnginePublishesScopeEvents(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{{Content: "done"}},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})

	var events []ScopeEvent
	var mu sync.Mutex
	f.bus.Subscribe(
		func(event ScopeEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, event)
		},
	)

	reply, err := f.engine.Handle(context.Background(), mentionMsg("hello"))
	require.NoError(t, err)
	require.NotNil(t, reply)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, ScopeEventAppended, events[0].Kind)
	assert.Equal(t, reply.Scope.String(), events[0].ScopeKey)
}

func TestEngineUnavailableMessageFallback(t *testing.T) {
	e := &Engine{config: &EngineConfig{}}
	assert.Equal(t, DefaultUnavailableMessage, e.unavailableMessage())

	e.config.UnavailableMessage = "brb"
	assert.Equal(t, "brb", e.unavailableMessage())
}

func TestFormatUserContent(t *testing.T) {
	assert.Equal(t, "Aris: hi", formatUserContent("Aris", "hi"))
	assert.Equal(t, "hi", formatUserContent("", "hi"))
}

func TestTurnsToMessagesToolExpansion(t *testing.T) {
	turns := []Turn{
		{Role: TurnRoleUser, Content: "roll for me"},
		{
			Role: TurnRoleTool,
			ToolCalls: ToolCallRecords{
				{
					CallID:    "call-1",
					Name:      "roll",
					Arguments: `{"dice":1,"sides":6}`,
					Result:    "🎲 Rolling 1d6: [4] = 4",
				},
			},
		},
		{Role: TurnRoleAssistant, Content: "you rolled a 4"},
	}

	messages := turnsToMessages(turns)
	require.Len(t, messages, 4)
	assert.Equal(t, TurnRoleUser, messages[0].Role)
	assert.Equal(t, TurnRoleAssistant, messages[1].Role)
	require.Len(t, messages[1].ToolCalls, 1)
	assert.Equal(t, "call-1", messages[1].ToolCalls[0].ID)
	assert.Equal(t, TurnRoleTool, messages[2].Role)
	assert.Equal(t, "call-1", messages[2].ToolCallID)
	assert.Equal(t, TurnRoleAssistant, messages[3].Role)
}

func TestEngineHistoryPrefill(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{{Content: "caught up"}},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	f.engine.config.HistoryPrefillCount = 5
	f.engine.history = historyFunc(
		func(_ context.Context, channelID string, limit int) ([]MessageContext, error) {
			assert.Equal(t, "chan-1", channelID)
			assert.Equal(t, 5, limit)
			return []MessageContext{
				{MessageID: "old-1", Username: "Aris", Content: "earlier chatter"},
			}, nil
		},
	)

	_, err := f.engine.Handle(context.Background(), mentionMsg("what did I miss?"))
	require.NoError(t, err)

	req := backend.request(0)
	var contents []string
	for _, m := range req.Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "Aris: earlier chatter")
}

// historyFunc adapts a function to the HistoryProvider interface.
type historyFunc func(
	ctx context.Context,
	channelID string,
	limit int,
) ([]MessageContext, error)

func (f historyFunc) RecentMessages(
	ctx context.Context,
	channelID string,
	limit int,
) ([]MessageContext, error) {
	return f(ctx, channelID, limit)
}

func TestEngineDisabledGuildStaysSilent(t *testing.T) {
	backend := &scriptedBackend{}
	f := newTestEngine(t, backend, fixedTrigger{fire: true})
	ctx := context.Background()

	settings, err := f.settings.Get(ctx, "guild-1")
	require.NoError(t, err)
	settings.Enabled = false
	require.NoError(t, f.settings.Save(ctx, settings))
	f.settings.Invalidate("guild-1")

	reply, err := f.engine.Handle(ctx, mentionMsg("hello?"))
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Zero(t, backend.requestCount())
}

func TestEngineMultipleToolCallsInOneRound(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{
			{
				ToolCalls: []ToolCallRequest{
					{ID: "call-1", Name: "flip_coin", Arguments: json.RawMessage(`{}`)},
					{ID: "call-2", Name: "flip_coin", Arguments: json.RawMessage(`{}`)},
				},
			},
			{Content: "two flips done"},
		},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	require.NoError(t, f.tools.Register(FlipCoinToolSpec()))

	reply, err := f.engine.Handle(context.Background(), mentionMsg("flip twice"))
	require.NoError(t, err)
	require.NotNil(t, reply)

	req := backend.request(1)
	var toolResults []string
	for _, m := range req.Messages {
		if m.Role == TurnRoleTool {
			toolResults = append(toolResults, m.ToolCallID)
		}
	}
	assert.Equal(t, []string{"call-1", "call-2"}, toolResults)

	turns, err := f.memory.Read(context.Background(), reply.Scope, 50)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Len(t, turns[1].ToolCalls, 2)
}

func TestEngineParticipationCountAccrues(t *testing.T) {
	backend := &scriptedBackend{
		responses: []CompletionResponse{{Content: "yes"}, {Content: "still yes"}},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})
	ctx := context.Background()

	reply, err := f.engine.Handle(ctx, mentionMsg("one"))
	require.NoError(t, err)
	require.NotNil(t, reply)

	msg := mentionMsg("two")
	msg.MessageID = "msg-2"
	_, err = f.engine.Handle(ctx, msg)
	require.NoError(t, err)

	state, err := f.engage.Get(ctx, reply.Scope)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.ParticipationCount)
}

func TestCompleteWithRetryBackoff(t *testing.T) {
	serverErr := &openai.RequestError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Err:            fmt.Errorf("rate limited"),
	}
	backend := &scriptedBackend{
		errs:      []error{serverErr},
		responses: []CompletionResponse{{}, {Content: "second try"}},
	}
	f := newTestEngine(t, backend, fixedTrigger{fire: false})

	resp, err := f.engine.completeWithRetry(
		context.Background(),
		CompletionRequest{Messages: []BackendMessage{{Role: "user", Content: "hi"}}},
	)
	require.NoError(t, err)
	assert.Equal(t, "second try", resp.Content)
	assert.Equal(t, 2, backend.requestCount())
}
