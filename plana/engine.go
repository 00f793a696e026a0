package plana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// HistoryProvider fetches recent channel messages, oldest first. Used to
// prefill context the first time the bot speaks in a scope with no stored
// memory, so it doesn't enter a running conversation blind.
type HistoryProvider interface {
	RecentMessages(
		ctx context.Context,
		channelID string,
		limit int,
	) ([]MessageContext, error)
}

// Reply is the engine's answer to one inbound message.
type Reply struct {
	Content   string
	Scope     ScopeKey
	Proactive bool
}

// Engine orchestrates one message's full lifecycle: resolve the scope,
// decide whether to engage, assemble context from memory, drive the backend
// through tool rounds, persist the exchange, and broadcast the change.
//
// Memory is only written after the backend produced a final answer, so a
// failed or canceled interaction leaves the conversation exactly as it was.
type Engine struct {
	config   *EngineConfig
	backend  ChatBackend
	memory   *MemoryStore
	settings *SettingsStore
	engage   *EngageStore
	policy   *EngagePolicy
	tools    *ToolDispatcher
	bus      EventBus
	history  HistoryProvider
	logger   *slog.Logger

	// clock is swappable for engage-cooldown tests
	clock func() time.Time
}

// NewEngine wires an engine from its collaborators. history may be nil,
// which disables context prefill.
func NewEngine(
	config *EngineConfig,
	backend ChatBackend,
	memory *MemoryStore,
	settings *SettingsStore,
	engage *EngageStore,
	policy *EngagePolicy,
	tools *ToolDispatcher,
	bus EventBus,
	history HistoryProvider,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:   config,
		backend:  backend,
		memory:   memory,
		settings: settings,
		engage:   engage,
		policy:   policy,
		tools:    tools,
		bus:      bus,
		history:  history,
		logger:   logger.With(loggerNameKey, "engine"),
		clock:    time.Now,
	}
}

// Handle processes one inbound message end to end. A nil Reply with a nil
// error means the bot stays silent for this message. The returned error is
// diagnostic - when Reply is non-nil it should be sent regardless.
func (e *Engine) Handle(ctx context.Context, msg MessageContext) (*Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.GuildID == "" {
		// DMs have no guild scope
		return nil, nil
	}

	log := ContextLogger(ctx, e.logger).With(
		"message_id", msg.MessageID,
		"guild_id", msg.GuildID,
		"channel_id", msg.ChannelID,
	)

	settings, err := e.settings.Get(ctx, msg.GuildID)
	if err != nil {
		// fall back to defaults so a settings outage doesn't mute mentions
		log.WarnContext(ctx, "settings unavailable, using defaults", tint.Err(err))
		settings = NewGuildSettings(msg.GuildID)
	}
	if !settings.Enabled {
		return nil, nil
	}

	scope, err := ResolveScope(msg, settings.Granularity())
	if err != nil {
		log.DebugContext(ctx, "message out of scope", tint.Err(err))
		return nil, nil
	}
	log = log.With("scope", scope.String())

	state, err := e.engage.Get(ctx, scope)
	if err != nil {
		log.WarnContext(ctx, "engage state unavailable", tint.Err(err))
		state = EngageState{}
	}

	decision, nextState := e.policy.ShouldEngage(e.clock(), msg, settings, state)
	if !decision.Engage {
		return nil, nil
	}
	log.InfoContext(
		ctx,
		"engaging",
		"proactive", decision.Proactive,
		"participation_count", nextState.ParticipationCount,
	)

	messages, err := e.assembleContext(ctx, scope, msg, settings)
	if err != nil {
		log.WarnContext(ctx, "context assembly degraded", tint.Err(err))
	}

	content, toolTurns, err := e.converse(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var unavailable *BackendUnavailableError
		if errors.As(err, &unavailable) && !decision.Proactive {
			// the user addressed the bot directly and deserves an answer,
			// even if it's only an apology
			log.ErrorContext(ctx, "backend unavailable", tint.Err(err))
			return &Reply{Content: e.unavailableMessage(), Scope: scope}, err
		}
		log.ErrorContext(ctx, "completion failed", tint.Err(err))
		return nil, err
	}

	e.persistExchange(ctx, log, scope, msg, settings, content, toolTurns, nextState)

	return &Reply{
		Content:   content,
		Scope:     scope,
		Proactive: decision.Proactive,
	}, nil
}

func (e *Engine) unavailableMessage() string {
	if e.config.UnavailableMessage != "" {
		return e.config.UnavailableMessage
	}
	return DefaultUnavailableMessage
}

// assembleContext builds the completion message list: system prompt, stored
// memory, then the current message. An empty scope with a history provider
// gets recent channel messages prefilled as context instead.
func (e *Engine) assembleContext(
	ctx context.Context,
	scope ScopeKey,
	msg MessageContext,
	settings GuildSettings,
) ([]BackendMessage, error) {
	messages := []BackendMessage{
		{Role: "system", Content: settings.Prompt()},
	}

	turns, readErr := e.memory.Read(ctx, scope, settings.MemoryMaxTurns)
	messages = append(messages, turnsToMessages(turns)...)

	if len(turns) == 0 && e.history != nil && e.config.HistoryPrefillCount > 0 {
		recent, err := e.history.RecentMessages(
			ctx, msg.ChannelID, e.config.HistoryPrefillCount,
		)
		if err != nil {
			ContextLogger(ctx, e.logger).DebugContext(
				ctx, "history prefill failed", tint.Err(err),
			)
		}
		for _, m := range recent {
			if m.MessageID == msg.MessageID {
				continue
			}
			messages = append(messages, BackendMessage{
				Role:    TurnRoleUser,
				Content: formatUserContent(m.Username, m.Content),
			})
		}
	}

	messages = append(messages, BackendMessage{
		Role:    TurnRoleUser,
		Content: formatUserContent(msg.Username, msg.Content),
	})
	return messages, readErr
}

// formatUserContent tags user content with the author's name so the model
// can track who said what in a shared scope.
func formatUserContent(username, content string) string {
	if username == "" {
		return content
	}
	return fmt.Sprintf("%s: %s", username, content)
}

// converse drives the backend until it produces a final text answer,
// executing requested tools between rounds. Rounds are capped; the final
// request past the cap disables tools entirely to force a text answer.
func (e *Engine) converse(
	ctx context.Context,
	messages []BackendMessage,
) (string, []Turn, error) {
	specs := e.tools.Specs()
	maxRounds := e.config.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	var toolTurns []Turn
	for round := 0; ; round++ {
		req := CompletionRequest{Messages: messages, Tools: specs}
		if round >= maxRounds || len(specs) == 0 {
			req.DisableTools = true
		}

		resp, err := e.completeWithRetry(ctx, req)
		if err != nil {
			return "", nil, err
		}

		if len(resp.ToolCalls) == 0 || req.DisableTools {
			return resp.Content, toolTurns, nil
		}

		messages = append(messages, BackendMessage{
			Role:      TurnRoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		records := make(ToolCallRecords, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			inv := e.invokeTool(ctx, call)
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			records = append(records, inv.Record())
			messages = append(messages, BackendMessage{
				Role:       TurnRoleTool,
				ToolCallID: call.ID,
				Content:    inv.Result,
			})
		}
		toolTurns = append(toolTurns, Turn{
			Role:      TurnRoleTool,
			ToolCalls: records,
		})
	}
}

func (e *Engine) invokeTool(ctx context.Context, call ToolCallRequest) ToolInvocation {
	toolCtx := ctx
	if e.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, e.config.ToolTimeout)
		defer cancel()
	}
	return e.tools.Invoke(toolCtx, call.ID, call.Name, call.Arguments)
}

// completeWithRetry calls the backend with a per-call timeout, retrying
// retryable failures with doubling backoff until the attempt budget is
// spent.
func (e *Engine) completeWithRetry(
	ctx context.Context,
	req CompletionRequest,
) (CompletionResponse, error) {
	attempts := e.config.CompletionAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := e.config.CompletionBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx := ctx
		if e.config.CompletionTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.config.CompletionTimeout)
			resp, err := e.backend.Complete(callCtx, req)
			cancel()
			if err == nil {
				return resp, nil
			}
			lastErr = err
		} else {
			resp, err := e.backend.Complete(callCtx, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err
		}

		if ctx.Err() != nil {
			return CompletionResponse{}, ctx.Err()
		}
		if !backendErrorRetryable(lastErr) {
			break
		}
		if attempt < attempts && backoff > 0 {
			e.logger.WarnContext(
				ctx,
				"completion failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				tint.Err(lastErr),
			)
			select {
			case <-ctx.Done():
				return CompletionResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return CompletionResponse{}, &BackendUnavailableError{
		Attempts: attempts,
		Err:      lastErr,
	}
}

// persistExchange writes the completed exchange to memory, saves the engage
// state, and broadcasts the scope change. Persistence failures are logged
// but don't retract the reply - the user already deserves the answer the
// backend produced.
func (e *Engine) persistExchange(
	ctx context.Context,
	log *slog.Logger,
	scope ScopeKey,
	msg MessageContext,
	settings GuildSettings,
	content string,
	toolTurns []Turn,
	state EngageState,
) {
	caps := settings.Caps()

	turns := make([]Turn, 0, len(toolTurns)+2)
	turns = append(turns, Turn{
		Role:     TurnRoleUser,
		AuthorID: msg.UserID,
		Content:  formatUserContent(msg.Username, msg.Content),
	})
	turns = append(turns, toolTurns...)
	turns = append(turns, Turn{
		Role:    TurnRoleAssistant,
		Content: content,
	})

	for _, turn := range turns {
		if err := e.memory.Append(ctx, scope, turn, caps); err != nil {
			log.ErrorContext(ctx, "memory append failed", tint.Err(err), "turn", turn)
			break
		}
	}

	if err := e.engage.Put(ctx, scope, state); err != nil {
		log.ErrorContext(ctx, "engage state save failed", tint.Err(err))
	}

	if e.bus != nil {
		e.bus.Publish(ctx, ScopeEvent{
			Kind:     ScopeEventAppended,
			ScopeKey: scope.String(),
			GuildID:  msg.GuildID,
		})
	}
}

// turnsToMessages reconstructs completion messages from stored turns. Tool
// turns expand back into the assistant tool-call message plus one result
// message per call, preserving the ordering the protocol requires.
func turnsToMessages(turns []Turn) []BackendMessage {
	messages := make([]BackendMessage, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case TurnRoleTool:
			calls := make([]ToolCallRequest, 0, len(turn.ToolCalls))
			for _, tc := range turn.ToolCalls {
				calls = append(calls, ToolCallRequest{
					ID:        tc.CallID,
					Name:      tc.Name,
					Arguments: []byte(tc.Arguments),
				})
			}
			messages = append(messages, BackendMessage{
				Role:      TurnRoleAssistant,
				Content:   turn.Content,
				ToolCalls: calls,
			})
			for _, tc := range turn.ToolCalls {
				messages = append(messages, BackendMessage{
					Role:       TurnRoleTool,
					ToolCallID: tc.CallID,
					Content:    tc.Result,
				})
			}
		default:
			messages = append(messages, BackendMessage{
				Role:    turn.Role,
				Content: turn.Content,
			})
		}
	}
	return messages
}
