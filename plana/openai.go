package plana

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ToolCallRequest is a model-requested tool invocation, as returned by the
// backend: the call ID the result must be correlated with, the tool name,
// and the raw (untrusted) argument JSON.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// BackendMessage is one role-tagged message in a completion request,
// decoupled from any particular provider's SDK types.
type BackendMessage struct {
	Role       string
	Content    string
	ToolCallID string

	// ToolCalls echoes the model's tool requests on assistant messages,
	// which the protocol requires ahead of the tool results
	ToolCalls []ToolCallRequest
}

// CompletionRequest is the input to one backend completion call.
type CompletionRequest struct {
	Messages []BackendMessage
	Tools    []ToolSpec

	// DisableTools forces a final text answer; used when the tool round
	// cap has been reached
	DisableTools bool
}

// CompletionResponse is either a final answer (Content, no tool calls) or
// one or more tool-call requests.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// ChatBackend is the language-model interface the engine drives. The only
// implementation outside of tests is [OpenAI].
type ChatBackend interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// OpenAIClient is the subset of the OpenAI SDK client the backend uses,
// extracted for test doubles.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI implements [ChatBackend] over the OpenAI chat completions API
// (or any compatible endpoint), with a request rate limiter in front.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config: config,
		logger: newComponentLogger("openai", config.LogLevel),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	limit := config.MaxRequestsPerSecond
	if limit <= 0 {
		limit = DefaultOpenAIMaxRequestsPerSecond
	}
	o.requestLimiter = rate.NewLimiter(rate.Limit(limit), 1)

	return o
}

// Complete sends one chat completion request. Sampling parameters are
// jittered per request to keep the bot's voice from getting repetitive.
func (o *OpenAI) Complete(
	ctx context.Context,
	req CompletionRequest,
) (CompletionResponse, error) {
	if err := o.requestLimiter.Wait(ctx); err != nil {
		return CompletionResponse{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:           o.config.Model,
		Messages:        backendToOpenAIMessages(req.Messages),
		MaxTokens:       o.config.MaxCompletionTokens,
		Temperature:     randomInRange(0.7, 1.0),
		TopP:            randomInRange(0.9, 0.95),
		PresencePenalty: randomInRange(1.0, 1.3),
	}

	if len(req.Tools) > 0 && !req.DisableTools {
		chatReq.Tools = toolSpecsToOpenAITools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		o.logger.ErrorContext(ctx, "completion request failed", tint.Err(err))
		return CompletionResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, errors.New("completion returned no choices")
	}

	choice := resp.Choices[0].Message
	out := CompletionResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(
			out.ToolCalls, ToolCallRequest{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		)
	}

	o.logger.DebugContext(
		ctx,
		"completion finished",
		"finish_reason", resp.Choices[0].FinishReason,
		"tool_calls", len(out.ToolCalls),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return out, nil
}

func backendToOpenAIMessages(messages []BackendMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(
				msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				},
			)
		}
		out = append(out, msg)
	}
	return out
}

func toolSpecsToOpenAITools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(
			tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        spec.Name,
					Description: spec.Description,
					Parameters:  spec.Parameters,
				},
			},
		)
	}
	return tools
}

// backendErrorRetryable reports whether a completion error is worth
// retrying: rate limits, server errors, and transport failures. Other API
// errors (bad request, auth) won't get better on retry.
func backendErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// transport-level failure
	return true
}

func randomInRange(low, high float32) float32 {
	return low + rand.Float32()*(high-low)
}
