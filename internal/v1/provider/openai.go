package provider

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
)

// OpenAIProvider speaks the OpenAI-compatible chat completion API, which
// also covers OpenRouter and most self-hosted inference gateways. Stream
// creation goes through a circuit breaker so a dead upstream fails fast
// instead of piling up blocked dispatcher tasks.
type OpenAIProvider struct {
	client *openai.Client
	cb     *gobreaker.CircuitBreaker
}

// NewOpenAIProvider creates a provider against the given base URL.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	st := gobreaker.Settings{
		Name:        "chat-provider",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("chat-provider").Set(stateVal)
		},
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// StreamChat opens a streaming completion call.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req StreamRequest) (Stream, error) {
	openaiReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  convertMessages(req.Messages),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if len(req.Tools) > 0 {
		openaiReq.Tools = convertTools(req.Tools)
	}

	res, err := p.cb.Execute(func() (interface{}, error) {
		return p.client.CreateChatCompletionStream(ctx, openaiReq)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("chat-provider").Inc()
			logging.Warn(ctx, "Chat provider circuit breaker open", zap.String("model", req.Model))
		}
		return nil, err
	}

	return &openAIStream{inner: res.(*openai.ChatCompletionStream)}, nil
}

func convertMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func convertTools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

// chatStream is the slice of *openai.ChatCompletionStream the adapter needs.
type chatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// openAIStream adapts the OpenAI stream to the Delta contract. Tool call
// arguments arrive fragmented across chunks and keyed by index; they are
// accumulated here and surfaced as complete calls once the model finishes
// the tool call turn.
type openAIStream struct {
	inner chatStream

	pendingOrder []int
	pending      map[int]*ToolCall
	flushed      bool
}

func (s *openAIStream) Recv() (Delta, error) {
	for {
		resp, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			if calls := s.flush(); len(calls) > 0 {
				return Delta{ToolCalls: calls}, nil
			}
			return Delta{}, io.EOF
		}
		if err != nil {
			return Delta{}, err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		for _, tc := range choice.Delta.ToolCalls {
			s.accumulate(tc)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if calls := s.flush(); len(calls) > 0 {
				return Delta{ToolCalls: calls}, nil
			}
			continue
		}

		if choice.Delta.Content != "" {
			return Delta{Content: choice.Delta.Content}, nil
		}
	}
}

func (s *openAIStream) accumulate(tc openai.ToolCall) {
	if s.pending == nil {
		s.pending = make(map[int]*ToolCall)
	}
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := s.pending[idx]
	if !ok {
		call = &ToolCall{}
		s.pending[idx] = call
		s.pendingOrder = append(s.pendingOrder, idx)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (s *openAIStream) flush() []ToolCall {
	if s.flushed || len(s.pending) == 0 {
		return nil
	}
	s.flushed = true
	calls := make([]ToolCall, 0, len(s.pendingOrder))
	for _, idx := range s.pendingOrder {
		calls = append(calls, *s.pending[idx])
	}
	s.pending = nil
	s.pendingOrder = nil
	return calls
}

func (s *openAIStream) Close() error {
	return s.inner.Close()
}
