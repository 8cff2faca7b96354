// Package provider defines the streaming chat contract the dispatcher
// consumes, plus the OpenAI-compatible implementation used in production.
package provider

import (
	"context"
	"encoding/json"
)

// Role is a chat turn role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of conversation context.
type ChatMessage struct {
	Role    Role
	Content string
}

// ToolDefinition describes one callable tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a structured action request emitted by the model. Arguments
// is a complete JSON document by the time the call is surfaced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Delta is one increment of a streamed response.
type Delta struct {
	Content   string
	ToolCalls []ToolCall
	OptedOut  bool
}

// StreamRequest is the input to one streaming chat call.
type StreamRequest struct {
	Model     string
	Messages  []ChatMessage
	Tools     []ToolDefinition
	MaxTokens int
}

// Stream yields deltas until io.EOF. Close releases the underlying
// connection and is safe to call more than once.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// ChatProvider opens streaming chat calls. Errors are surfaced as stream
// errors, never as synthetic deltas.
type ChatProvider interface {
	StreamChat(ctx context.Context, req StreamRequest) (Stream, error)
}
