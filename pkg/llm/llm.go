// Package llm streams chat completions from hosted model providers. One
// request produces an ordered event stream: zero or more tokens, then
// either tool-call requests or a final Done.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles, matching the chat-completions convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat transcript.
type Message struct {
	Role    string
	Content string

	// ToolCallID links a RoleTool result back to the call it answers.
	ToolCallID string

	// ToolCalls echoes an assistant message's tool requests back into
	// the transcript on the next iteration.
	ToolCalls []ToolCallRequest
}

// ToolDef advertises a callable function to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCallRequest is the model asking for one tool execution.
type ToolCallRequest struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	Temperature float32
	MaxTokens   int
}

// EventType tags entries on a chat stream.
type EventType int

const (
	// EventToken carries one text delta.
	EventToken EventType = iota
	// EventToolCall carries one fully assembled tool request.
	EventToolCall
	// EventDone terminates a successful stream.
	EventDone
	// EventError terminates a failed stream.
	EventError
)

// ChatEvent is one entry on the stream returned by StreamChat. After a
// Done or Error event the channel is closed.
type ChatEvent struct {
	Type     EventType
	Token    string
	ToolCall ToolCallRequest
	Err      error
}

// ChatStreamer is a streaming chat completion provider. The returned
// channel is closed after the terminal event; cancelling ctx abandons the
// stream and closes the channel without further events.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
}
