package llm

import (
	"context"
	"sync"
)

// ScriptedChat is a ChatStreamer for tests. Each call to StreamChat pops
// the next scripted reply; when the script runs out the last reply
// repeats.
type ScriptedChat struct {
	mu       sync.Mutex
	script   []ScriptedReply
	requests []ChatRequest
}

// ScriptedReply is one canned model response.
type ScriptedReply struct {
	Tokens    []string
	ToolCalls []ToolCallRequest
	Err       error
}

func NewScriptedChat(replies ...ScriptedReply) *ScriptedChat {
	return &ScriptedChat{script: replies}
}

// Requests returns a copy of every request seen so far.
func (s *ScriptedChat) Requests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *ScriptedChat) StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var reply ScriptedReply
	if len(s.script) > 0 {
		reply = s.script[0]
		if len(s.script) > 1 {
			s.script = s.script[1:]
		}
	}
	s.mu.Unlock()

	out := make(chan ChatEvent, len(reply.Tokens)+len(reply.ToolCalls)+1)
	go func() {
		defer close(out)
		emit := func(ev ChatEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, tok := range reply.Tokens {
			if !emit(ChatEvent{Type: EventToken, Token: tok}) {
				return
			}
		}
		for _, tc := range reply.ToolCalls {
			if !emit(ChatEvent{Type: EventToolCall, ToolCall: tc}) {
				return
			}
		}
		if reply.Err != nil {
			emit(ChatEvent{Type: EventError, Err: reply.Err})
			return
		}
		emit(ChatEvent{Type: EventDone})
	}()
	return out, nil
}
