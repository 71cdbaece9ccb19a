package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseServer streams canned chat-completion chunks.
func sseServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func collect(t *testing.T, events <-chan ChatEvent) []ChatEvent {
	t.Helper()
	var out []ChatEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestOpenAIChat_StreamsTokens(t *testing.T) {
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":", world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	defer ts.Close()

	p, err := NewOpenAIChat("test-key", ts.URL+"/v1", "")
	require.NoError(t, err)

	events, err := p.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventToken, got[0].Type)
	assert.Equal(t, "Hello", got[0].Token)
	assert.Equal(t, ", world", got[1].Token)
	assert.Equal(t, EventDone, got[2].Type)
}

func TestOpenAIChat_AssemblesToolCallDeltas(t *testing.T) {
	// Arguments arrive split across chunks and must be reassembled into
	// one tool call before Done.
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup_order","arguments":"{\"id\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"42\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	defer ts.Close()

	p, err := NewOpenAIChat("test-key", ts.URL+"/v1", "")
	require.NoError(t, err)

	events, err := p.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "where is order 42"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventToolCall, got[0].Type)
	assert.Equal(t, "call_1", got[0].ToolCall.ID)
	assert.Equal(t, "lookup_order", got[0].ToolCall.Name)
	assert.JSONEq(t, `{"id":"42"}`, string(got[0].ToolCall.Args))
	assert.Equal(t, EventDone, got[1].Type)
}

func TestNewOpenAIChat_RequiresKey(t *testing.T) {
	_, err := NewOpenAIChat("", "", "")
	assert.Error(t, err)
}

func TestScriptedChat(t *testing.T) {
	s := NewScriptedChat(
		ScriptedReply{Tokens: []string{"a", "b"}},
		ScriptedReply{ToolCalls: []ToolCallRequest{{ID: "1", Name: "t"}}},
	)

	events, err := s.StreamChat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)
	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Token)
	assert.Equal(t, EventDone, got[2].Type)

	events, err = s.StreamChat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	got = collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventToolCall, got[0].Type)

	assert.Len(t, s.Requests(), 2)
	assert.Equal(t, "m", s.Requests()[0].Model)
}
