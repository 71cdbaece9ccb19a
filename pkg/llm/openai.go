package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIChat streams chat completions from the OpenAI API (or any
// compatible endpoint via BaseURL).
type OpenAIChat struct {
	client *openai.Client
	model  string
}

// NewOpenAIChat builds a provider. baseURL may be empty for the public
// API; model may be empty for the default.
func NewOpenAIChat(apiKey, baseURL, model string) (*OpenAIChat, error) {
	if apiKey == "" {
		return nil, fault.Newf(fault.KindConfig, "llm.openai", "api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIChat{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// StreamChat opens the completion stream and pumps events until the
// provider finishes or ctx is cancelled.
func (p *OpenAIChat) StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	oReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	for _, t := range req.Tools {
		oReq.Tools = append(oReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, oReq)
	if err != nil {
		return nil, fault.New(fault.KindUpstream, "llm.openai.stream", err)
	}

	out := make(chan ChatEvent, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		pump(ctx, out, stream)
	}()
	return out, nil
}

// pump translates stream deltas into events, assembling tool-call
// fragments by index until the stream ends.
func pump(ctx context.Context, out chan<- ChatEvent, stream *openai.ChatCompletionStream) {
	type callBuilder struct {
		id   string
		name string
		args []byte
	}
	calls := make(map[int]*callBuilder)

	emit := func(ev ChatEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushCalls := func() bool {
		idx := make([]int, 0, len(calls))
		for i := range calls {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			b := calls[i]
			args := b.args
			if len(args) == 0 {
				args = []byte("{}")
			}
			ok := emit(ChatEvent{Type: EventToolCall, ToolCall: ToolCallRequest{
				ID:   b.id,
				Name: b.name,
				Args: json.RawMessage(args),
			}})
			if !ok {
				return false
			}
		}
		return true
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if flushCalls() {
				emit(ChatEvent{Type: EventDone})
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			emit(ChatEvent{Type: EventError, Err: fault.New(fault.KindUpstream, "llm.openai.recv", err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !emit(ChatEvent{Type: EventToken, Token: choice.Delta.Content}) {
				return
			}
		}
		for i, tc := range choice.Delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			b := calls[idx]
			if b == nil {
				b = &callBuilder{}
				calls[idx] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args = append(b.args, tc.Function.Arguments...)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if flushCalls() {
				emit(ChatEvent{Type: EventDone})
			}
			return
		}
		if choice.FinishReason == openai.FinishReasonStop {
			if flushCalls() {
				emit(ChatEvent{Type: EventDone})
			}
			return
		}
	}
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}
