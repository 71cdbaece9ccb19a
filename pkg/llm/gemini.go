package llm

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiChat streams chat completions from the Gemini API through the
// Gen AI SDK. Gemini delivers function calls whole rather than as
// argument deltas, so no assembly is needed.
type GeminiChat struct {
	client *genai.Client
	model  string
}

// NewGeminiChat builds a provider backed by the Gemini API key backend.
func NewGeminiChat(ctx context.Context, apiKey, model string) (*GeminiChat, error) {
	if apiKey == "" {
		return nil, fault.Newf(fault.KindConfig, "llm.gemini", "api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fault.New(fault.KindUpstream, "llm.gemini", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiChat{client: client, model: model}, nil
}

func (p *GeminiChat) StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	config := &genai.GenerateContentConfig{}
	config.Temperature = genai.Ptr(req.Temperature)
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents, system := toGeminiContents(req.Messages)
	if system != nil {
		config.SystemInstruction = system
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}

	out := make(chan ChatEvent, 16)
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

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(ChatEvent{Type: EventError, Err: fault.New(fault.KindUpstream, "llm.gemini.recv", err)})
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					if !emit(ChatEvent{Type: EventToken, Token: part.Text}) {
						return
					}
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					ev := ChatEvent{Type: EventToolCall, ToolCall: ToolCallRequest{
						ID:   part.FunctionCall.Name,
						Name: part.FunctionCall.Name,
						Args: args,
					}}
					if !emit(ev) {
						return
					}
				}
			}
		}
		emit(ChatEvent{Type: EventDone})
	}()
	return out, nil
}

func toGeminiContents(msgs []Message) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case RoleTool:
			var resp map[string]any
			if err := json.Unmarshal([]byte(m.Content), &resp); err != nil {
				resp = map[string]any{"output": m.Content}
			}
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     m.ToolCallID,
						Response: resp,
					},
				}},
			})
		case RoleAssistant:
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Args, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}
	return contents, system
}

func toGeminiTools(tools []ToolDef) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
