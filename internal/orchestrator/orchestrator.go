// Package orchestrator runs one conversational turn: it picks the agent,
// streams the model reply, executes tool calls, and follows at most one
// handoff. Output is an ordered event stream the turn router forwards to
// synthesis.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/pkg/agent"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
	"github.com/voxbridge-dev/voxbridge/pkg/llm"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// Defaults for turn execution limits.
const (
	DefaultHistoryWindow     = 8
	DefaultMaxToolIterations = 5
	DefaultToolTimeout       = 10 * time.Second
	DefaultFallbackPhrase    = "I'm sorry, I didn't catch that. Could you say it again?"
)

// EventType tags turn events.
type EventType int

const (
	// EventTextChunk is a speakable piece of the reply, flushed at
	// sentence boundaries so synthesis can start early.
	EventTextChunk EventType = iota
	// EventToolInvoked marks the start of one tool execution.
	EventToolInvoked
	// EventToolResult carries the outcome of one tool execution.
	EventToolResult
	// EventHandoff announces the active agent changing mid-turn.
	EventHandoff
	// EventDone terminates the turn with the full reply text.
	EventDone
)

// Event is one entry on a turn stream. After Done the channel closes;
// a cancelled context closes the channel with no Done.
type Event struct {
	Type  EventType
	Text  string
	Tool  string
	Args  json.RawMessage
	OK    bool
	Took  time.Duration
	Agent string
	// Final is set on Done: the full reply text.
	Final string
	// ToolCalls on Done records executions for the session history.
	ToolCalls []session.ToolCall
	// Err is set on Done when the turn aborted upstream; the reply is
	// the fallback phrase, not a real answer.
	Err error
}

// Config tunes turn execution.
type Config struct {
	Model             string
	HistoryWindow     int
	MaxToolIterations int
	ToolTimeout       time.Duration
	FallbackPhrase    string
}

func (c *Config) fill() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = DefaultMaxToolIterations
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.FallbackPhrase == "" {
		c.FallbackPhrase = DefaultFallbackPhrase
	}
}

// Orchestrator executes turns against a chat provider and the agent
// catalog.
type Orchestrator struct {
	registry *agent.Registry
	chat     llm.ChatStreamer
	cfg      Config
	logger   *slog.Logger
}

func New(registry *agent.Registry, chat llm.ChatStreamer, cfg Config) *Orchestrator {
	cfg.fill()
	return &Orchestrator{
		registry: registry,
		chat:     chat,
		cfg:      cfg,
		logger:   log.With("component", "orchestrator"),
	}
}

// RunTurn executes one turn for the record's session. The caller owns
// rec and must not mutate it while the stream is live.
func (o *Orchestrator) RunTurn(ctx context.Context, rec *session.Record, userText string) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		o.runTurn(ctx, rec, userText, out)
	}()
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, rec *session.Record, userText string, out chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	spec := o.selectAgent(ctx, rec, userText)
	msgs := o.buildTranscript(spec, rec, userText)

	var (
		flusher   sentenceFlusher
		fullText  string
		toolCalls []session.ToolCall
		handoffs  int
	)

	for iter := 0; iter < o.cfg.MaxToolIterations; iter++ {
		events, err := o.chat.StreamChat(ctx, llm.ChatRequest{
			Model:    o.cfg.Model,
			Messages: msgs,
			Tools:    chatTools(spec),
		})
		if err != nil {
			o.logger.Error("chat stream failed", "session_id", rec.SessionID, "error", err)
			o.finish(emit, spec, fullText, toolCalls, &flusher, fault.New(fault.KindUpstream, "orchestrator.chat", err))
			return
		}

		var (
			iterText  string
			requests  []llm.ToolCallRequest
			streamErr error
		)
		for ev := range events {
			switch ev.Type {
			case llm.EventToken:
				iterText += ev.Token
				for _, s := range flusher.push(ev.Token) {
					if !emit(Event{Type: EventTextChunk, Text: s, Agent: spec.Key}) {
						return
					}
				}
			case llm.EventToolCall:
				requests = append(requests, ev.ToolCall)
			case llm.EventError:
				o.logger.Warn("chat stream error mid-turn", "session_id", rec.SessionID, "error", ev.Err)
				streamErr = fault.New(fault.KindUpstream, "orchestrator.chat", ev.Err)
			case llm.EventDone:
			}
		}
		if ctx.Err() != nil {
			return
		}
		fullText += iterText

		if streamErr != nil || len(requests) == 0 {
			o.finish(emit, spec, fullText, toolCalls, &flusher, streamErr)
			return
		}

		// The assistant message carrying the calls must precede the
		// tool results in the transcript.
		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   iterText,
			ToolCalls: requests,
		})

		for _, req := range requests {
			if req.Name == agent.HandoffToolName {
				next, ok := o.applyHandoff(spec, req, &handoffs)
				if !ok {
					msgs = append(msgs, toolResultMessage(req, "handoff refused"))
					continue
				}
				if !emit(Event{Type: EventHandoff, Agent: next.Key}) {
					return
				}
				spec = next
				msgs = o.buildTranscript(spec, rec, userText)
				msgs = append(msgs, llm.Message{
					Role:    llm.RoleUser,
					Content: fmt.Sprintf("(continuing after handoff) %s", userText),
				})
				continue
			}

			if !emit(Event{Type: EventToolInvoked, Tool: req.Name, Args: req.Args, Agent: spec.Key}) {
				return
			}
			result, call := o.execTool(ctx, spec, req, rec.Context)
			toolCalls = append(toolCalls, call)
			if !emit(Event{Type: EventToolResult, Tool: req.Name, Text: result, OK: call.OK, Took: time.Duration(call.DurationMS) * time.Millisecond, Agent: spec.Key}) {
				return
			}
			msgs = append(msgs, toolResultMessage(req, result))
		}
	}

	o.logger.Warn("tool iteration budget exhausted", "session_id", rec.SessionID, "agent", spec.Key)
	o.finish(emit, spec, fullText, toolCalls, &flusher, nil)
}

// finish drains the flusher, applies the fallback phrase for an empty or
// aborted reply, and emits Done. A non-nil turnErr rides the Done event
// so the turn is recorded as failed even though the fallback was spoken.
func (o *Orchestrator) finish(emit func(Event) bool, spec *agent.Spec, fullText string, toolCalls []session.ToolCall, fl *sentenceFlusher, turnErr error) {
	if tail := fl.flush(); tail != "" {
		if !emit(Event{Type: EventTextChunk, Text: tail, Agent: spec.Key}) {
			return
		}
	}
	if turnErr != nil || fullText == "" {
		fullText = o.cfg.FallbackPhrase
		if !emit(Event{Type: EventTextChunk, Text: fullText, Agent: spec.Key}) {
			return
		}
	}
	emit(Event{Type: EventDone, Agent: spec.Key, Final: fullText, ToolCalls: toolCalls, Err: turnErr})
}

// applyHandoff validates a handoff request against the catalog and the
// one-per-turn budget.
func (o *Orchestrator) applyHandoff(from *agent.Spec, req llm.ToolCallRequest, handoffs *int) (*agent.Spec, bool) {
	if *handoffs >= 1 {
		o.logger.Warn("second handoff in one turn refused", "from", from.Key)
		return nil, false
	}
	var args struct {
		Target string `json:"target"`
	}
	if err := json.Unmarshal(req.Args, &args); err != nil || args.Target == "" {
		return nil, false
	}
	if !from.CanEscalate(args.Target) {
		o.logger.Warn("handoff to unpermitted target refused", "from", from.Key, "target", args.Target)
		return nil, false
	}
	next, err := o.registry.Get(args.Target)
	if err != nil {
		return nil, false
	}
	*handoffs++
	return next, true
}

func (o *Orchestrator) execTool(ctx context.Context, spec *agent.Spec, req llm.ToolCallRequest, sctx map[string]string) (string, session.ToolCall) {
	call := session.ToolCall{Name: req.Name, Args: req.Args}
	tool, ok := spec.ToolByName(req.Name)
	if !ok {
		return "unknown tool", call
	}

	started := time.Now()
	tctx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	result, err := tool.Execute(tctx, req.Args, sctx)
	call.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		kind := fault.KindOf(err)
		o.logger.Warn("tool failed", "tool", req.Name, "kind", kind, "error", err)
		return fmt.Sprintf("tool error: %v", err), call
	}
	call.OK = true
	return result, call
}

// buildTranscript assembles system prompt, context slots, and the last N
// turns of history ahead of the user message.
func (o *Orchestrator) buildTranscript(spec *agent.Spec, rec *session.Record, userText string) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: spec.SystemPrompt}}

	if len(rec.Context) > 0 {
		slots, _ := json.Marshal(rec.Context)
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Known caller context: " + string(slots),
		})
	}

	history := rec.History
	if len(history) > o.cfg.HistoryWindow {
		history = history[len(history)-o.cfg.HistoryWindow:]
	}
	for _, turn := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: turn.UserText},
			llm.Message{Role: llm.RoleAssistant, Content: turn.ResponseText()},
		)
	}

	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userText})
}

// chatTools exposes the agent's tools plus the synthetic handoff tool
// when the agent may escalate.
func chatTools(spec *agent.Spec) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(spec.Tools)+1)
	for _, t := range spec.Tools {
		params, _ := json.Marshal(t.InputSchema)
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	if len(spec.CanEscalateTo) > 0 {
		targets, _ := json.Marshal(spec.CanEscalateTo)
		defs = append(defs, llm.ToolDef{
			Name:        agent.HandoffToolName,
			Description: "Transfer the conversation to another agent. Permitted targets: " + string(targets),
			Parameters:  json.RawMessage(`{"type":"object","properties":{"target":{"type":"string"}},"required":["target"]}`),
		})
	}
	return defs
}

func toolResultMessage(req llm.ToolCallRequest, result string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    result,
		ToolCallID: req.ID,
	}
}
