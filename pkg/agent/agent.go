// Package agent defines the declarative agent catalog: who can speak,
// what tools they may call, and who they may hand a caller to. Specs are
// built once at startup and never mutated afterwards.
package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// HandoffToolName is reserved. The orchestrator synthesizes it for every
// agent with escalation targets; user tools may not claim it.
const HandoffToolName = "handoff_to"

// ExecuteFunc runs a tool. args is the raw JSON arguments object from the
// model; sctx is the session's accumulated context slots. Writes to sctx
// are persisted with the turn, which is how a tool records durable facts
// like "auth.verified".
type ExecuteFunc func(ctx context.Context, args json.RawMessage, sctx map[string]string) (string, error)

// Tool is an executable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	// InputSchema is a JSON-schema fragment describing the arguments.
	InputSchema map[string]any
	// Idempotent tools may be retried after a timeout; others may not.
	Idempotent bool
	Execute    ExecuteFunc
}

// Def is the YAML shape of one agent.
type Def struct {
	Key           string   `yaml:"key"`
	DisplayName   string   `yaml:"display_name"`
	SystemPrompt  string   `yaml:"system_prompt"`
	Tools         []string `yaml:"tools,omitempty"`
	CanEscalateTo []string `yaml:"can_escalate_to,omitempty"`
	VoiceProfile  string   `yaml:"voice_profile,omitempty"`
	// Keywords make the agent sticky: a user turn containing one keeps
	// the conversation with this agent without consulting the classifier.
	Keywords []string `yaml:"keywords,omitempty"`
	// GateSlot, when set, makes this agent claim every turn until the
	// named context slot has a value. Used for auth-before-service flows.
	GateSlot string `yaml:"gate_slot,omitempty"`
}

// Spec is a fully resolved agent: the Def with tool names replaced by
// their executable descriptors.
type Spec struct {
	Key           string
	DisplayName   string
	SystemPrompt  string
	Tools         []Tool
	CanEscalateTo []string
	VoiceProfile  string
	Keywords      []string
	GateSlot      string
}

// CanHandle reports whether the user text matches one of the agent's
// keywords, keeping the conversation sticky without a classifier call.
func (s *Spec) CanHandle(userText string) bool {
	lower := strings.ToLower(userText)
	for _, kw := range s.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// CanEscalate reports whether target is a permitted handoff destination.
func (s *Spec) CanEscalate(target string) bool {
	for _, t := range s.CanEscalateTo {
		if t == target {
			return true
		}
	}
	return false
}

// ToolByName looks up one of the agent's tools.
func (s *Spec) ToolByName(name string) (Tool, bool) {
	for _, t := range s.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
