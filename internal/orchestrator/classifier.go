package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/voxbridge-dev/voxbridge/pkg/agent"
	"github.com/voxbridge-dev/voxbridge/pkg/llm"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

const classifierTimeout = 3 * time.Second

// selectAgent resolves which agent answers this turn. The active agent
// stays sticky: it keeps the turn when its keywords match, and also when
// nothing else claims it. The classifier only runs for sessions with no
// active agent and no keyword match; its unknowns land on the greeter.
func (o *Orchestrator) selectAgent(ctx context.Context, rec *session.Record, userText string) *agent.Spec {
	// An unsatisfied gate overrides everything: the gated agent holds
	// the conversation until its slot is filled.
	if spec, ok := o.registry.Gatekeeper(rec.Context); ok {
		return spec
	}

	var active *agent.Spec
	if rec.ActiveAgent != "" {
		active, _ = o.registry.Get(rec.ActiveAgent)
	}
	if active != nil && active.CanHandle(userText) {
		return active
	}
	if spec, ok := o.registry.Match(userText); ok {
		return spec
	}
	if active != nil {
		return active
	}
	if key := o.classifyIntent(ctx, userText); key != "" {
		if spec, err := o.registry.Get(key); err == nil {
			return spec
		}
	}
	return o.registry.Greeter()
}

// classifyIntent asks the model to pick one agent key. Anything outside
// the catalog, or a slow answer, counts as unclassified.
func (o *Orchestrator) classifyIntent(ctx context.Context, userText string) string {
	keys := o.registry.Keys()
	if len(keys) <= 1 {
		return ""
	}

	cctx, cancel := context.WithTimeout(ctx, classifierTimeout)
	defer cancel()

	prompt := "Classify which agent should handle the caller's request. " +
		"Answer with exactly one key from: " + strings.Join(keys, ", ") +
		". Answer with the key only."

	events, err := o.chat.StreamChat(cctx, llm.ChatRequest{
		Model: o.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: userText},
		},
		MaxTokens: 16,
	})
	if err != nil {
		o.logger.Warn("intent classification failed", "error", err)
		return ""
	}

	var answer string
	for ev := range events {
		if ev.Type == llm.EventToken {
			answer += ev.Token
		}
	}

	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, k := range keys {
		if answer == strings.ToLower(k) {
			return k
		}
	}
	return ""
}
