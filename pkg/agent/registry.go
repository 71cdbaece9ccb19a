package agent

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// GreeterKey must exist in every registry; it opens each call and absorbs
// unclassifiable requests.
const GreeterKey = "greeter"

var (
	// ErrAgentNotFound is returned when no spec exists for a key.
	ErrAgentNotFound = errors.New("agent: not found")

	// ErrToolNotFound is returned when a def names an unregistered tool.
	ErrToolNotFound = errors.New("agent: tool not found")
)

// Registry holds the resolved agent specs plus the tool table defs are
// resolved against. Tools are registered in code before Build; defs come
// from YAML.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	agents map[string]*Spec
	// order preserves catalog order so Match and Gatekeeper are
	// deterministic.
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		agents: make(map[string]*Spec),
	}
}

// RegisterTool adds an executable tool to the resolution table.
func (r *Registry) RegisterTool(t Tool) error {
	if t.Name == "" {
		return errors.New("agent: tool name is required")
	}
	if t.Name == HandoffToolName {
		return fmt.Errorf("agent: tool name %q is reserved", HandoffToolName)
	}
	if t.Execute == nil {
		return fmt.Errorf("agent: tool %q has no execute function", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("agent: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Build resolves defs into specs, replacing the catalog. It fails if a
// def names an unknown tool, duplicates a key, escalates to an undefined
// agent, or the catalog lacks a greeter.
func (r *Registry) Build(defs []Def) error {
	keys := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Key == "" {
			return errors.New("agent: def without key")
		}
		if keys[d.Key] {
			return fmt.Errorf("agent: duplicate key %q", d.Key)
		}
		keys[d.Key] = true
	}
	if !keys[GreeterKey] {
		return fmt.Errorf("agent: catalog must define %q", GreeterKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agents := make(map[string]*Spec, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		spec := &Spec{
			Key:           d.Key,
			DisplayName:   d.DisplayName,
			SystemPrompt:  d.SystemPrompt,
			CanEscalateTo: append([]string(nil), d.CanEscalateTo...),
			VoiceProfile:  d.VoiceProfile,
			Keywords:      append([]string(nil), d.Keywords...),
			GateSlot:      d.GateSlot,
		}
		for _, name := range d.Tools {
			tool, ok := r.tools[name]
			if !ok {
				return fmt.Errorf("agent %q: %w: %s", d.Key, ErrToolNotFound, name)
			}
			spec.Tools = append(spec.Tools, tool)
		}
		for _, target := range d.CanEscalateTo {
			if !keys[target] {
				return fmt.Errorf("agent %q escalates to undefined agent %q", d.Key, target)
			}
			if target == d.Key {
				return fmt.Errorf("agent %q escalates to itself", d.Key)
			}
		}
		agents[d.Key] = spec
		order = append(order, d.Key)
	}
	r.agents = agents
	r.order = order
	return nil
}

// Get returns the spec for key.
func (r *Registry) Get(key string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.agents[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	return spec, nil
}

// Greeter returns the required default agent.
func (r *Registry) Greeter() *Spec {
	spec, _ := r.Get(GreeterKey)
	return spec
}

// Keys lists the registered agent keys in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for k := range r.agents {
		out = append(out, k)
	}
	return out
}

// Match returns the first spec, in catalog order, whose keywords cover
// the user text.
func (r *Registry) Match(userText string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.order {
		if spec := r.agents[key]; spec.CanHandle(userText) {
			return spec, true
		}
	}
	return nil, false
}

// Gatekeeper returns the first agent whose gate slot is still unset in
// the session context. A gated agent claims every turn until its slot is
// filled, so an auth agent can hold the conversation until verification.
func (r *Registry) Gatekeeper(sctx map[string]string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range r.order {
		spec := r.agents[key]
		if spec.GateSlot != "" && sctx[spec.GateSlot] == "" {
			return spec, true
		}
	}
	return nil, false
}

// LoadDefs reads agent defs from a YAML file of the form:
//
//	agents:
//	  - key: greeter
//	    system_prompt: ...
func LoadDefs(path string) ([]Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var doc struct {
		Agents []Def `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	return doc.Agents, nil
}
