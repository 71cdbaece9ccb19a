package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// State is the conversation lifecycle state of a session.
type State string

const (
	StateGreeting  State = "Greeting"
	StateListening State = "Listening"
	StateThinking  State = "Thinking"
	StateSpeaking  State = "Speaking"
	StateEnded     State = "Ended"
)

// allowedTransitions is the session state machine. Ended is reachable from
// every state (transport close or hang-up).
var allowedTransitions = map[State][]State{
	StateGreeting:  {StateListening, StateEnded},
	StateListening: {StateListening, StateThinking, StateEnded},
	StateThinking:  {StateSpeaking, StateListening, StateEnded},
	StateSpeaking:  {StateListening, StateEnded},
	StateEnded:     {},
}

// CanTransition reports whether the state machine permits moving to next.
func (s State) CanTransition(next State) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TransportKind identifies the ingress a session arrived through.
type TransportKind string

const (
	TransportBrowser           TransportKind = "browser"
	TransportTelephonyMedia    TransportKind = "telephony_media"
	TransportTelephonyRealtime TransportKind = "telephony_realtime"
)

// TerminalReason records how a turn ended.
type TerminalReason string

const (
	ReasonCompleted TerminalReason = "completed"
	ReasonBargedIn  TerminalReason = "barged_in"
	ReasonError     TerminalReason = "error"
	ReasonTimeout   TerminalReason = "timeout"
)

// ToolCall records one tool execution inside a turn.
type ToolCall struct {
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	OK         bool            `json:"ok"`
	DurationMS int64           `json:"duration_ms"`
}

// Turn is one user utterance and the agent's response to it. A turn is
// mutated exclusively by the goroutine serving it until Reason is set,
// then frozen and appended to history.
type Turn struct {
	Index          int            `json:"index"`
	UserText       string         `json:"user_text"`
	ResponseChunks []string       `json:"response_chunks,omitempty"`
	ToolCalls      []ToolCall     `json:"tool_calls,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at,omitempty"`
	Reason         TerminalReason `json:"reason,omitempty"`
}

// ResponseText joins the streamed response chunks.
func (t Turn) ResponseText() string {
	var out string
	for _, c := range t.ResponseChunks {
		out += c
	}
	return out
}

// Record is the authoritative per-call entity held in the shared store.
type Record struct {
	SessionID      string            `json:"session_id"`
	TransportKind  TransportKind     `json:"transport_kind"`
	Participant    string            `json:"participant,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	State          State             `json:"state"`
	ActiveAgent    string            `json:"active_agent,omitempty"`
	TurnIndex      int               `json:"turn_index"`
	History        []Turn            `json:"history,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	CancelEpoch    int64             `json:"cancel_epoch"`
	SampleRate     int               `json:"sample_rate"`

	// OwnerID is the worker that may write non-epoch fields.
	OwnerID string `json:"owner_id"`

	// Version is the optimistic-concurrency token, bumped by the store
	// on every committed Mutate.
	Version int64 `json:"version"`
}

// NewRecord creates a record in Greeting state owned by the given worker.
func NewRecord(sessionID string, kind TransportKind, ownerID string, sampleRate int) *Record {
	now := time.Now().UTC()
	return &Record{
		SessionID:      sessionID,
		TransportKind:  kind,
		CreatedAt:      now,
		LastActivityAt: now,
		State:          StateGreeting,
		Context:        make(map[string]string),
		SampleRate:     sampleRate,
		OwnerID:        ownerID,
	}
}

// Clone returns a deep copy. Mutate runs callbacks on a clone so a failed
// commit never leaves a half-written record behind.
func (r *Record) Clone() *Record {
	cp := *r
	cp.History = make([]Turn, len(r.History))
	copy(cp.History, r.History)
	cp.Context = make(map[string]string, len(r.Context))
	for k, v := range r.Context {
		cp.Context[k] = v
	}
	return &cp
}

// Transition moves the record to next, or reports an invariant violation.
func (r *Record) Transition(next State) error {
	if !r.State.CanTransition(next) {
		return fault.Newf(fault.KindInternal, "session.transition",
			"disallowed transition %s -> %s (session %s)", r.State, next, r.SessionID)
	}
	r.State = next
	r.LastActivityAt = time.Now().UTC()
	return nil
}

// AppendTurn freezes a finished turn into history, truncating to the
// configured window. History is append-only; entries are never mutated.
func (r *Record) AppendTurn(t Turn, window int) error {
	if t.Reason == "" {
		return fault.Newf(fault.KindInternal, "session.append", "turn %d has no terminal reason", t.Index)
	}
	r.History = append(r.History, t)
	if window > 0 && len(r.History) > window {
		r.History = r.History[len(r.History)-window:]
	}
	r.TurnIndex = t.Index + 1
	r.LastActivityAt = time.Now().UTC()
	return nil
}

// EventType classifies a cross-worker notification.
type EventType string

const (
	EventEpochBumped  EventType = "epoch_bumped"
	EventStateChanged EventType = "state_changed"
)

// Event is a best-effort notification published to session subscribers.
type Event struct {
	SessionID   string    `json:"session_id"`
	Type        EventType `json:"type"`
	CancelEpoch int64     `json:"cancel_epoch,omitempty"`
	State       State     `json:"state,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s epoch=%d state=%s)", e.Type, e.SessionID, e.CancelEpoch, e.State)
}
