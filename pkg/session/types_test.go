package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateGreeting, StateListening, true},
		{StateGreeting, StateSpeaking, false},
		{StateListening, StateThinking, true},
		{StateListening, StateListening, true},
		{StateThinking, StateSpeaking, true},
		{StateThinking, StateListening, true},
		{StateSpeaking, StateListening, true},
		{StateSpeaking, StateThinking, false},
		{StateGreeting, StateEnded, true},
		{StateListening, StateEnded, true},
		{StateThinking, StateEnded, true},
		{StateSpeaking, StateEnded, true},
		{StateEnded, StateListening, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestRecordTransition(t *testing.T) {
	rec := NewRecord("s", TransportBrowser, "w", 16000)
	require.NoError(t, rec.Transition(StateListening))
	assert.Equal(t, StateListening, rec.State)

	err := rec.Transition(StateGreeting)
	require.Error(t, err)
	assert.Equal(t, StateListening, rec.State, "failed transition must not change state")
}

func TestCloneIsDeep(t *testing.T) {
	rec := NewRecord("s", TransportBrowser, "w", 16000)
	rec.Context["k"] = "v"
	rec.History = []Turn{{Index: 0, UserText: "hi", Reason: ReasonCompleted}}

	cp := rec.Clone()
	cp.Context["k"] = "changed"
	cp.History[0].UserText = "changed"

	assert.Equal(t, "v", rec.Context["k"])
	assert.Equal(t, "hi", rec.History[0].UserText)
}

func TestAppendTurn(t *testing.T) {
	rec := NewRecord("s", TransportBrowser, "w", 16000)

	err := rec.AppendTurn(Turn{Index: 0}, 10)
	assert.Error(t, err, "turn without terminal reason must be rejected")

	for i := 0; i < 5; i++ {
		require.NoError(t, rec.AppendTurn(Turn{Index: i, Reason: ReasonCompleted}, 3))
	}
	assert.Len(t, rec.History, 3)
	assert.Equal(t, 2, rec.History[0].Index, "window keeps the newest turns")
	assert.Equal(t, 5, rec.TurnIndex)
}

func TestTurnResponseText(t *testing.T) {
	turn := Turn{ResponseChunks: []string{"Hello, ", "world."}}
	assert.Equal(t, "Hello, world.", turn.ResponseText())
}
