// Package transport adapts websocket ingress dialects to one neutral
// connection surface. The conductor speaks Inbound/Outbound; the browser
// and telephony adapters handle framing, limits, and pacing.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// Connection limits shared by both dialects.
const (
	// InactivityTimeout closes a connection that sends nothing.
	InactivityTimeout = 30 * time.Second

	// MaxMessageBytes caps one inbound websocket message.
	MaxMessageBytes = 16 * 1024

	// ReadBacklog is how many undecoded inbound messages may queue
	// before the oldest are dropped.
	ReadBacklog = 256

	// OutboundHighWater is how many outbound frames may queue before
	// sends block, pausing upstream synthesis reads.
	OutboundHighWater = 64

	// PaceInterval is the outbound audio cadence.
	PaceInterval = 20 * time.Millisecond
)

// ErrClosed is returned once a connection is finished.
var ErrClosed = errors.New("transport: connection closed")

// InboundKind classifies caller-to-server messages.
type InboundKind int

const (
	// InboundAudio carries caller PCM.
	InboundAudio InboundKind = iota
	// InboundText is a typed message standing in for speech.
	InboundText
	// InboundInterrupt is an explicit barge-in.
	InboundInterrupt
	// InboundReset discards the in-flight utterance.
	InboundReset
	// InboundHangup ends the call.
	InboundHangup
)

// Inbound is one decoded caller message.
type Inbound struct {
	Kind  InboundKind
	Frame audio.Frame
	Text  string
}

// OutboundKind classifies server-to-caller messages.
type OutboundKind int

const (
	// OutboundAudio carries one synthesized frame, paced at 20 ms.
	OutboundAudio OutboundKind = iota
	// OutboundTranscript echoes recognized caller speech.
	OutboundTranscript
	// OutboundState announces a session state change.
	OutboundState
	// OutboundAgentText carries agent reply text.
	OutboundAgentText
	// OutboundError reports a terminal error before close.
	OutboundError
	// OutboundStop tells the far end to discard buffered audio.
	OutboundStop
)

// Outbound is one server message before dialect encoding.
type Outbound struct {
	Kind    OutboundKind
	Frame   audio.Frame
	Text    string
	Role    string
	Final   bool
	State   session.State
	Agent   string
	Code    string
	Message string
}

// Conn is one live caller connection.
type Conn interface {
	// Receive blocks for the next inbound message. It returns ErrClosed
	// after the peer goes away or Close is called; 30 s of silence
	// counts as the peer going away.
	Receive(ctx context.Context) (Inbound, error)

	// Send encodes and writes one message. Audio sends are paced to the
	// frame cadence and block at the high-water mark.
	Send(ctx context.Context, msg Outbound) error

	// Close performs the websocket close handshake with the given
	// status code. Idempotent.
	Close(code int) error

	// Kind reports which ingress dialect this connection speaks.
	Kind() session.TransportKind
}
