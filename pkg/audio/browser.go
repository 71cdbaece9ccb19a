package audio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// Browser message types, client to server.
const (
	BrowserTypeAudio     = "audio"
	BrowserTypeText      = "text"
	BrowserTypeInterrupt = "interrupt"
	BrowserTypeReset     = "reset"
	BrowserTypeHangup    = "hangup"
)

// Browser message types, server to client.
const (
	BrowserTypeTranscript = "transcript"
	BrowserTypeState      = "state"
	BrowserTypeAgent      = "agent"
	BrowserTypeError      = "error"
)

// BrowserMessage is the JSON frame exchanged with the browser client over
// the /realtime WebSocket.
type BrowserMessage struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	SR      int    `json:"sr,omitempty"`
	Text    string `json:"text,omitempty"`
	Role    string `json:"role,omitempty"`
	Final   bool   `json:"final,omitempty"`
	State   string `json:"state,omitempty"`
	Key     string `json:"key,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeBrowserMessage parses a raw client message.
func DecodeBrowserMessage(raw []byte) (BrowserMessage, error) {
	var msg BrowserMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return BrowserMessage{}, fault.New(fault.KindProtocol, "browser.decode", err)
	}
	if msg.Type == "" {
		return BrowserMessage{}, fault.Newf(fault.KindProtocol, "browser.decode", "missing type field")
	}
	return msg, nil
}

// DecodeBrowserAudio converts an audio message into a frame, enforcing the
// session's pinned sample rate. A message without an explicit "sr" field is
// assumed to match the pinned rate.
func DecodeBrowserAudio(msg BrowserMessage, pinnedRate int, timestampUS int64) (Frame, error) {
	if msg.Type != BrowserTypeAudio {
		return Frame{}, fault.Newf(fault.KindProtocol, "browser.decode", "not an audio message: %q", msg.Type)
	}
	if msg.SR != 0 && msg.SR != pinnedRate {
		return Frame{}, fmt.Errorf("audio: got %d Hz, session pinned to %d Hz: %w", msg.SR, pinnedRate, ErrSampleRateMismatch)
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return Frame{}, fault.New(fault.KindProtocol, "browser.decode", err)
	}
	if len(pcm) == 0 {
		return Frame{}, ErrEmptyPayload
	}
	return NewFrame(pcm, pinnedRate, timestampUS), nil
}

// EncodeBrowserAudio renders an outbound frame as a browser audio message.
func EncodeBrowserAudio(f Frame) ([]byte, error) {
	msg := BrowserMessage{
		Type: BrowserTypeAudio,
		Data: base64.StdEncoding.EncodeToString(f.PCM),
		SR:   f.SampleRate,
	}
	return json.Marshal(msg)
}

// EncodeBrowserTranscript renders a transcript event for the client.
func EncodeBrowserTranscript(role, text string, final bool) ([]byte, error) {
	return json.Marshal(BrowserMessage{
		Type:  BrowserTypeTranscript,
		Role:  role,
		Text:  text,
		Final: final,
	})
}

// EncodeBrowserState renders a state broadcast.
func EncodeBrowserState(state string) ([]byte, error) {
	return json.Marshal(BrowserMessage{Type: BrowserTypeState, State: state})
}

// EncodeBrowserAgent renders an active-agent announcement.
func EncodeBrowserAgent(key string) ([]byte, error) {
	return json.Marshal(BrowserMessage{Type: BrowserTypeAgent, Key: key})
}

// EncodeBrowserError renders an error frame. Only the code and a generic
// message are sent; technical detail never reaches the caller.
func EncodeBrowserError(code, message string) ([]byte, error) {
	return json.Marshal(BrowserMessage{Type: BrowserTypeError, Code: code, Message: message})
}
