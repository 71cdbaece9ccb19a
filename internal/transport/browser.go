package transport

import (
	"github.com/gorilla/websocket"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// browserCodec speaks the JSON dialect of the /realtime endpoint.
type browserCodec struct {
	pinnedRate int
}

// NewBrowserConn wraps a websocket accepted on /realtime.
func NewBrowserConn(sock Socket, sessionID string, pinnedRate int) *wsConn {
	return newWSConn(sock, browserCodec{pinnedRate: pinnedRate}, sessionID)
}

func (c browserCodec) kind() session.TransportKind { return session.TransportBrowser }

func (c browserCodec) decode(raw []byte) (Inbound, bool, error) {
	msg, err := audio.DecodeBrowserMessage(raw)
	if err != nil {
		return Inbound{}, false, err
	}
	switch msg.Type {
	case audio.BrowserTypeAudio:
		frame, err := audio.DecodeBrowserAudio(msg, c.pinnedRate, 0)
		if err != nil {
			return Inbound{}, false, err
		}
		return Inbound{Kind: InboundAudio, Frame: frame}, true, nil
	case audio.BrowserTypeText:
		return Inbound{Kind: InboundText, Text: msg.Text}, true, nil
	case audio.BrowserTypeInterrupt:
		return Inbound{Kind: InboundInterrupt}, true, nil
	case audio.BrowserTypeReset:
		return Inbound{Kind: InboundReset}, true, nil
	case audio.BrowserTypeHangup:
		return Inbound{Kind: InboundHangup}, true, nil
	default:
		// Unknown types are ignored for forward compatibility.
		return Inbound{}, false, nil
	}
}

func (c browserCodec) encode(msg Outbound) ([]byte, int, error) {
	var (
		raw []byte
		err error
	)
	switch msg.Kind {
	case OutboundAudio:
		raw, err = audio.EncodeBrowserAudio(msg.Frame)
	case OutboundTranscript:
		raw, err = audio.EncodeBrowserTranscript(msg.Role, msg.Text, msg.Final)
	case OutboundState:
		raw, err = audio.EncodeBrowserState(string(msg.State))
	case OutboundAgentText:
		raw, err = audio.EncodeBrowserAgent(msg.Agent)
	case OutboundError:
		raw, err = audio.EncodeBrowserError(msg.Code, msg.Message)
	case OutboundStop:
		// The browser dialect has no stop message; interrupt feedback
		// arrives through the state broadcast instead.
		return nil, 0, nil
	}
	return raw, websocket.TextMessage, err
}
