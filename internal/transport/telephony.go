package transport

import (
	"github.com/gorilla/websocket"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// telephonyCodec speaks the provider's media-streaming envelope on
// /call/stream. Text-side events have no wire form there; only audio and
// stop cross the socket.
type telephonyCodec struct {
	pinnedRate int
}

// NewTelephonyConn wraps a media-streaming websocket from the telephony
// provider.
func NewTelephonyConn(sock Socket, sessionID string, pinnedRate int) *wsConn {
	return newWSConn(sock, telephonyCodec{pinnedRate: pinnedRate}, sessionID)
}

func (c telephonyCodec) kind() session.TransportKind { return session.TransportTelephonyMedia }

func (c telephonyCodec) decode(raw []byte) (Inbound, bool, error) {
	msg, err := audio.DecodeTelephonyMessage(raw)
	if err != nil {
		return Inbound{}, false, err
	}
	switch msg.Kind {
	case audio.TelephonyKindAudioData:
		frame, err := audio.DecodeTelephonyAudio(msg, c.pinnedRate)
		if err != nil {
			return Inbound{}, false, err
		}
		return Inbound{Kind: InboundAudio, Frame: frame}, true, nil
	case audio.TelephonyKindStopAudio:
		// The provider stopped caller audio; treat as an utterance reset.
		return Inbound{Kind: InboundReset}, true, nil
	default:
		return Inbound{}, false, nil
	}
}

func (c telephonyCodec) encode(msg Outbound) ([]byte, int, error) {
	switch msg.Kind {
	case OutboundAudio:
		raw, err := audio.EncodeTelephonyAudio(msg.Frame)
		return raw, websocket.TextMessage, err
	case OutboundStop:
		raw, err := audio.EncodeTelephonyStop()
		return raw, websocket.TextMessage, err
	default:
		// Transcript, state, and agent events stay server-side for
		// telephony calls.
		return nil, 0, nil
	}
}
