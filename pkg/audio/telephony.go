package audio

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// Telephony envelope kinds. Only AudioData and StopAudio arrive inbound;
// outbound uses the same two kinds.
const (
	TelephonyKindAudioData = "AudioData"
	TelephonyKindStopAudio = "StopAudio"
)

// TelephonyMessage is the provider's JSON media-streaming envelope.
type TelephonyMessage struct {
	Kind      string              `json:"kind"`
	AudioData *TelephonyAudioData `json:"audioData,omitempty"`
}

// TelephonyAudioData carries one base64 PCM16 chunk.
type TelephonyAudioData struct {
	Data      string `json:"data"`
	Timestamp string `json:"timestamp,omitempty"`
	Silent    bool   `json:"silent,omitempty"`
}

// DecodeTelephonyMessage parses a raw provider message.
func DecodeTelephonyMessage(raw []byte) (TelephonyMessage, error) {
	var msg TelephonyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return TelephonyMessage{}, fault.New(fault.KindProtocol, "telephony.decode", err)
	}
	switch msg.Kind {
	case TelephonyKindAudioData:
		if msg.AudioData == nil {
			return TelephonyMessage{}, fault.Newf(fault.KindProtocol, "telephony.decode", "AudioData without payload")
		}
	case TelephonyKindStopAudio:
	default:
		return TelephonyMessage{}, fault.Newf(fault.KindProtocol, "telephony.decode", "unknown kind %q", msg.Kind)
	}
	return msg, nil
}

// DecodeTelephonyAudio converts an AudioData envelope into a frame at the
// session's pinned rate. Silent chunks decode to frames too; the recognizer
// needs the timing continuity.
func DecodeTelephonyAudio(msg TelephonyMessage, pinnedRate int) (Frame, error) {
	if msg.Kind != TelephonyKindAudioData || msg.AudioData == nil {
		return Frame{}, fault.Newf(fault.KindProtocol, "telephony.decode", "not an AudioData message")
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData.Data)
	if err != nil {
		return Frame{}, fault.New(fault.KindProtocol, "telephony.decode", err)
	}
	if len(pcm) == 0 {
		return Frame{}, ErrEmptyPayload
	}
	var ts int64
	if msg.AudioData.Timestamp != "" {
		if t, perr := time.Parse(time.RFC3339Nano, msg.AudioData.Timestamp); perr == nil {
			ts = t.UnixMicro()
		}
	}
	return NewFrame(pcm, pinnedRate, ts), nil
}

// EncodeTelephonyAudio renders an outbound frame as an AudioData envelope.
func EncodeTelephonyAudio(f Frame) ([]byte, error) {
	return json.Marshal(TelephonyMessage{
		Kind: TelephonyKindAudioData,
		AudioData: &TelephonyAudioData{
			Data: base64.StdEncoding.EncodeToString(f.PCM),
		},
	})
}

// EncodeTelephonyStop renders a StopAudio envelope, used to halt any audio
// the provider is still buffering after a barge-in.
func EncodeTelephonyStop() ([]byte, error) {
	return json.Marshal(TelephonyMessage{Kind: TelephonyKindStopAudio})
}
