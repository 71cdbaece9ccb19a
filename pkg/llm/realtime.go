package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// Realtime wire event types. Inbound audio goes up as append/commit;
// synthesized speech and transcripts come back as deltas.
const (
	rtSessionUpdate   = "session.update"
	rtAudioAppend     = "input_audio_buffer.append"
	rtAudioCommit     = "input_audio_buffer.commit"
	rtResponseCancel  = "response.cancel"
	rtAudioDelta      = "response.audio.delta"
	rtTranscriptDelta = "response.audio_transcript.delta"
	rtResponseDone    = "response.done"
	rtError           = "error"
)

// RealtimeEventType tags events surfaced by a realtime session.
type RealtimeEventType int

const (
	// RealtimeAudio carries one synthesized PCM chunk.
	RealtimeAudio RealtimeEventType = iota
	// RealtimeTranscript carries a transcript delta of the spoken reply.
	RealtimeTranscript
	// RealtimeDone marks the end of one model response.
	RealtimeDone
	// RealtimeError reports a session failure; the stream ends after it.
	RealtimeError
)

// RealtimeEvent is one event from the speech-to-speech session.
type RealtimeEvent struct {
	Type       RealtimeEventType
	PCM        []byte
	Transcript string
	Err        error
}

// RealtimeConfig configures a speech-to-speech session.
type RealtimeConfig struct {
	URL          string
	APIKey       string
	Voice        string
	Instructions string
	SampleRate   int
}

// RealtimeClient is a bidirectional speech-to-speech model session over a
// websocket. In realtime mode it replaces the STT/chat/TTS pipeline.
type RealtimeClient struct {
	conn   *websocket.Conn
	connMu sync.Mutex
	events chan RealtimeEvent
	closed chan struct{}
	once   sync.Once
}

type realtimeEnvelope struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Session any    `json:"session,omitempty"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// DialRealtime connects and configures the session, then starts the read
// loop. The events channel closes when the session ends.
func DialRealtime(ctx context.Context, cfg RealtimeConfig) (*RealtimeClient, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, fault.Newf(fault.KindConfig, "llm.realtime", "url and api key are required")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fault.Newf(fault.KindUpstream, "llm.realtime.dial", "handshake failed with status %d: %v", resp.StatusCode, err)
		}
		return nil, fault.New(fault.KindUpstream, "llm.realtime.dial", err)
	}

	c := &RealtimeClient{
		conn:   conn,
		events: make(chan RealtimeEvent, 64),
		closed: make(chan struct{}),
	}

	update := realtimeEnvelope{
		Type: rtSessionUpdate,
		Session: map[string]any{
			"voice":             cfg.Voice,
			"instructions":      cfg.Instructions,
			"input_audio_rate":  cfg.SampleRate,
			"output_audio_rate": cfg.SampleRate,
		},
	}
	if err := c.writeJSON(update); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// Events returns the session event stream.
func (c *RealtimeClient) Events() <-chan RealtimeEvent { return c.events }

// SendAudio uploads one caller PCM chunk.
func (c *RealtimeClient) SendAudio(pcm []byte) error {
	return c.writeJSON(realtimeEnvelope{
		Type:  rtAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio marks the end of a caller utterance.
func (c *RealtimeClient) CommitAudio() error {
	return c.writeJSON(realtimeEnvelope{Type: rtAudioCommit})
}

// CancelResponse aborts the in-flight model reply, the barge-in path.
func (c *RealtimeClient) CancelResponse() error {
	return c.writeJSON(realtimeEnvelope{Type: rtResponseCancel})
}

// Close ends the session. Safe to call more than once.
func (c *RealtimeClient) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.connMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.connMu.Unlock()
	})
	return nil
}

func (c *RealtimeClient) writeJSON(v any) error {
	select {
	case <-c.closed:
		return fault.Newf(fault.KindTransport, "llm.realtime.write", "session closed")
	default:
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fault.New(fault.KindTransport, "llm.realtime.write", err)
	}
	return nil
}

func (c *RealtimeClient) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.deliver(RealtimeEvent{Type: RealtimeError, Err: fault.New(fault.KindTransport, "llm.realtime.read", err)})
			}
			return
		}

		var env realtimeEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn("malformed realtime event", "error", err)
			continue
		}

		switch env.Type {
		case rtAudioDelta:
			pcm, err := base64.StdEncoding.DecodeString(env.Delta)
			if err != nil || len(pcm) == 0 {
				continue
			}
			c.deliver(RealtimeEvent{Type: RealtimeAudio, PCM: pcm})
		case rtTranscriptDelta:
			c.deliver(RealtimeEvent{Type: RealtimeTranscript, Transcript: env.Delta})
		case rtResponseDone:
			c.deliver(RealtimeEvent{Type: RealtimeDone})
		case rtError:
			msg := "realtime session error"
			if env.Error != nil {
				msg = env.Error.Message
			}
			c.deliver(RealtimeEvent{Type: RealtimeError, Err: fault.Newf(fault.KindUpstream, "llm.realtime", "%s", msg)})
		}
	}
}

func (c *RealtimeClient) deliver(ev RealtimeEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
