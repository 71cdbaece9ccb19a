package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// WSConfig configures the streaming recognition upstream.
type WSConfig struct {
	URL      string
	APIKey   string
	Language string
}

// wsRecognizer speaks a JSON-control, binary-audio recognize protocol:
// a start message pins the sample rate, audio goes up as binary frames,
// partial and final results come back as JSON.
type wsRecognizer struct {
	conn   *websocket.Conn
	connMu sync.Mutex
	events chan TranscriptEvent
	closed chan struct{}
	once   sync.Once
}

type recognizeControl struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
	Language   string `json:"language,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

type recognizeResult struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Stability  float64 `json:"stability"`
	OffsetMS   int64   `json:"offset_ms"`
	DurationMS int64   `json:"duration_ms"`
	Message    string  `json:"message"`
}

// NewWSFactory returns a Factory that dials cfg.URL per session.
func NewWSFactory(cfg WSConfig) Factory {
	return func(ctx context.Context, sessionID string, sampleRate int) (Recognizer, error) {
		return dialWS(ctx, cfg, sessionID, sampleRate)
	}
}

func dialWS(ctx context.Context, cfg WSConfig, sessionID string, sampleRate int) (*wsRecognizer, error) {
	if cfg.URL == "" {
		return nil, fault.Newf(fault.KindConfig, "transcribe.dial", "recognizer url is required")
	}
	if !audio.ValidRate(sampleRate) {
		return nil, fault.Newf(fault.KindConfig, "transcribe.dial", "unsupported sample rate %d", sampleRate)
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fault.Newf(fault.KindUpstream, "transcribe.dial", "handshake failed with status %d: %v", resp.StatusCode, err)
		}
		return nil, fault.New(fault.KindUpstream, "transcribe.dial", err)
	}

	r := &wsRecognizer{
		conn:   conn,
		events: make(chan TranscriptEvent, 32),
		closed: make(chan struct{}),
	}

	start := recognizeControl{
		Type:       "start",
		SampleRate: sampleRate,
		Format:     "pcm16",
		Language:   cfg.Language,
		SessionID:  sessionID,
	}
	if err := r.writeJSON(start); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go r.readLoop()
	return r, nil
}

func (r *wsRecognizer) PushFrame(f audio.Frame) error {
	select {
	case <-r.closed:
		return fault.Newf(fault.KindTransport, "transcribe.push", "recognizer closed")
	default:
	}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if err := r.conn.WriteMessage(websocket.BinaryMessage, f.PCM); err != nil {
		return fault.New(fault.KindTransport, "transcribe.push", err)
	}
	return nil
}

func (r *wsRecognizer) Events() <-chan TranscriptEvent { return r.events }

func (r *wsRecognizer) Reset() error {
	return r.writeJSON(recognizeControl{Type: "reset"})
}

func (r *wsRecognizer) Close() error {
	r.once.Do(func() {
		close(r.closed)
		r.connMu.Lock()
		_ = r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = r.conn.Close()
		r.connMu.Unlock()
	})
	return nil
}

func (r *wsRecognizer) writeJSON(v any) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if err := r.conn.WriteJSON(v); err != nil {
		return fault.New(fault.KindTransport, "transcribe.write", err)
	}
	return nil
}

func (r *wsRecognizer) readLoop() {
	defer close(r.events)
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.closed:
			default:
				r.deliver(TranscriptEvent{Type: EventError, Err: fault.New(fault.KindUpstream, "transcribe.read", err)})
			}
			return
		}

		var res recognizeResult
		if err := json.Unmarshal(raw, &res); err != nil {
			log.Warn("malformed recognize result", "error", err)
			continue
		}

		switch res.Type {
		case "partial":
			r.deliver(TranscriptEvent{
				Type:      EventPartial,
				Text:      res.Text,
				Stability: res.Stability,
				OffsetMS:  res.OffsetMS,
			})
		case "final":
			r.deliver(TranscriptEvent{
				Type:       EventFinal,
				Text:       res.Text,
				OffsetMS:   res.OffsetMS,
				DurationMS: res.DurationMS,
			})
		case "error":
			r.deliver(TranscriptEvent{Type: EventError, Err: fault.Newf(fault.KindUpstream, "transcribe.upstream", "%s", res.Message)})
			return
		}
	}
}

func (r *wsRecognizer) deliver(ev TranscriptEvent) {
	select {
	case r.events <- ev:
	case <-r.closed:
	}
}
