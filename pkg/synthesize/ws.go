package synthesize

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
)

// WSConfig configures the streaming synthesis upstream.
type WSConfig struct {
	URL    string
	APIKey string
	// DefaultVoice is used when a turn does not pin a voice profile.
	DefaultVoice string
}

// wsSynthesizer opens one upstream connection per synthesis stream: BOS
// with voice config, text chunks as they arrive, EOS on text close, b64
// PCM replies regrouped into 20 ms frames.
type wsSynthesizer struct {
	cfg        WSConfig
	sessionID  string
	sampleRate int

	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
	closed bool
}

type synthesisMessage struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Audio      string `json:"audio,omitempty"`
	IsFinal    bool   `json:"isFinal,omitempty"`
	Error      string `json:"error,omitempty"`
	EOS        bool   `json:"eos,omitempty"`
}

// NewWSFactory returns a Factory producing per-session synthesizers.
func NewWSFactory(cfg WSConfig) Factory {
	return func(_ context.Context, sessionID string, sampleRate int) (Synthesizer, error) {
		if cfg.URL == "" {
			return nil, fault.Newf(fault.KindConfig, "synthesize.factory", "synthesizer url is required")
		}
		if !audio.ValidRate(sampleRate) {
			return nil, fault.Newf(fault.KindConfig, "synthesize.factory", "unsupported sample rate %d", sampleRate)
		}
		return &wsSynthesizer{
			cfg:        cfg,
			sessionID:  sessionID,
			sampleRate: sampleRate,
			active:     make(map[*websocket.Conn]struct{}),
		}, nil
	}
}

func (s *wsSynthesizer) Synthesize(ctx context.Context, text <-chan string, voice string) (<-chan audio.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fault.Newf(fault.KindInternal, "synthesize.stream", "synthesizer closed")
	}
	s.mu.Unlock()

	if voice == "" {
		voice = s.cfg.DefaultVoice
	}

	headers := http.Header{}
	if s.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fault.Newf(fault.KindUpstream, "synthesize.dial", "handshake failed with status %d: %v", resp.StatusCode, err)
		}
		return nil, fault.New(fault.KindUpstream, "synthesize.dial", err)
	}

	bos := synthesisMessage{Text: " ", Voice: voice, SampleRate: s.sampleRate}
	if err := conn.WriteJSON(bos); err != nil {
		_ = conn.Close()
		return nil, fault.New(fault.KindTransport, "synthesize.bos", err)
	}

	s.track(conn)

	frames := make(chan audio.Frame, 64)
	var writeMu sync.Mutex

	// Writer: forward text chunks, then EOS when the text channel closes.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-text:
				writeMu.Lock()
				if !ok {
					_ = conn.WriteJSON(synthesisMessage{Text: "", EOS: true})
					writeMu.Unlock()
					return
				}
				err := conn.WriteJSON(synthesisMessage{Text: chunk})
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// On cancel, tear the connection down so the reader unblocks at once.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	// Reader: decode audio replies into paced frame sizes.
	go func() {
		defer close(frames)
		defer close(done)
		defer s.untrack(conn)
		defer conn.Close()

		framer, err := audio.NewFramer(s.sampleRate)
		if err != nil {
			return
		}

		emit := func(f audio.Frame) bool {
			select {
			case frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var msg synthesisMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Error != "" {
				log.Warn("synthesis upstream error", "session_id", s.sessionID, "error", msg.Error)
				return
			}
			if msg.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err != nil {
					log.Warn("undecodable synthesis audio", "session_id", s.sessionID, "error", err)
					continue
				}
				for _, f := range framer.Push(pcm) {
					if !emit(f) {
						return
					}
				}
			}
			if msg.IsFinal {
				if tail, ok := framer.Flush(); ok {
					emit(tail)
				}
				return
			}
		}
	}()

	return frames, nil
}

func (s *wsSynthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.active {
		_ = conn.Close()
	}
	s.active = make(map[*websocket.Conn]struct{})
	return nil
}

func (s *wsSynthesizer) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *wsSynthesizer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
}
