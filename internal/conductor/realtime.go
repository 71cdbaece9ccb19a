package conductor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/internal/observability"
	"github.com/voxbridge-dev/voxbridge/internal/transport"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/llm"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// RealtimeSession is the slice of the speech-to-speech client the bridge
// needs. llm.RealtimeClient satisfies it.
type RealtimeSession interface {
	Events() <-chan llm.RealtimeEvent
	SendAudio(pcm []byte) error
	CommitAudio() error
	CancelResponse() error
	Close() error
}

// RealtimeBridge pumps caller audio straight into a speech-to-speech
// model session and model audio straight back, skipping the recognizer,
// orchestrator, and synthesizer entirely. The session record still
// tracks the call so operators and other workers can see it.
type RealtimeBridge struct {
	store   session.Store
	conn    transport.Conn
	rt      RealtimeSession
	sid     string
	ownerID string
	rate    int
	timeout time.Duration
	obs     Observer
	logger  *slog.Logger
}

// Observe registers an out-of-band event observer. Call before Run.
func (b *RealtimeBridge) Observe(fn Observer) { b.obs = fn }

func (b *RealtimeBridge) observe(ev ObservedEvent) {
	if b.obs != nil {
		b.obs(ev)
	}
}

// NewRealtimeBridge wires an accepted connection to a dialed realtime
// session.
func NewRealtimeBridge(store session.Store, conn transport.Conn, rt RealtimeSession, sessionID, ownerID string, sampleRate int, silenceTimeout time.Duration) *RealtimeBridge {
	if silenceTimeout <= 0 {
		silenceTimeout = DefaultSilenceTimeout
	}
	return &RealtimeBridge{
		store:   store,
		conn:    conn,
		rt:      rt,
		sid:     sessionID,
		ownerID: ownerID,
		rate:    sampleRate,
		timeout: silenceTimeout,
		logger:  log.With("component", "realtime_bridge", "session_id", sessionID),
	}
}

// Run relays both directions until the call ends.
func (b *RealtimeBridge) Run(ctx context.Context) error {
	observability.SessionStarted(string(b.conn.Kind()))
	defer observability.SessionEnded(string(b.conn.Kind()))

	if _, err := b.store.Mutate(ctx, b.sid, b.ownerID, func(rec *session.Record) error {
		return rec.Transition(session.StateListening)
	}); err != nil {
		return err
	}
	b.observe(ObservedEvent{Type: "state", State: session.StateListening})

	lastActivity := time.Now()
	activity := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			msg, err := b.conn.Receive(gctx)
			if err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return errCallEnded
				}
				return err
			}
			select {
			case activity <- struct{}{}:
			default:
			}
			switch msg.Kind {
			case transport.InboundAudio:
				if err := b.rt.SendAudio(msg.Frame.PCM); err != nil {
					return err
				}
			case transport.InboundReset:
				if err := b.rt.CommitAudio(); err != nil {
					return err
				}
			case transport.InboundInterrupt:
				if err := b.rt.CancelResponse(); err != nil {
					return err
				}
				observability.BargeIn(string(b.conn.Kind()))
				_ = b.conn.Send(gctx, transport.Outbound{Kind: transport.OutboundStop})
			case transport.InboundHangup:
				return errCallEnded
			}
		}
	})

	g.Go(func() error {
		framer, err := audio.NewFramer(b.rate)
		if err != nil {
			return err
		}
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-b.rt.Events():
				if !ok {
					return errCallEnded
				}
				switch ev.Type {
				case llm.RealtimeAudio:
					for _, f := range framer.Push(ev.PCM) {
						if err := b.conn.Send(gctx, transport.Outbound{Kind: transport.OutboundAudio, Frame: f}); err != nil {
							return err
						}
					}
				case llm.RealtimeTranscript:
					_ = b.conn.Send(gctx, transport.Outbound{
						Kind: transport.OutboundTranscript,
						Role: "agent",
						Text: ev.Transcript,
					})
					b.observe(ObservedEvent{Type: "transcript", Role: "agent", Text: ev.Transcript, Final: true})
				case llm.RealtimeDone:
					if f, ok := framer.Flush(); ok {
						if err := b.conn.Send(gctx, transport.Outbound{Kind: transport.OutboundAudio, Frame: f}); err != nil {
							return err
						}
					}
				case llm.RealtimeError:
					b.logger.Error("realtime session failed", "error", ev.Err)
					return ev.Err
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-activity:
				lastActivity = time.Now()
			case <-ticker.C:
				if time.Since(lastActivity) >= b.timeout {
					return errCallEnded
				}
			}
		}
	})

	runErr := g.Wait()

	_ = b.rt.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := b.store.Mutate(shutdownCtx, b.sid, b.ownerID, func(rec *session.Record) error {
		if rec.State == session.StateEnded {
			return nil
		}
		return rec.Transition(session.StateEnded)
	}); err != nil {
		b.logger.Warn("session finalize failed", "error", err)
	}
	b.observe(ObservedEvent{Type: "state", State: session.StateEnded})
	b.conn.Close(websocket.CloseNormalClosure)

	if runErr != nil && !errors.Is(runErr, errCallEnded) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
