// Package conductor owns one live call end to end: it wires the
// transport, the recognizer, the turn router, and the synthesizer into
// one task group, runs the session state machine, and arbitrates
// barge-in. One conductor serves one session on one worker.
package conductor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/internal/observability"
	"github.com/voxbridge-dev/voxbridge/internal/router"
	"github.com/voxbridge-dev/voxbridge/internal/transport"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/fault"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
	"github.com/voxbridge-dev/voxbridge/pkg/synthesize"
	"github.com/voxbridge-dev/voxbridge/pkg/transcribe"
)

// Defaults for conversation pacing and failure handling.
const (
	DefaultGreeting = "Hello! How can I help you today?"
	DefaultGoodbye  = "Thanks for calling. Goodbye!"

	// DefaultSilenceTimeout ends a call nobody is speaking into.
	DefaultSilenceTimeout = 15 * time.Second

	// DefaultBargeInStability is the minimum partial-hypothesis
	// stability that counts as the caller really speaking.
	DefaultBargeInStability = 0.3

	// DefaultBargeInMinAudio is how much sustained caller audio must
	// precede a barge-in trigger.
	DefaultBargeInMinAudio = 120 * time.Millisecond

	// MaxConsecutiveFailures of turns before the call is ended.
	MaxConsecutiveFailures = 3

	// sttFeedBacklog bounds frames waiting for the recognizer. When the
	// recognizer stalls, the oldest waiting frames are dropped.
	sttFeedBacklog = 64
)

// ObservedEvent is a copy of one user-visible session event, handed to
// out-of-band observers such as the relay hub.
type ObservedEvent struct {
	Type  string // "transcript", "state", or "agent"
	Role  string
	Text  string
	Final bool
	State session.State
	Agent string
}

// Observer receives observed events. It must not block.
type Observer func(ObservedEvent)

// Config tunes one conductor.
type Config struct {
	Greeting         string
	Goodbye          string
	SilenceTimeout   time.Duration
	BargeInStability float64
	BargeInMinAudio  time.Duration
	Observe          Observer
	Router           router.Config

	// Renew exchanges a dead recognizer for a fresh one mid-call. The
	// dead handle is already unusable when Renew is called. Nil means
	// recognizer failures end the call immediately.
	Renew func(ctx context.Context, dead transcribe.Recognizer) (transcribe.Recognizer, error)
}

func (c *Config) fill() {
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.Goodbye == "" {
		c.Goodbye = DefaultGoodbye
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.BargeInStability <= 0 {
		c.BargeInStability = DefaultBargeInStability
	}
	if c.BargeInMinAudio <= 0 {
		c.BargeInMinAudio = DefaultBargeInMinAudio
	}
}

// Conductor runs one session.
type Conductor struct {
	store   session.Store
	conn    transport.Conn
	recMu   sync.RWMutex
	rec     transcribe.Recognizer
	synth   synthesize.Synthesizer
	runner  router.TurnRunner
	cfg     Config
	ownerID string
	sid     string
	logger  *slog.Logger

	rt *router.Router

	frames chan audio.Frame
	sttCh  chan audio.Frame

	state        atomic.Value // session.State
	lastActivity atomic.Int64 // unix micros
	sustainedUS  atomic.Int64 // consecutive caller audio while agent holds the floor
	failures     atomic.Int32
	recFailures  atomic.Int32
	epochHint    atomic.Int64 // last cancel epoch seen, for store outages

	utteranceUS atomic.Int64 // first audio of the current utterance, unix micros
	partialSeen atomic.Bool

	endOnce  chan struct{}
	endState atomic.Value // endRequest
}

type endRequest struct {
	goodbye bool
	reason  string
}

// New assembles a conductor for an accepted connection. The recognizer
// and synthesizer are already leased; the caller releases them after Run
// returns.
func New(store session.Store, conn transport.Conn, rec transcribe.Recognizer, synth synthesize.Synthesizer, runner router.TurnRunner, sessionID, ownerID string, cfg Config) *Conductor {
	cfg.fill()
	c := &Conductor{
		store:   store,
		conn:    conn,
		rec:     rec,
		synth:   synth,
		runner:  runner,
		cfg:     cfg,
		ownerID: ownerID,
		sid:     sessionID,
		logger:  log.With("component", "conductor", "session_id", sessionID),
		frames:  make(chan audio.Frame, transport.OutboundHighWater),
		sttCh:   make(chan audio.Frame, sttFeedBacklog),
		endOnce: make(chan struct{}),
	}
	c.state.Store(session.StateGreeting)
	c.touch()

	c.rt = router.New(store, runner, synth, sessionID, ownerID, cfg.Router, router.Sinks{
		OnAudioFrame:  c.forwardFrame,
		OnAgentText:   c.forwardAgentText,
		OnStateChange: c.noteStateChange,
		OnTurnEnd:     c.noteTurnEnd,
	})
	return c
}

// Run drives the session until the call ends. It always leaves the
// record in Ended state and the connection closed.
func (c *Conductor) Run(ctx context.Context) error {
	observability.SessionStarted(string(c.conn.Kind()))
	defer observability.SessionEnded(string(c.conn.Kind()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe, err := c.store.Subscribe(runCtx, c.sid)
	if err != nil {
		c.logger.Warn("event subscription unavailable", "error", err)
		events = nil
		unsubscribe = func() {}
	}
	defer unsubscribe()

	// Greeting plays before the caller can speak.
	if err := c.speak(runCtx, c.cfg.Greeting); err != nil {
		c.logger.Warn("greeting failed", "error", err)
	}
	if err := c.transition(runCtx, session.StateListening); err != nil {
		c.finalize(context.WithoutCancel(ctx))
		c.conn.Close(websocket.CloseInternalServerErr)
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Ends requested from sink callbacks unwind the group here.
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-c.endOnce:
			return errCallEnded
		}
	})
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.sttFeed(gctx) })
	g.Go(func() error { return c.sttConsume(gctx) })
	g.Go(func() error { return ignoreCancel(c.rt.Run(gctx)) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.silenceWatch(gctx) })
	if events != nil {
		g.Go(func() error { return c.watchEvents(gctx, events) })
	}

	runErr := g.Wait()

	// Shutdown order: inbound is already done, stop the recognizer,
	// then flush the goodbye and close the socket.
	_ = c.recognizer().Close()

	end, _ := c.endState.Load().(endRequest)
	shutdownCtx, shutCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer shutCancel()
	if end.goodbye {
		if err := c.speakDirect(shutdownCtx, c.cfg.Goodbye); err != nil {
			c.logger.Debug("goodbye not delivered", "error", err)
		}
	}
	c.finalize(shutdownCtx)
	c.conn.Close(websocket.CloseNormalClosure)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, errCallEnded) {
		return runErr
	}
	return nil
}

// errCallEnded unwinds the task group on a deliberate call end.
var errCallEnded = errors.New("conductor: call ended")

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// end requests a call end once; later calls keep the first reason.
func (c *Conductor) end(goodbye bool, reason string) error {
	select {
	case <-c.endOnce:
	default:
		close(c.endOnce)
		c.endState.Store(endRequest{goodbye: goodbye, reason: reason})
		c.logger.Info("ending call", "reason", reason)
	}
	return errCallEnded
}

func (c *Conductor) touch() {
	c.lastActivity.Store(time.Now().UnixMicro())
}

func (c *Conductor) recognizer() transcribe.Recognizer {
	c.recMu.RLock()
	defer c.recMu.RUnlock()
	return c.rec
}

func (c *Conductor) swapRecognizer(next transcribe.Recognizer) {
	c.recMu.Lock()
	c.rec = next
	c.recMu.Unlock()
}

func (c *Conductor) currentState() session.State {
	return c.state.Load().(session.State)
}

// readLoop receives caller messages and fans them out.
func (c *Conductor) readLoop(ctx context.Context) error {
	for {
		msg, err := c.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return c.end(false, "transport closed")
			}
			return err
		}

		switch msg.Kind {
		case transport.InboundAudio:
			// Raw audio does not count as activity; a silent line
			// streams frames continuously. The silence clock resets
			// only on recognized speech.
			c.utteranceUS.CompareAndSwap(0, time.Now().UnixMicro())
			c.noteCallerAudio(msg.Frame)
			select {
			case c.sttCh <- msg.Frame:
			default:
				// Recognizer is behind; drop from the head so the
				// freshest audio survives.
				select {
				case <-c.sttCh:
					observability.FrameDropped("stt_feed")
				default:
				}
				select {
				case c.sttCh <- msg.Frame:
				default:
					observability.FrameDropped("stt_feed")
				}
			}
		case transport.InboundText:
			c.touch()
			c.sendTranscript(ctx, msg.Text, true)
			c.rt.Enqueue(msg.Text)
		case transport.InboundInterrupt:
			c.touch()
			c.bargeIn(ctx, "explicit interrupt")
		case transport.InboundReset:
			if err := c.recognizer().Reset(); err != nil {
				c.logger.Warn("recognizer reset failed", "error", err)
			}
			c.sustainedUS.Store(0)
		case transport.InboundHangup:
			return c.end(true, "caller hangup")
		}
	}
}

// noteCallerAudio accumulates sustained caller speech while the agent
// holds the floor; the counter arms the barge-in trigger.
func (c *Conductor) noteCallerAudio(f audio.Frame) {
	switch c.currentState() {
	case session.StateThinking, session.StateSpeaking:
		c.sustainedUS.Add(int64(f.DurationMS()) * 1000)
	default:
		c.sustainedUS.Store(0)
	}
}

// sttFeed forwards buffered frames to the recognizer.
func (c *Conductor) sttFeed(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.sttCh:
			if err := c.recognizer().PushFrame(f); err != nil {
				c.logger.Warn("recognizer push failed", "error", err)
			}
		}
	}
}

// sttConsume turns recognizer events into transcripts, turns, and
// barge-in triggers.
func (c *Conductor) sttConsume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.recognizer().Events():
			if !ok {
				return c.end(false, "recognizer stream ended")
			}
			switch ev.Type {
			case transcribe.EventPartial:
				c.touch()
				if !c.partialSeen.Swap(true) {
					if start := c.utteranceUS.Load(); start != 0 {
						observability.TurnStage("first_partial", time.Since(time.UnixMicro(start)))
					}
				}
				c.sendTranscript(ctx, ev.Text, false)
				if c.shouldBargeIn(ev) {
					c.bargeIn(ctx, "caller spoke over agent")
				}
			case transcribe.EventFinal:
				c.touch()
				c.sustainedUS.Store(0)
				c.utteranceUS.Store(0)
				c.partialSeen.Store(false)
				c.recFailures.Store(0)
				c.sendTranscript(ctx, ev.Text, true)
				c.rt.Enqueue(ev.Text)
			case transcribe.EventError:
				if err := c.recoverRecognizer(ctx, ev.Err); err != nil {
					return err
				}
			}
		}
	}
}

// recoverRecognizer discards a failed recognizer and leases a fresh one.
// The call ends only when failures repeat or no replacement can be
// leased.
func (c *Conductor) recoverRecognizer(ctx context.Context, cause error) error {
	c.logger.Error("recognizer failed", "error", cause)
	if c.recFailures.Add(1) >= MaxConsecutiveFailures {
		return c.end(true, "repeated recognizer failures")
	}
	if c.cfg.Renew == nil {
		return c.end(true, "recognizer failure")
	}
	next, err := c.cfg.Renew(ctx, c.recognizer())
	if err != nil {
		c.logger.Error("recognizer replacement failed", "error", err)
		return c.end(true, "recognizer failure")
	}
	c.swapRecognizer(next)
	c.logger.Info("recognizer replaced mid-call")
	return nil
}

// shouldBargeIn applies the stability and sustained-audio thresholds
// while the agent holds the floor. A barge-in never finalizes the
// caller's utterance; the recognizer keeps listening.
func (c *Conductor) shouldBargeIn(ev transcribe.TranscriptEvent) bool {
	state := c.currentState()
	if state != session.StateThinking && state != session.StateSpeaking {
		return false
	}
	if ev.Stability < c.cfg.BargeInStability {
		return false
	}
	return time.Duration(c.sustainedUS.Load())*time.Microsecond >= c.cfg.BargeInMinAudio
}

// bargeIn bumps the cancel epoch, cancels the in-flight turn, and tells
// the far end to drop buffered audio.
func (c *Conductor) bargeIn(ctx context.Context, cause string) {
	epoch, err := c.store.BumpCancelEpoch(ctx, c.sid)
	if err != nil {
		// A store outage must not delay the cancel. Advance past the
		// last epoch seen so this worker still stops speaking; other
		// workers catch up when the store returns.
		c.logger.Warn("epoch bump failed, cancelling locally", "cause", cause, "error", err)
		epoch = c.epochHint.Add(1)
	} else {
		c.epochHint.Store(epoch)
	}
	c.rt.Cancel(epoch)
	c.drainPending()
	if err := c.conn.Send(ctx, transport.Outbound{Kind: transport.OutboundStop}); err != nil {
		c.logger.Debug("stop message not delivered", "error", err)
	}
	observability.BargeIn(string(c.conn.Kind()))
	c.logger.Info("barge-in", "cause", cause, "epoch", epoch)
}

// drainPending discards queued outbound audio so stale speech never
// plays after a barge-in.
func (c *Conductor) drainPending() {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

// writeLoop sends synthesized audio to the caller.
func (c *Conductor) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.frames:
			if err := c.conn.Send(ctx, transport.Outbound{Kind: transport.OutboundAudio, Frame: f}); err != nil {
				if errors.Is(err, transport.ErrClosed) {
					return c.end(false, "transport closed")
				}
				return err
			}
		}
	}
}

// silenceWatch ends calls nobody is speaking into.
func (c *Conductor) silenceWatch(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if c.currentState() != session.StateListening {
				continue
			}
			idle := time.Since(time.UnixMicro(c.lastActivity.Load()))
			if idle >= c.cfg.SilenceTimeout {
				return c.end(true, "silence timeout")
			}
		}
	}
}

// watchEvents applies cross-worker barge-ins delivered via the store.
func (c *Conductor) watchEvents(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == session.EventEpochBumped {
				c.epochHint.Store(ev.CancelEpoch)
				c.rt.Cancel(ev.CancelEpoch)
				c.drainPending()
			}
		}
	}
}

// Router sink callbacks.

func (c *Conductor) forwardFrame(f audio.Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.endOnce:
		return false
	}
}

func (c *Conductor) forwardAgentText(agentKey, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.conn.Send(ctx, transport.Outbound{Kind: transport.OutboundAgentText, Agent: agentKey})
	_ = c.conn.Send(ctx, transport.Outbound{Kind: transport.OutboundTranscript, Role: "agent", Text: text, Final: true})
	c.observe(ObservedEvent{Type: "agent", Agent: agentKey})
	c.observe(ObservedEvent{Type: "transcript", Role: "agent", Text: text, Final: true})
}

func (c *Conductor) observe(ev ObservedEvent) {
	if c.cfg.Observe != nil {
		c.cfg.Observe(ev)
	}
}

func (c *Conductor) noteStateChange(to session.State) {
	c.state.Store(to)
	if to == session.StateListening {
		c.touch()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.conn.Send(ctx, transport.Outbound{Kind: transport.OutboundState, State: to})
	c.observe(ObservedEvent{Type: "state", State: to})
}

func (c *Conductor) noteTurnEnd(t session.Turn, err error) {
	observability.TurnEnded(string(t.Reason), t.EndedAt.Sub(t.StartedAt))
	switch t.Reason {
	case session.ReasonError, session.ReasonTimeout:
		if fault.KindOf(err) == fault.KindCancelled {
			// Shutdown races, not turn failures.
			return
		}
		if err != nil && !fault.IsRetryable(err) {
			c.logger.Error("unrecoverable turn failure", "error", err)
			_ = c.end(true, "unrecoverable turn failure")
			return
		}
		if c.failures.Add(1) >= MaxConsecutiveFailures {
			c.logger.Error("too many consecutive turn failures", "error", err)
			_ = c.end(true, "repeated turn failures")
		}
	default:
		c.failures.Store(0)
	}
}

func (c *Conductor) sendTranscript(ctx context.Context, text string, final bool) {
	if text == "" {
		return
	}
	_ = c.conn.Send(ctx, transport.Outbound{
		Kind:  transport.OutboundTranscript,
		Role:  "user",
		Text:  text,
		Final: final,
	})
	c.observe(ObservedEvent{Type: "transcript", Role: "user", Text: text, Final: final})
}

// speak synthesizes a fixed phrase through the writer pipeline.
func (c *Conductor) speak(ctx context.Context, phrase string) error {
	text := make(chan string, 1)
	text <- phrase
	close(text)

	frames, err := c.synth.Synthesize(ctx, text, c.cfg.Router.Voice)
	if err != nil {
		return err
	}
	for f := range frames {
		if err := c.conn.Send(ctx, transport.Outbound{Kind: transport.OutboundAudio, Frame: f}); err != nil {
			return err
		}
	}
	return nil
}

// speakDirect is speak for the shutdown path, after the task group has
// unwound.
func (c *Conductor) speakDirect(ctx context.Context, phrase string) error {
	return c.speak(ctx, phrase)
}

// transition moves the session record and mirrors it locally.
func (c *Conductor) transition(ctx context.Context, to session.State) error {
	_, err := c.store.Mutate(ctx, c.sid, c.ownerID, func(rec *session.Record) error {
		if rec.State == to {
			return nil
		}
		return rec.Transition(to)
	})
	if err != nil {
		return err
	}
	c.noteStateChange(to)
	return nil
}

// finalize marks the session Ended. Errors are logged only; the record
// expires by TTL regardless.
func (c *Conductor) finalize(ctx context.Context) {
	_, err := c.store.Mutate(ctx, c.sid, c.ownerID, func(rec *session.Record) error {
		if rec.State == session.StateEnded {
			return nil
		}
		return rec.Transition(session.StateEnded)
	})
	if err != nil {
		c.logger.Warn("session finalize failed", "error", err)
		return
	}
	c.state.Store(session.StateEnded)
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = c.conn.Send(ctx2, transport.Outbound{Kind: transport.OutboundState, State: session.StateEnded})
	c.observe(ObservedEvent{Type: "state", State: session.StateEnded})
}
