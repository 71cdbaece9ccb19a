// Package router serializes finalized transcripts into turns. It owns
// the turn queue, runs exactly one turn at a time, drives synthesis for
// that turn, and freezes the finished turn into session history. Because
// turns run strictly one after another, all audio for turn K reaches the
// sink before any audio for turn K+1.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/internal/observability"
	"github.com/voxbridge-dev/voxbridge/internal/orchestrator"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
	"github.com/voxbridge-dev/voxbridge/pkg/synthesize"
)

// DefaultQueueDepth bounds pending finalized transcripts. Overflow drops
// the oldest entry so a chatty caller hears answers to recent speech.
const DefaultQueueDepth = 4

// DefaultTurnTimeout caps one turn end to end.
const DefaultTurnTimeout = 30 * time.Second

// TurnRunner is the orchestrator surface the router depends on.
type TurnRunner interface {
	RunTurn(ctx context.Context, rec *session.Record, userText string) <-chan orchestrator.Event
}

// Sinks receive turn output. Callbacks run on the router goroutine, in
// order; OnAudioFrame returning false aborts audio delivery for the turn.
type Sinks struct {
	OnAudioFrame  func(f audio.Frame) bool
	OnAgentText   func(agentKey, text string)
	OnStateChange func(to session.State)
	OnTurnEnd     func(t session.Turn, err error)
}

// Config tunes the router.
type Config struct {
	QueueDepth    int
	TurnTimeout   time.Duration
	HistoryWindow int
	Voice         string
}

func (c *Config) fill() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = orchestrator.DefaultHistoryWindow
	}
}

// Router consumes the transcript queue for one session.
type Router struct {
	store   session.Store
	orch    TurnRunner
	synth   synthesize.Synthesizer
	cfg     Config
	sinks   Sinks
	ownerID string
	sid     string
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []string
	dropped int
	wake    chan struct{}

	cancelMu    sync.Mutex
	cancelTurn  context.CancelFunc
	bargedEpoch int64
}

func New(store session.Store, orch TurnRunner, synth synthesize.Synthesizer, sessionID, ownerID string, cfg Config, sinks Sinks) *Router {
	cfg.fill()
	return &Router{
		store:   store,
		orch:    orch,
		synth:   synth,
		cfg:     cfg,
		sinks:   sinks,
		ownerID: ownerID,
		sid:     sessionID,
		logger:  log.With("component", "router", "session_id", sessionID),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a finalized transcript. At depth the oldest entry is
// dropped and counted.
func (r *Router) Enqueue(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	if len(r.queue) >= r.cfg.QueueDepth {
		r.queue = r.queue[1:]
		r.dropped++
		r.logger.Warn("turn queue full, dropped oldest transcript", "dropped_total", r.dropped)
	}
	r.queue = append(r.queue, text)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Dropped reports how many transcripts overflowed the queue.
func (r *Router) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Cancel aborts the in-flight turn, if any. The epoch stamps the barge-in
// into the turn record.
func (r *Router) Cancel(epoch int64) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	r.bargedEpoch = epoch
	if r.cancelTurn != nil {
		r.cancelTurn()
	}
}

// Run consumes the queue until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	for {
		text, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
				continue
			}
		}
		r.runTurn(ctx, text)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Router) pop() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	text := r.queue[0]
	r.queue = r.queue[1:]
	return text, true
}

func (r *Router) runTurn(ctx context.Context, userText string) {
	rec, err := r.store.Load(ctx, r.sid)
	if err != nil {
		r.logger.Error("turn aborted, session load failed", "error", err)
		r.sinks.OnTurnEnd(session.Turn{UserText: userText, Reason: session.ReasonError}, err)
		return
	}
	if rec.State == session.StateEnded {
		return
	}

	openEpoch := rec.CancelEpoch
	turn := session.Turn{
		Index:     rec.TurnIndex,
		UserText:  userText,
		StartedAt: time.Now().UTC(),
	}

	if err := r.transition(ctx, session.StateThinking); err != nil {
		r.sinks.OnTurnEnd(session.Turn{UserText: userText, Reason: session.ReasonError}, err)
		return
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.TurnTimeout)
	r.cancelMu.Lock()
	r.cancelTurn = cancel
	r.bargedEpoch = openEpoch
	r.cancelMu.Unlock()
	defer func() {
		cancel()
		r.cancelMu.Lock()
		r.cancelTurn = nil
		r.cancelMu.Unlock()
	}()

	events := r.orch.RunTurn(tctx, rec, userText)

	text := make(chan string, 16)
	frames, err := r.synth.Synthesize(tctx, text, r.voiceFor(rec))
	if err != nil {
		r.logger.Error("synthesis unavailable", "error", err)
		frames = nil
	}

	// Frame pump: deliver turn audio in order until the stream closes.
	framesDone := make(chan struct{})
	go func() {
		defer close(framesDone)
		if frames == nil {
			// No synthesis stream; keep draining text so the event
			// loop never blocks on a full channel.
			for range text {
			}
			return
		}
		first := true
		for f := range frames {
			if first {
				first = false
				observability.TurnStage("first_audio", time.Since(turn.StartedAt))
			}
			if r.sinks.OnAudioFrame != nil && !r.sinks.OnAudioFrame(f) {
				return
			}
		}
	}()

	var (
		spoke   bool
		done    bool
		turnErr error
	)
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventTextChunk:
			if !spoke {
				spoke = true
				observability.TurnStage("first_token", time.Since(turn.StartedAt))
				if err := r.transition(ctx, session.StateSpeaking); err != nil {
					r.logger.Warn("speaking transition failed", "error", err)
				}
			}
			turn.ResponseChunks = append(turn.ResponseChunks, ev.Text)
			if r.sinks.OnAgentText != nil {
				r.sinks.OnAgentText(ev.Agent, ev.Text)
			}
			select {
			case text <- ev.Text:
			case <-tctx.Done():
			}
		case orchestrator.EventHandoff:
			turn.Agent = ev.Agent
		case orchestrator.EventDone:
			turn.Agent = ev.Agent
			turn.ToolCalls = ev.ToolCalls
			if ev.Err != nil {
				turnErr = ev.Err
			} else {
				done = true
			}
		}
	}
	close(text)
	<-framesDone

	turn.EndedAt = time.Now().UTC()
	switch {
	case done:
		turn.Reason = session.ReasonCompleted
	case r.barged(openEpoch):
		turn.Reason = session.ReasonBargedIn
	case tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		turn.Reason = session.ReasonTimeout
		turnErr = tctx.Err()
	default:
		turn.Reason = session.ReasonError
		if turnErr == nil {
			turnErr = tctx.Err()
		}
	}

	// Tools write context slots into the loaded snapshot; carry them
	// into the stored record with the frozen turn.
	r.finalize(ctx, turn, rec.Context)
	if r.sinks.OnTurnEnd != nil {
		r.sinks.OnTurnEnd(turn, turnErr)
	}
}

func (r *Router) barged(openEpoch int64) bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.bargedEpoch > openEpoch
}

func (r *Router) voiceFor(rec *session.Record) string {
	return r.cfg.Voice
}

// finalize appends the frozen turn and returns the session to Listening.
func (r *Router) finalize(ctx context.Context, turn session.Turn, slots map[string]string) {
	_, err := r.store.Mutate(ctx, r.sid, r.ownerID, func(rec *session.Record) error {
		if slots != nil {
			rec.Context = slots
		}
		if rec.State == session.StateEnded {
			return rec.AppendTurn(turn, r.cfg.HistoryWindow)
		}
		if turn.Agent != "" {
			rec.ActiveAgent = turn.Agent
		}
		if err := rec.AppendTurn(turn, r.cfg.HistoryWindow); err != nil {
			return err
		}
		if rec.State != session.StateListening {
			return rec.Transition(session.StateListening)
		}
		return nil
	})
	if err != nil {
		// A turn ending after transport close is expected to fail here.
		if ctx.Err() == nil {
			r.logger.Warn("turn finalize failed", "error", err)
		}
		return
	}
	if r.sinks.OnStateChange != nil {
		r.sinks.OnStateChange(session.StateListening)
	}
}

func (r *Router) transition(ctx context.Context, to session.State) error {
	_, err := r.store.Mutate(ctx, r.sid, r.ownerID, func(rec *session.Record) error {
		if rec.State == to {
			return nil
		}
		return rec.Transition(to)
	})
	if err != nil {
		return err
	}
	if r.sinks.OnStateChange != nil {
		r.sinks.OnStateChange(to)
	}
	return nil
}
