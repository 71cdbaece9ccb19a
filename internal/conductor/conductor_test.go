package conductor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-dev/voxbridge/internal/orchestrator"
	"github.com/voxbridge-dev/voxbridge/internal/router"
	"github.com/voxbridge-dev/voxbridge/internal/transport"
	"github.com/voxbridge-dev/voxbridge/pkg/agent"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/llm"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
	"github.com/voxbridge-dev/voxbridge/pkg/synthesize"
	"github.com/voxbridge-dev/voxbridge/pkg/transcribe"
)

const (
	testSession = "s-1"
	testOwner   = "w-1"
)

// scriptedRunner plays one canned turn per RunTurn call.
type scriptedTurn struct {
	chunks []string
	agent  string
	done   bool
	block  bool
}

type scriptedRunner struct {
	mu    sync.Mutex
	turns []scriptedTurn
}

func (s *scriptedRunner) RunTurn(ctx context.Context, _ *session.Record, _ string) <-chan orchestrator.Event {
	s.mu.Lock()
	var turn scriptedTurn
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	}
	s.mu.Unlock()

	out := make(chan orchestrator.Event, 8)
	go func() {
		defer close(out)
		for _, c := range turn.chunks {
			select {
			case out <- orchestrator.Event{Type: orchestrator.EventTextChunk, Text: c, Agent: turn.agent}:
			case <-ctx.Done():
				return
			}
		}
		if turn.block {
			<-ctx.Done()
			return
		}
		if turn.done {
			out <- orchestrator.Event{Type: orchestrator.EventDone, Agent: turn.agent}
		}
	}()
	return out
}

type harness struct {
	cond   *Conductor
	conn   *transport.FakeConn
	rec    *transcribe.FakeRecognizer
	synth  *synthesize.FakeSynthesizer
	store  session.Store
	done   chan error
	cancel context.CancelFunc
}

func setup(t *testing.T, runner router.TurnRunner, cfg Config) *harness {
	t.Helper()
	return setupStore(t, runner, cfg, nil)
}

// setupStore lets a test wrap the session store, e.g. to simulate a
// store outage for one operation.
func setupStore(t *testing.T, runner router.TurnRunner, cfg Config, wrap func(session.Store) session.Store) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewRedisStoreFromClient(client, "test:session:", time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	rec := session.NewRecord(testSession, session.TransportBrowser, testOwner, audio.SampleRate16k)
	require.NoError(t, store.Create(context.Background(), rec))

	condStore := session.Store(store)
	if wrap != nil {
		condStore = wrap(store)
	}

	conn := transport.NewFakeConn(session.TransportBrowser)
	fakeRec := transcribe.NewFakeRecognizer()
	fakeSynth := synthesize.NewFakeSynthesizer(audio.SampleRate16k)

	h := &harness{
		cond:  New(condStore, conn, fakeRec, fakeSynth, runner, testSession, testOwner, cfg),
		conn:  conn,
		rec:   fakeRec,
		synth: fakeSynth,
		store: store,
		done:  make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- h.cond.Run(ctx) }()
	return h
}

func (h *harness) pushAudioFrames(n int) {
	pcm := make([]byte, audio.FrameBytes(audio.SampleRate16k))
	for i := 0; i < n; i++ {
		h.In() <- transport.Inbound{Kind: transport.InboundAudio, Frame: audio.NewFrame(pcm, audio.SampleRate16k, 0)}
	}
}

func (h *harness) In() chan transport.Inbound { return h.conn.In }

func (h *harness) hangupAndWait(t *testing.T) {
	t.Helper()
	select {
	case h.In() <- transport.Inbound{Kind: transport.InboundHangup}:
	case <-time.After(time.Second):
		t.Fatal("hangup not accepted")
	}
	h.wait(t)
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("conductor did not stop")
	}
}

func (h *harness) sawState(state session.State) bool {
	for _, m := range h.conn.SentOf(transport.OutboundState) {
		if m.State == state {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConductor_GreetingThenSpokenTurn(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"Hi! What can I do for you?"}, agent: "greeter", done: true},
	}}
	h := setup(t, runner, Config{})

	// Greeting audio plays before the session starts listening.
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")
	assert.Contains(t, h.synth.Texts(), DefaultGreeting)
	assert.NotEmpty(t, h.conn.SentOf(transport.OutboundAudio))

	h.rec.EmitFinal("hello there")
	waitFor(t, func() bool {
		for _, m := range h.conn.SentOf(transport.OutboundTranscript) {
			if m.Role == "agent" {
				return true
			}
		}
		return false
	}, "no agent transcript")

	// The caller's finalized utterance was echoed back.
	var userFinal bool
	for _, m := range h.conn.SentOf(transport.OutboundTranscript) {
		if m.Role == "user" && m.Final && m.Text == "hello there" {
			userFinal = true
		}
	}
	assert.True(t, userFinal)
	assert.True(t, h.sawState(session.StateThinking))

	h.hangupAndWait(t)

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	require.Len(t, rec.History, 1)
	assert.Equal(t, session.ReasonCompleted, rec.History[0].Reason)

	// Goodbye is spoken, the recognizer is stopped, the socket closed.
	assert.Contains(t, h.synth.Texts(), DefaultGoodbye)
	assert.True(t, h.rec.Closed())
	closed, code := h.conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
}

func TestConductor_TextTurn(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"Sure thing."}, agent: "greeter", done: true},
	}}
	h := setup(t, runner, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.In() <- transport.Inbound{Kind: transport.InboundText, Text: "type instead of talk"}
	waitFor(t, func() bool {
		rec, err := h.store.Load(context.Background(), testSession)
		return err == nil && len(rec.History) == 1
	}, "text turn never finished")

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, "type instead of talk", rec.History[0].UserText)

	h.hangupAndWait(t)
}

func TestConductor_BargeInCancelsSpeech(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"Let me give you the full history of the account. "}, agent: "support", block: true},
	}}
	h := setup(t, runner, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitFinal("tell me everything")
	waitFor(t, func() bool { return h.sawState(session.StateThinking) }, "turn never started")

	// A shaky hypothesis with no sustained audio must not interrupt.
	h.rec.EmitPartial("uh", 0.1)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.conn.SentOf(transport.OutboundStop))

	// Sustained speech over the stability floor does.
	h.pushAudioFrames(8) // 160 ms
	waitFor(t, func() bool { return len(h.rec.Frames()) >= 8 }, "frames not forwarded")
	h.rec.EmitPartial("actually wait", 0.9)

	waitFor(t, func() bool { return len(h.conn.SentOf(transport.OutboundStop)) > 0 }, "no stop sent")
	waitFor(t, func() bool {
		rec, err := h.store.Load(context.Background(), testSession)
		return err == nil && len(rec.History) == 1
	}, "turn never finalized")

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.ReasonBargedIn, rec.History[0].Reason)
	assert.Equal(t, int64(1), rec.CancelEpoch)

	h.hangupAndWait(t)
}

func TestConductor_ExplicitInterrupt(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"A long answer. "}, agent: "support", block: true},
	}}
	h := setup(t, runner, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitFinal("go on")
	waitFor(t, func() bool { return h.sawState(session.StateThinking) }, "turn never started")

	h.In() <- transport.Inbound{Kind: transport.InboundInterrupt}
	waitFor(t, func() bool { return len(h.conn.SentOf(transport.OutboundStop)) > 0 }, "no stop sent")

	waitFor(t, func() bool {
		rec, err := h.store.Load(context.Background(), testSession)
		return err == nil && len(rec.History) == 1 && rec.History[0].Reason == session.ReasonBargedIn
	}, "turn not marked barged in")

	h.hangupAndWait(t)
}

func TestConductor_SilenceTimeoutEndsCall(t *testing.T) {
	h := setup(t, &scriptedRunner{}, Config{SilenceTimeout: time.Second})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	// A dead line still streams frames; raw audio must not hold the
	// call open. Only recognized speech resets the clock.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		pcm := make([]byte, audio.FrameBytes(audio.SampleRate16k))
		for {
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
				select {
				case h.In() <- transport.Inbound{Kind: transport.InboundAudio, Frame: audio.NewFrame(pcm, audio.SampleRate16k, 0)}:
				default:
				}
			}
		}
	}()

	h.wait(t)

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	assert.Contains(t, h.synth.Texts(), DefaultGoodbye)
}

func TestConductor_PartialsHoldSilenceTimeout(t *testing.T) {
	h := setup(t, &scriptedRunner{}, Config{SilenceTimeout: 600 * time.Millisecond})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	// Recognized speech keeps arriving, so the call stays up well past
	// the timeout.
	for i := 0; i < 5; i++ {
		h.rec.EmitPartial("still talking", 0.1)
		time.Sleep(200 * time.Millisecond)
	}
	select {
	case <-h.done:
		t.Fatal("call ended while the caller was speaking")
	default:
	}

	h.wait(t)
}

func TestConductor_RepeatedTurnFailuresEndCall(t *testing.T) {
	// Turns whose event stream closes without Done count as failures.
	runner := &scriptedRunner{turns: []scriptedTurn{{}, {}, {}}}
	h := setup(t, runner, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitFinal("one")
	h.rec.EmitFinal("two")
	h.rec.EmitFinal("three")

	h.wait(t)

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	assert.Len(t, rec.History, 3)
	for _, turn := range rec.History {
		assert.Equal(t, session.ReasonError, turn.Reason)
	}
}

func TestConductor_RecognizerFailureReplacesHandle(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"All good."}, agent: "greeter", done: true},
	}}
	replacement := transcribe.NewFakeRecognizer()
	h := setup(t, runner, Config{
		Renew: func(_ context.Context, dead transcribe.Recognizer) (transcribe.Recognizer, error) {
			_ = dead.Close()
			return replacement, nil
		},
	})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	// A failed handle is discarded and a fresh one takes over; the call
	// keeps going.
	h.rec.EmitError(errors.New("upstream tore down the stream"))
	waitFor(t, func() bool { return h.rec.Closed() }, "dead recognizer not discarded")

	replacement.EmitFinal("still here")
	waitFor(t, func() bool {
		rec, err := h.store.Load(context.Background(), testSession)
		return err == nil && len(rec.History) == 1
	}, "turn on the replaced recognizer never finished")

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.ReasonCompleted, rec.History[0].Reason)

	h.hangupAndWait(t)
	assert.True(t, replacement.Closed())
}

func TestConductor_RecognizerFailureWithoutRenewEndsCall(t *testing.T) {
	h := setup(t, &scriptedRunner{}, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitError(errors.New("upstream tore down the stream"))
	h.wait(t)

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	closed, _ := h.conn.Closed()
	assert.True(t, closed)
}

func TestConductor_RepeatedRecognizerFailuresEndCall(t *testing.T) {
	var (
		mu      sync.Mutex
		current *transcribe.FakeRecognizer
		renews  int
	)
	h := setup(t, &scriptedRunner{}, Config{
		Renew: func(_ context.Context, dead transcribe.Recognizer) (transcribe.Recognizer, error) {
			_ = dead.Close()
			mu.Lock()
			defer mu.Unlock()
			renews++
			current = transcribe.NewFakeRecognizer()
			return current, nil
		},
	})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	renewed := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return renews == n
		}
	}
	latest := func() *transcribe.FakeRecognizer {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	h.rec.EmitError(errors.New("failure one"))
	waitFor(t, renewed(1), "first replacement not leased")
	latest().EmitError(errors.New("failure two"))
	waitFor(t, renewed(2), "second replacement not leased")
	latest().EmitError(errors.New("failure three"))

	h.wait(t)

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	assert.Contains(t, h.synth.Texts(), DefaultGoodbye)
	// The third consecutive failure ends the call instead of leasing
	// another handle.
	assert.Equal(t, 2, renews)
}

// epochOutageStore fails every cancel-epoch bump, simulating the shared
// store dropping out mid-call.
type epochOutageStore struct {
	session.Store
}

func (epochOutageStore) BumpCancelEpoch(context.Context, string) (int64, error) {
	return 0, errors.New("store unavailable")
}

func TestConductor_BargeInSurvivesStoreOutage(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"A long answer. "}, agent: "support", block: true},
	}}
	h := setupStore(t, runner, Config{}, func(s session.Store) session.Store {
		return epochOutageStore{Store: s}
	})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitFinal("go on")
	waitFor(t, func() bool { return h.sawState(session.StateThinking) }, "turn never started")

	// The epoch bump fails, but the local cancel must still land.
	h.In() <- transport.Inbound{Kind: transport.InboundInterrupt}
	waitFor(t, func() bool { return len(h.conn.SentOf(transport.OutboundStop)) > 0 }, "no stop sent")

	waitFor(t, func() bool {
		rec, err := h.store.Load(context.Background(), testSession)
		return err == nil && len(rec.History) == 1 && rec.History[0].Reason == session.ReasonBargedIn
	}, "turn not marked barged in")

	h.hangupAndWait(t)
}

func TestConductor_ModelOutageEndsCallAfterThreeTurns(t *testing.T) {
	// Every chat stream dies upstream; the caller hears the fallback
	// phrase three times, then the call ends with the goodbye.
	chat := llm.NewScriptedChat(llm.ScriptedReply{Err: errors.New("model unavailable")})
	reg := agent.NewRegistry()
	require.NoError(t, reg.Build([]agent.Def{
		{Key: agent.GreeterKey, SystemPrompt: "You open calls."},
	}))
	orch := orchestrator.New(reg, chat, orchestrator.Config{})

	h := setup(t, orch, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitFinal("one")
	h.rec.EmitFinal("two")
	h.rec.EmitFinal("three")

	h.wait(t)

	rec, err := h.store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	require.Len(t, rec.History, 3)
	for _, turn := range rec.History {
		assert.Equal(t, session.ReasonError, turn.Reason)
	}

	fallbacks := 0
	for _, text := range h.synth.Texts() {
		if text == orchestrator.DefaultFallbackPhrase {
			fallbacks++
		}
	}
	assert.Equal(t, 3, fallbacks)
	assert.Contains(t, h.synth.Texts(), DefaultGoodbye)
}

func TestConductor_ResetForwardsToRecognizer(t *testing.T) {
	h := setup(t, &scriptedRunner{}, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.In() <- transport.Inbound{Kind: transport.InboundReset}
	waitFor(t, func() bool { return h.rec.Resets() == 1 }, "reset not forwarded")

	h.hangupAndWait(t)
}

func TestConductor_RemoteEpochBumpCancelsTurn(t *testing.T) {
	runner := &scriptedRunner{turns: []scriptedTurn{
		{chunks: []string{"Still talking. "}, agent: "support", block: true},
	}}
	h := setup(t, runner, Config{})
	waitFor(t, func() bool { return h.sawState(session.StateListening) }, "no listening state")

	h.rec.EmitFinal("hello")
	waitFor(t, func() bool { return h.sawState(session.StateThinking) }, "turn never started")

	// Another worker bumps the epoch through the shared store.
	_, err := h.store.BumpCancelEpoch(context.Background(), testSession)
	require.NoError(t, err)

	waitFor(t, func() bool {
		rec, err := h.store.Load(context.Background(), testSession)
		return err == nil && len(rec.History) == 1 && rec.History[0].Reason == session.ReasonBargedIn
	}, "remote bump did not cancel the turn")

	h.hangupAndWait(t)
}
