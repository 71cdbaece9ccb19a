package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-dev/voxbridge/internal/transport"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/llm"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// fakeRealtime is a hand-driven speech-to-speech session.
type fakeRealtime struct {
	mu        sync.Mutex
	sent      [][]byte
	commits   int
	cancels   int
	closed    bool
	events    chan llm.RealtimeEvent
	closeOnce sync.Once
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{events: make(chan llm.RealtimeEvent, 32)}
}

func (f *fakeRealtime) Events() <-chan llm.RealtimeEvent { return f.events }

func (f *fakeRealtime) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeRealtime) CommitAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeRealtime) CancelResponse() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeRealtime) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeRealtime) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRealtime) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func setupBridge(t *testing.T) (*RealtimeBridge, *transport.FakeConn, *fakeRealtime, session.Store, chan error) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := session.NewRedisStoreFromClient(client, "test:session:", time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	rec := session.NewRecord(testSession, session.TransportTelephonyRealtime, testOwner, audio.SampleRate16k)
	require.NoError(t, store.Create(context.Background(), rec))

	conn := transport.NewFakeConn(session.TransportTelephonyRealtime)
	rt := newFakeRealtime()
	bridge := NewRealtimeBridge(store, conn, rt, testSession, testOwner, audio.SampleRate16k, 0)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { done <- bridge.Run(ctx) }()
	return bridge, conn, rt, store, done
}

func TestRealtimeBridge_RelaysBothDirections(t *testing.T) {
	_, conn, rt, store, done := setupBridge(t)

	pcm := make([]byte, audio.FrameBytes(audio.SampleRate16k))
	conn.In <- transport.Inbound{Kind: transport.InboundAudio, Frame: audio.NewFrame(pcm, audio.SampleRate16k, 0)}
	waitFor(t, func() bool { return rt.sentCount() == 1 }, "caller audio not relayed")

	// Two 20 ms frames' worth of model audio comes back as two frames.
	rt.events <- llm.RealtimeEvent{Type: llm.RealtimeAudio, PCM: make([]byte, 2*audio.FrameBytes(audio.SampleRate16k))}
	rt.events <- llm.RealtimeEvent{Type: llm.RealtimeTranscript, Transcript: "hello"}
	rt.events <- llm.RealtimeEvent{Type: llm.RealtimeDone}

	waitFor(t, func() bool { return len(conn.SentOf(transport.OutboundAudio)) == 2 }, "model audio not framed out")
	waitFor(t, func() bool { return len(conn.SentOf(transport.OutboundTranscript)) == 1 }, "transcript not relayed")

	conn.In <- transport.Inbound{Kind: transport.InboundHangup}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop")
	}

	rec, err := store.Load(context.Background(), testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StateEnded, rec.State)
	closed, _ := conn.Closed()
	assert.True(t, closed)
}

func TestRealtimeBridge_InterruptCancelsResponse(t *testing.T) {
	_, conn, rt, _, done := setupBridge(t)

	conn.In <- transport.Inbound{Kind: transport.InboundInterrupt}
	waitFor(t, func() bool { return rt.cancelCount() == 1 }, "interrupt not relayed")
	waitFor(t, func() bool { return len(conn.SentOf(transport.OutboundStop)) == 1 }, "no stop sent")

	conn.In <- transport.Inbound{Kind: transport.InboundHangup}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
