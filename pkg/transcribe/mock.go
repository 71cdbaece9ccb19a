package transcribe

import (
	"context"
	"sync"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
)

// FakeRecognizer is a hand-driven Recognizer for tests: frames are
// recorded, events are injected by the test.
type FakeRecognizer struct {
	mu     sync.Mutex
	frames []audio.Frame
	resets int
	closed bool
	events chan TranscriptEvent
}

func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{events: make(chan TranscriptEvent, 32)}
}

// FakeFactory leases the given recognizers in order.
func FakeFactory(recs ...*FakeRecognizer) Factory {
	var mu sync.Mutex
	i := 0
	return func(_ context.Context, _ string, _ int) (Recognizer, error) {
		mu.Lock()
		defer mu.Unlock()
		r := recs[i%len(recs)]
		i++
		return r, nil
	}
}

func (f *FakeRecognizer) PushFrame(frame audio.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *FakeRecognizer) Events() <-chan TranscriptEvent { return f.events }

func (f *FakeRecognizer) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *FakeRecognizer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// EmitPartial injects a partial hypothesis.
func (f *FakeRecognizer) EmitPartial(text string, stability float64) {
	f.events <- TranscriptEvent{Type: EventPartial, Text: text, Stability: stability}
}

// EmitFinal injects a finalized transcript.
func (f *FakeRecognizer) EmitFinal(text string) {
	f.events <- TranscriptEvent{Type: EventFinal, Text: text}
}

// EmitError injects a terminal recognizer failure.
func (f *FakeRecognizer) EmitError(err error) {
	f.events <- TranscriptEvent{Type: EventError, Err: err}
}

// Frames returns a copy of every frame pushed so far.
func (f *FakeRecognizer) Frames() []audio.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]audio.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

// Resets reports how many times Reset was called.
func (f *FakeRecognizer) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Closed reports whether Close was called.
func (f *FakeRecognizer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
