package synthesize

import (
	"context"
	"sync"
	"time"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
)

// FakeSynthesizer emits a fixed number of frames per text chunk, with an
// optional delay so tests can cancel mid-stream.
type FakeSynthesizer struct {
	SampleRate    int
	FramesPerText int
	FrameDelay    time.Duration

	mu        sync.Mutex
	texts     []string
	voices    []string
	cancelled int
	closed    bool
}

func NewFakeSynthesizer(sampleRate int) *FakeSynthesizer {
	return &FakeSynthesizer{SampleRate: sampleRate, FramesPerText: 2}
}

// FakeSynthFactory always leases the given fake.
func FakeSynthFactory(f *FakeSynthesizer) Factory {
	return func(_ context.Context, _ string, _ int) (Synthesizer, error) {
		return f, nil
	}
}

func (f *FakeSynthesizer) Synthesize(ctx context.Context, text <-chan string, voice string) (<-chan audio.Frame, error) {
	f.mu.Lock()
	f.voices = append(f.voices, voice)
	f.mu.Unlock()

	frames := make(chan audio.Frame, 64)
	go func() {
		defer close(frames)
		pcm := make([]byte, audio.FrameBytes(f.SampleRate))
		for {
			select {
			case <-ctx.Done():
				f.mu.Lock()
				f.cancelled++
				f.mu.Unlock()
				return
			case chunk, ok := <-text:
				if !ok {
					return
				}
				f.mu.Lock()
				f.texts = append(f.texts, chunk)
				f.mu.Unlock()
				for i := 0; i < f.FramesPerText; i++ {
					if f.FrameDelay > 0 {
						select {
						case <-time.After(f.FrameDelay):
						case <-ctx.Done():
							f.mu.Lock()
							f.cancelled++
							f.mu.Unlock()
							return
						}
					}
					select {
					case frames <- audio.NewFrame(pcm, f.SampleRate, 0):
					case <-ctx.Done():
						f.mu.Lock()
						f.cancelled++
						f.mu.Unlock()
						return
					}
				}
			}
		}
	}()
	return frames, nil
}

func (f *FakeSynthesizer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Texts returns every text chunk synthesized so far.
func (f *FakeSynthesizer) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

// Voices returns the voice requested by each stream.
func (f *FakeSynthesizer) Voices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.voices))
	copy(out, f.voices)
	return out
}

// Cancelled reports how many streams ended by cancellation.
func (f *FakeSynthesizer) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}
