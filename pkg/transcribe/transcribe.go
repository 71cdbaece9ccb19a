// Package transcribe turns caller audio into text via a streaming
// speech-recognition upstream. A session leases one Recognizer for its
// whole life; partial hypotheses drive barge-in, finals drive turns.
package transcribe

import (
	"context"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/pool"
)

// EventType tags recognizer output.
type EventType int

const (
	// EventPartial is an unstable hypothesis for the current utterance.
	EventPartial EventType = iota
	// EventFinal is the settled transcript of a finished utterance.
	EventFinal
	// EventError reports a recognizer failure; the handle is dead after it.
	EventError
)

// TranscriptEvent is one recognizer result.
type TranscriptEvent struct {
	Type EventType
	Text string
	// Stability in [0,1]; only meaningful on partials.
	Stability  float64
	OffsetMS   int64
	DurationMS int64
	Err        error
}

// Recognizer is one leased streaming recognition session.
type Recognizer interface {
	// PushFrame feeds one 20 ms frame. Must not block past the
	// recognizer's internal buffer; callers treat a slow push as drop
	// pressure.
	PushFrame(f audio.Frame) error

	// Events delivers transcript events in utterance order. Closed
	// after Close or a terminal error.
	Events() <-chan TranscriptEvent

	// Reset discards the in-flight utterance without closing the
	// upstream session.
	Reset() error

	Close() error
}

// Factory opens a fresh recognizer session.
type Factory func(ctx context.Context, sessionID string, sampleRate int) (Recognizer, error)

// Pool bounds concurrent recognizer sessions against the upstream.
type Pool struct {
	limiter *pool.Limiter
	factory Factory
}

func NewPool(size int, factory Factory) *Pool {
	return &Pool{limiter: pool.New("stt", size), factory: factory}
}

// Limiter exposes the underlying lease limiter for gauge wiring.
func (p *Pool) Limiter() *pool.Limiter { return p.limiter }

// Acquire leases a recognizer. The returned release closes the handle
// and frees the lease; it is idempotent.
func (p *Pool) Acquire(ctx context.Context, sessionID string, sampleRate int) (Recognizer, func(), error) {
	free, err := p.limiter.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec, err := p.factory(ctx, sessionID, sampleRate)
	if err != nil {
		free()
		return nil, nil, err
	}
	release := func() {
		_ = rec.Close()
		free()
	}
	return rec, release, nil
}

// Replace swaps a failed recognizer for a fresh session under the same
// lease. The dead handle is closed regardless of the outcome.
func (p *Pool) Replace(ctx context.Context, dead Recognizer, sessionID string, sampleRate int) (Recognizer, error) {
	_ = dead.Close()
	return p.factory(ctx, sessionID, sampleRate)
}
