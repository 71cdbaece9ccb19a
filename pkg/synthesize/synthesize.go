// Package synthesize turns agent text into ordered 20 ms PCM frames via
// a streaming text-to-speech upstream. One synthesis stream serves one
// turn; cancelling its context stops emission promptly for barge-in.
package synthesize

import (
	"context"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/pool"
)

// Synthesizer produces speech for one turn at a time.
type Synthesizer interface {
	// Synthesize streams text in and frames out. The frame channel is
	// closed when synthesis finishes or ctx is cancelled; after cancel
	// no frame older than the in-flight one is emitted.
	Synthesize(ctx context.Context, text <-chan string, voice string) (<-chan audio.Frame, error)

	Close() error
}

// Factory opens a fresh synthesizer session.
type Factory func(ctx context.Context, sessionID string, sampleRate int) (Synthesizer, error)

// Pool bounds concurrent synthesizer sessions against the upstream.
type Pool struct {
	limiter *pool.Limiter
	factory Factory
}

func NewPool(size int, factory Factory) *Pool {
	return &Pool{limiter: pool.New("tts", size), factory: factory}
}

// Limiter exposes the underlying lease limiter for gauge wiring.
func (p *Pool) Limiter() *pool.Limiter { return p.limiter }

// Acquire leases a synthesizer. The returned release closes the handle
// and frees the lease; it is idempotent.
func (p *Pool) Acquire(ctx context.Context, sessionID string, sampleRate int) (Synthesizer, func(), error) {
	free, err := p.limiter.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	syn, err := p.factory(ctx, sessionID, sampleRate)
	if err != nil {
		free()
		return nil, nil, err
	}
	release := func() {
		_ = syn.Close()
		free()
	}
	return syn, release, nil
}
