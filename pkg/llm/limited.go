package llm

import (
	"context"

	"github.com/voxbridge-dev/voxbridge/pkg/pool"
)

// limitedChat caps concurrent chat streams with a shared limiter. A
// lease is held from the first byte of the request until the event
// stream closes, so a stalled consumer counts against the cap.
type limitedChat struct {
	inner ChatStreamer
	lim   *pool.Limiter
}

// NewLimitedChat wraps a ChatStreamer so at most the limiter's capacity
// of streams run at once. Acquire blocks until a lease frees or ctx ends.
func NewLimitedChat(inner ChatStreamer, lim *pool.Limiter) ChatStreamer {
	return &limitedChat{inner: inner, lim: lim}
}

func (l *limitedChat) StreamChat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error) {
	release, err := l.lim.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	events, err := l.inner.StreamChat(ctx, req)
	if err != nil {
		release()
		return nil, err
	}

	out := make(chan ChatEvent, 16)
	go func() {
		defer close(out)
		defer release()
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				// Unblock the inner stream so its lease resources
				// unwind too.
				for range events {
				}
				return
			}
		}
	}()
	return out, nil
}
