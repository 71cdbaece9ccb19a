package llm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge-dev/voxbridge/pkg/fault"
	"github.com/voxbridge-dev/voxbridge/pkg/pool"
)

func manyTokens(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%d ", i)
	}
	return out
}

func TestLimitedChat_HoldsLeaseUntilStreamDrained(t *testing.T) {
	tokens := manyTokens(20)
	lim := pool.New("llm", 1)
	chat := NewLimitedChat(NewScriptedChat(ScriptedReply{Tokens: tokens}), lim)

	first, err := chat.StreamChat(context.Background(), ChatRequest{})
	require.NoError(t, err)

	// The first stream is not drained, so its lease is still held and a
	// second stream has to wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = chat.StreamChat(ctx, ChatRequest{})
	cancel()
	require.Error(t, err)
	assert.Equal(t, fault.KindTimeout, fault.KindOf(err))

	got := 0
	for range first {
		got++
	}
	assert.Equal(t, len(tokens)+1, got)

	second, err := chat.StreamChat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	for range second {
	}
}

func TestLimitedChat_ReleasesLeaseOnCancel(t *testing.T) {
	lim := pool.New("llm", 1)
	chat := NewLimitedChat(NewScriptedChat(ScriptedReply{Tokens: manyTokens(40)}), lim)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := chat.StreamChat(ctx, ChatRequest{})
	require.NoError(t, err)
	<-stream
	cancel()

	// The abandoned stream frees its lease, so the next one acquires.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	next, err := chat.StreamChat(ctx2, ChatRequest{})
	require.NoError(t, err)
	for range next {
	}
}
