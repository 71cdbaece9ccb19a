package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:session:", time.Hour)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore_CreateAndLoad(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	rec := NewRecord("s-1", TransportBrowser, "worker-a", 16000)
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Load(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, StateGreeting, got.State)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "worker-a", got.OwnerID)

	err = store.Create(ctx, NewRecord("s-1", TransportBrowser, "worker-b", 16000))
	assert.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestRedisStore_LoadNotFound(t *testing.T) {
	store, _ := setupStore(t)
	_, err := store.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisStore_MutateCommits(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-2", TransportBrowser, "worker-a", 16000)))

	got, err := store.Mutate(ctx, "s-2", "worker-a", func(r *Record) error {
		return r.Transition(StateListening)
	})
	require.NoError(t, err)
	assert.Equal(t, StateListening, got.State)
	assert.Equal(t, int64(2), got.Version)

	reloaded, err := store.Load(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, StateListening, reloaded.State)
	assert.Equal(t, int64(2), reloaded.Version)
}

func TestRedisStore_MutateRejectsNonOwner(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-3", TransportBrowser, "worker-a", 16000)))

	_, err := store.Mutate(ctx, "s-3", "worker-b", func(r *Record) error { return nil })
	assert.True(t, errors.Is(err, ErrNotOwner))
}

func TestRedisStore_MutateRetriesLostRace(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-4", TransportBrowser, "worker-a", 16000)))

	// Simulate a concurrent commit on the first attempt by bumping the
	// version token behind Mutate's back.
	raced := false
	got, err := store.Mutate(ctx, "s-4", "worker-a", func(r *Record) error {
		if !raced {
			raced = true
			require.NoError(t, store.client.Incr(ctx, store.versionKey("s-4")).Err())
		}
		r.Context["greeted"] = "true"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "true", got.Context["greeted"])
	assert.Equal(t, int64(3), got.Version)
}

func TestRedisStore_MutateCallbackErrorAborts(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-5", TransportBrowser, "worker-a", 16000)))

	boom := errors.New("boom")
	_, err := store.Mutate(ctx, "s-5", "worker-a", func(r *Record) error {
		r.Context["leak"] = "no"
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got, err := store.Load(ctx, "s-5")
	require.NoError(t, err)
	assert.Empty(t, got.Context["leak"])
	assert.Equal(t, int64(1), got.Version)
}

func TestRedisStore_BumpCancelEpoch(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-6", TransportBrowser, "worker-a", 16000)))

	// Any worker may bump, including non-owners.
	epoch, err := store.BumpCancelEpoch(ctx, "s-6")
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)

	epoch, err = store.BumpCancelEpoch(ctx, "s-6")
	require.NoError(t, err)
	assert.Equal(t, int64(2), epoch)

	got, err := store.Load(ctx, "s-6")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CancelEpoch)

	_, err = store.BumpCancelEpoch(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisStore_SubscribeDeliversEpochBump(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-7", TransportBrowser, "worker-a", 16000)))

	events, cancel, err := store.Subscribe(ctx, "s-7")
	require.NoError(t, err)
	defer cancel()

	_, err = store.BumpCancelEpoch(ctx, "s-7")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventEpochBumped, ev.Type)
		assert.Equal(t, int64(1), ev.CancelEpoch)
		assert.Equal(t, "s-7", ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no epoch event delivered")
	}
}

func TestRedisStore_SubscribeDeliversStateChange(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-8", TransportBrowser, "worker-a", 16000)))

	events, cancel, err := store.Subscribe(ctx, "s-8")
	require.NoError(t, err)
	defer cancel()

	_, err = store.Mutate(ctx, "s-8", "worker-a", func(r *Record) error {
		return r.Transition(StateListening)
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventStateChanged, ev.Type)
		assert.Equal(t, StateListening, ev.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no state event delivered")
	}
}

func TestRedisStore_TouchKeepsVersion(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	rec := NewRecord("s-9", TransportBrowser, "worker-a", 16000)
	require.NoError(t, store.Create(ctx, rec))

	before, err := store.Load(ctx, "s-9")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, "s-9"))

	after, err := store.Load(ctx, "s-9")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))

	// TTL refreshed on the record key.
	assert.Greater(t, mr.TTL(store.recordKey("s-9")), time.Duration(0))
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, NewRecord("s-10", TransportBrowser, "worker-a", 16000)))
	require.NoError(t, store.Delete(ctx, "s-10"))

	_, err := store.Load(ctx, "s-10")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRedisStore_ClosedStore(t *testing.T) {
	store, _ := setupStore(t)
	require.NoError(t, store.Close())

	_, err := store.Load(context.Background(), "s")
	assert.True(t, errors.Is(err, ErrStoreClosed))
	assert.NoError(t, store.Close())
}
