package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxbridge-dev/voxbridge/internal/log"
)

// RedisStore implements Store on a shared Redis cache, suitable for
// multi-worker deployments. Records are stored as JSON with the version
// token in a sibling key so commits can be checked atomically in a script.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default "vox:session:").
	Prefix string
	// TTL is the idle record expiry (default 24h).
	TTL time.Duration
	// PoolSize is the connection pool size (default 10).
	PoolSize int
}

// commitScript commits a record iff the version token is unchanged, then
// bumps the token and refreshes all TTLs.
// KEYS: record, version, epoch. ARGV: expected version, json, ttl ms.
var commitScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return 1
`)

// touchScript rewrites the record without bumping the version token.
// KEYS: record, version. ARGV: expected version, json, ttl ms.
var touchScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("session: redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "vox:session:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) recordKey(id string) string  { return s.prefix + id }
func (s *RedisStore) versionKey(id string) string { return s.prefix + id + ":ver" }
func (s *RedisStore) epochKey(id string) string   { return s.prefix + id + ":epoch" }
func (s *RedisStore) eventsChan(id string) string { return s.prefix + "events:" + id }

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create stores a fresh record at version 1.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.SessionID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.versionKey(rec.SessionID), "1", s.ttl)
	pipe.Set(ctx, s.epochKey(rec.SessionID), "0", s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session keys: %w", err)
	}
	return nil
}

// Load retrieves the record plus the live cancel epoch.
func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	recCmd := pipe.Get(ctx, s.recordKey(sessionID))
	verCmd := pipe.Get(ctx, s.versionKey(sessionID))
	epochCmd := pipe.Get(ctx, s.epochKey(sessionID))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	data, err := recCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}

	if ver, verr := strconv.ParseInt(verCmd.Val(), 10, 64); verr == nil {
		rec.Version = ver
	}
	// The epoch key is written by non-owners; it wins over the copy
	// serialized inside the record.
	if epoch, eerr := strconv.ParseInt(epochCmd.Val(), 10, 64); eerr == nil && epoch > rec.CancelEpoch {
		rec.CancelEpoch = epoch
	}
	return &rec, nil
}

// Mutate applies fn under optimistic versioning, retrying lost races.
func (s *RedisStore) Mutate(ctx context.Context, sessionID, ownerID string, fn MutateFunc) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < MutateRetries; attempt++ {
		cur, err := s.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if cur.OwnerID != ownerID {
			return nil, fmt.Errorf("session %s owned by %s: %w", sessionID, cur.OwnerID, ErrNotOwner)
		}

		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.Version = cur.Version + 1

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}

		keys := []string{s.recordKey(sessionID), s.versionKey(sessionID), s.epochKey(sessionID)}
		argv := []any{strconv.FormatInt(cur.Version, 10), data, s.ttl.Milliseconds()}
		committed, err := commitScript.Run(ctx, s.client, keys, argv...).Int()
		if err != nil {
			return nil, fmt.Errorf("commit session: %w", err)
		}
		if committed != 1 {
			continue
		}

		if next.State != cur.State {
			s.publish(ctx, Event{
				SessionID:   sessionID,
				Type:        EventStateChanged,
				State:       next.State,
				CancelEpoch: next.CancelEpoch,
			})
		}
		return next, nil
	}
	return nil, ErrConflict
}

// Touch refreshes last_activity_at and TTLs without a version bump. A
// commit race here is harmless, so one attempt suffices.
func (s *RedisStore) Touch(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	cur, err := s.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	cur.LastActivityAt = time.Now().UTC()

	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	keys := []string{s.recordKey(sessionID), s.versionKey(sessionID)}
	argv := []any{strconv.FormatInt(cur.Version, 10), data, s.ttl.Milliseconds()}
	committed, err := touchScript.Run(ctx, s.client, keys, argv...).Int()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if committed != 1 {
		// Lost to a concurrent Mutate, which already refreshed the TTL.
		return nil
	}
	return s.client.PExpire(ctx, s.epochKey(sessionID), s.ttl).Err()
}

// BumpCancelEpoch increments the epoch counter. This is the only write a
// non-owner worker may perform; it drives cross-worker barge-in.
func (s *RedisStore) BumpCancelEpoch(ctx context.Context, sessionID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	if err := s.client.Get(ctx, s.recordKey(sessionID)).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("bump epoch: %w", err)
	}

	epoch, err := s.client.Incr(ctx, s.epochKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump epoch: %w", err)
	}
	_ = s.client.PExpire(ctx, s.epochKey(sessionID), s.ttl).Err()

	s.publish(ctx, Event{SessionID: sessionID, Type: EventEpochBumped, CancelEpoch: epoch})
	return epoch, nil
}

// Subscribe relays session events until cancel is called. Slow consumers
// lose events; delivery is best-effort by contract.
func (s *RedisStore) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	ps := s.client.Subscribe(ctx, s.eventsChan(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe session: %w", err)
	}

	out := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn("malformed session event", "session_id", sessionID, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

// Delete removes the record and its sibling keys.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.recordKey(sessionID))
	pipe.Del(ctx, s.versionKey(sessionID))
	pipe.Del(ctx, s.epochKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisStore) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.eventsChan(ev.SessionID), data).Err(); err != nil {
		log.Debug("session event publish failed", "session_id", ev.SessionID, "error", err)
	}
}
