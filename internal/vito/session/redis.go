package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/vito/internal/vito/store"
)

const (
	// DefaultRedisPrefix namespaces session keys.
	DefaultRedisPrefix = "vito:session:"

	// maxWatchRetries bounds optimistic-lock retries on a contended key.
	maxWatchRetries = 5
)

// RedisStore keeps one JSON document per user. Each key's Redis TTL equals
// the inactivity window, so Redis itself expires idle sessions; SweepExpired
// only catches documents whose TTL was lost (e.g. PERSIST by an operator).
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   Options
	logger *slog.Logger
}

// NewRedisStore returns a store on client. An empty prefix uses
// DefaultRedisPrefix. The store owns the client and closes it on Close.
func NewRedisStore(client redis.UniversalClient, prefix string, opts Options, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts.withDefaults(), logger: logger}
}

func (r *RedisStore) key(userID string) string {
	return r.prefix + userID
}

// GetOrCreate implements Store.
func (r *RedisStore) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	var out *Session
	err := r.update(ctx, userID, func(s *Session, fresh bool) bool {
		out = s
		return fresh
	})
	if err != nil {
		return nil, store.Unavailable("session redis: get", err)
	}
	out.Turns = cloneTurns(out.Turns)
	return out, nil
}

// Append implements Store.
func (r *RedisStore) Append(ctx context.Context, userID string, role Role, content string) error {
	err := r.update(ctx, userID, func(s *Session, _ bool) bool {
		now := r.opts.Now()
		s.Turns = r.opts.Limits.Apply(append(s.Turns, Turn{Role: role, Content: content, Timestamp: now}))
		s.LastActivity = now
		return true
	})
	return store.Unavailable("session redis: append", err)
}

// Reset implements Store.
func (r *RedisStore) Reset(ctx context.Context, userID string) error {
	return store.Unavailable("session redis: reset", r.client.Del(ctx, r.key(userID)).Err())
}

// SweepExpired implements Store. Each candidate is re-checked under WATCH so
// a session appended to during the scan is kept.
func (r *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			s, err := r.load(ctx, tx, key)
			if err != nil || s == nil {
				return err
			}
			if !Expired(s.LastActivity, r.opts.TTL, now) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err == nil {
				removed++
			}
			return err
		}, key)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return removed, store.Unavailable("session redis: sweep", err)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, store.Unavailable("session redis: scan", err)
	}
	return removed, nil
}

// Count implements Store.
func (r *RedisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, store.Unavailable("session redis: count", err)
	}
	return n, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// update runs mutate on the user's live session under WATCH/MULTI/EXEC and
// writes it back when mutate returns true. fresh reports that the session
// was missing or expired and has just been started.
func (r *RedisStore) update(ctx context.Context, userID string, mutate func(s *Session, fresh bool) bool) error {
	key := r.key(userID)
	txf := func(tx *redis.Tx) error {
		now := r.opts.Now()
		s, err := r.load(ctx, tx, key)
		if err != nil {
			return err
		}
		fresh := s == nil || Expired(s.LastActivity, r.opts.TTL, now)
		if fresh {
			started := newSession(userID, now)
			s = &started
		}
		if !mutate(s, fresh) {
			return nil
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.opts.TTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		r.logger.Debug("session redis: watch conflict, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

// load returns the decoded session at key, or nil when the key is absent.
// A document that no longer decodes is treated as absent.
func (r *RedisStore) load(ctx context.Context, tx *redis.Tx, key string) (*Session, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		r.logger.Warn("session redis: discarding undecodable session", "redis_entry", key, "err", err)
		return nil, nil
	}
	return &s, nil
}
