package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	types "github.com/sebas/voicebridge/api/types/v1"
)

const (
	sessionKeyPrefix = "voicebridge:session:"
	sessionIndexKey  = "voicebridge:sessions"
)

// RedisOptions configures the Redis repository.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisRepository shares session snapshots between voicebridge instances.
// Each snapshot is a JSON string with a TTL; a set indexes the live call ids.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository connects and pings the server.
func NewRedisRepository(ctx context.Context, opts RedisOptions) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRepository{client: client, ttl: ttl}, nil
}

func sessionKey(callID string) string {
	return sessionKeyPrefix + callID
}

func (r *RedisRepository) Save(ctx context.Context, s types.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.CallID), data, r.ttl)
	pipe.SAdd(ctx, sessionIndexKey, s.CallID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", s.CallID, err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, callID string) (types.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Session{}, ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("get session %s: %w", callID, err)
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return types.Session{}, fmt.Errorf("unmarshal session %s: %w", callID, err)
	}
	return s, nil
}

// List returns all indexed snapshots. Index members whose snapshot expired
// are pruned from the index.
func (r *RedisRepository) List(ctx context.Context) ([]types.Session, error) {
	ids, err := r.client.SMembers(ctx, sessionIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []types.Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]types.Session, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var s types.Session
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, sessionIndexKey, stale...)
	}
	sortByStart(out)
	return out, nil
}

func (r *RedisRepository) Delete(ctx context.Context, callID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(callID))
	pipe.SRem(ctx, sessionIndexKey, callID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session %s: %w", callID, err)
	}
	return nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
