package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

const DefaultRedisPrefix = "llmtrace:"

// Redis keeps properties as msgpack envelopes under prefix+key.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

type redisEnvelope struct {
	Value     []byte `msgpack:"value"`
	UpdatedAt int64  `msgpack:"updated_at"`
}

// NewRedis wraps client. A zero ttl keeps keys until they are deleted.
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k Property) string {
	return r.prefix + string(k)
}

func (r *Redis) GetProperty(ctx context.Context, key Property) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var env redisEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return env.Value, nil
}

func (r *Redis) SetProperty(ctx context.Context, key Property, value []byte) error {
	if value == nil {
		if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
		return nil
	}
	raw, err := msgpack.Marshal(&redisEnvelope{Value: value, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
