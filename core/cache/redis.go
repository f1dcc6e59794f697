package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getkayan/kayan-connect/core/domain"
	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements domain.Cache on top of a Redis server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed cache. Every key is stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "kayan:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis cache: %w: ttl must be positive", domain.ErrInvalidArgument)
	}
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: set failed: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get failed: %w", err)
	}
	return val, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis cache: delete failed: %w", err)
	}
	return nil
}

// Take uses GETDEL so concurrent takers never both observe the value.
func (r *Redis) Take(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.GetDel(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: take failed: %w", err)
	}
	return val, nil
}

// SetIfAbsent uses SET NX.
func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("redis cache: %w: ttl must be positive", domain.ErrInvalidArgument)
	}
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis cache: set if absent failed: %w", err)
	}
	return ok, nil
}

// Replace uses SET XX so a key deleted concurrently is never recreated.
func (r *Redis) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("redis cache: %w: ttl must be positive", domain.ErrInvalidArgument)
	}
	ok, err := r.client.SetXX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis cache: replace failed: %w", err)
	}
	return ok, nil
}

// Ping reports whether the server is reachable. Used by health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// ---- Redis Invalidation Broadcaster ----

// InvalidateAll is the message payload meaning "drop every registration".
const InvalidateAll = "*"

// RedisBroadcaster fans client-registry invalidations out to every instance
// subscribed to the same channel.
type RedisBroadcaster struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisBroadcaster creates a broadcaster on the given pub/sub channel.
func NewRedisBroadcaster(client redis.UniversalClient, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = "kayan:registry:invalidate"
	}
	return &RedisBroadcaster{client: client, channel: channel}
}

// Publish announces that registrationID changed. An empty id means all.
func (b *RedisBroadcaster) Publish(ctx context.Context, registrationID string) error {
	if registrationID == "" {
		registrationID = InvalidateAll
	}
	if err := b.client.Publish(ctx, b.channel, registrationID).Err(); err != nil {
		return fmt.Errorf("redis broadcaster: publish failed: %w", err)
	}
	return nil
}

// Subscribe calls fn for every announced registration id ("" for all) until
// ctx is done.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, fn func(registrationID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis broadcaster: subscribe failed: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id := msg.Payload
			if id == InvalidateAll {
				id = ""
			}
			logger.Log.Debug("registry invalidation received", zap.String("registration_id", msg.Payload))
			fn(id)
		}
	}
}
