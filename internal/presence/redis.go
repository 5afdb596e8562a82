// ABOUTME: Publishes presence events onto a Redis list for downstream consumers.
// ABOUTME: Each event is msgpack encoded and appended with RPUSH.

package presence

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRedisKey is the list presence events are pushed to.
const DefaultRedisKey = "minion_presence_events"

// Publisher forwards presence events outside the gateway.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// RedisPublisher pushes events onto a Redis list.
type RedisPublisher struct {
	rdb *redis.Client
	key string
}

// NewRedisPublisher creates a publisher from a redis:// URL and verifies the server answers.
func NewRedisPublisher(ctx context.Context, url, key string) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisPublisherWithClient(rdb, key), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(rdb *redis.Client, key string) *RedisPublisher {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisPublisher{rdb: rdb, key: key}
}

// Publish appends ev to the list.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encoding presence event: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.key, b).Err(); err != nil {
		return fmt.Errorf("pushing presence event: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

var _ Publisher = (*RedisPublisher)(nil)
