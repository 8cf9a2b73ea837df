// Package redisbackend implements internal/backend.Adapter over Redis: a
// seq_num:{id} integer counter, a data:{id}:{seq} hash with metadata/payload
// fields and a TTL, and a notify:{id} pub/sub channel carrying sequence
// numbers as ASCII integers. setnx handles init, incr the counter, a
// MULTI/EXEC-pipelined hset+expire the frame write, publish the
// notification (a separate call), and keys the prefix listing.
package redisbackend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NSLS2/test-redis-ws/internal/backend"
)

const (
	fieldMetadata = "metadata"
	fieldPayload  = "payload"
)

// Backend adapts a go-redis client to backend.Adapter.
type Backend struct {
	client *redis.Client
}

// New connects to the Redis instance identified by url (e.g.
// "redis://localhost:6379/0").
func New(url string) (*Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisbackend: parse url: %w", err)
	}
	return &Backend{client: redis.NewClient(opts)}, nil
}

func (b *Backend) CounterInitIfAbsent(ctx context.Context, key string) error {
	return b.client.SetNX(ctx, key, 0, 0).Err()
}

func (b *Backend) CounterIncr(ctx context.Context, key string) (int64, error) {
	// INCR on an absent key creates it at 0 then increments, which
	// coalesces absence with init.
	return b.client.Incr(ctx, key).Result()
}

func (b *Backend) CounterGet(ctx context.Context, key string) (int64, error) {
	v, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, backend.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (b *Backend) CounterDelete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *Backend) HashPut(ctx context.Context, key string, frame backend.Frame, ttl int64) error {
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldMetadata: frame.Metadata,
		fieldPayload:  frame.Payload,
	})
	if ttl > 0 {
		pipe.Expire(ctx, key, time.Duration(ttl)*time.Second)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Backend) HashGet(ctx context.Context, key string) (backend.Frame, error) {
	vals, err := b.client.HMGet(ctx, key, fieldMetadata, fieldPayload).Result()
	if err != nil {
		return backend.Frame{}, err
	}
	if vals[0] == nil && vals[1] == nil {
		return backend.Frame{}, backend.ErrNotFound
	}
	return backend.Frame{
		Metadata: toBytes(vals[0]),
		Payload:  toBytes(vals[1]),
	}, nil
}

func (b *Backend) Publish(ctx context.Context, channel string, seq int64) error {
	return b.client.Publish(ctx, channel, seq).Err()
}

func (b *Backend) Subscribe(ctx context.Context, channel string) (backend.Subscription, error) {
	sub := b.client.Subscribe(ctx, channel)
	// Confirm the subscription is established before returning, the way
	// the original awaits pubsub.subscribe() before entering its listen
	// loop.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	return newSubscription(sub), nil
}

func (b *Backend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	return b.client.Keys(ctx, prefix+"*").Result()
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func toBytes(v interface{}) []byte {
	if v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return []byte(s)
}
