package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisStore implements Store on top of a Redis client. Pub/sub subscriptions
// are confirmed before Subscribe returns, which gives the relay its
// subscribe-then-publish ordering guarantee.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store from a Redis URL (redis://...), verifying
// connectivity with a ping.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.ReadTimeout == 0 {
		options.ReadTimeout = DefaultReadTimeout
	}
	if options.WriteTimeout == 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client (used with miniredis in tests).
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the value stored under key or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Set writes value under key honoring the conditional options.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, options SetOptions) (*SetResult, error) {
	args := redis.SetArgs{
		TTL:     options.TTL,
		KeepTTL: options.KeepTTL,
		Get:     options.ReturnPrevious,
	}
	switch {
	case options.OnlyIfAbsent:
		args.Mode = "NX"
	case options.OnlyIfPresent:
		args.Mode = "XX"
	}
	previous, err := s.client.SetArgs(ctx, key, value, args).Result()
	result := &SetResult{}
	if options.ReturnPrevious {
		// With GET the reply is the prior value; a nil reply means there was none.
		if err == redis.Nil {
			result.Applied = !options.OnlyIfPresent
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
		result.Previous = []byte(previous)
		result.HadPrevious = true
		result.Applied = !options.OnlyIfAbsent
		return result, nil
	}
	if err == redis.Nil {
		// NX/XX condition not met.
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", key, err)
	}
	result.Applied = true
	return result, nil
}

// Delete removes key, reporting whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return removed > 0, nil
}

// GetDelete atomically reads and removes key.
func (s *RedisStore) GetDelete(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getdel %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return count > 0, nil
}

// Publish sends payload on channel; delivery is best effort.
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers onMessage for channel. The subscription is confirmed
// with the server before returning.
func (s *RedisStore) Subscribe(ctx context.Context, channel string, onMessage MessageFunc, onError ErrorFunc) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	subscription := &redisSubscription{channel: channel, pubsub: pubsub}
	go subscription.pump(onMessage, onError)
	return subscription, nil
}

// SubscriberCount returns the number of live subscribers on channel.
func (s *RedisStore) SubscriberCount(ctx context.Context, channel string) (int64, error) {
	counts, err := s.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("numsub %s: %w", channel, err)
	}
	return counts[channel], nil
}

type redisSubscription struct {
	channel string
	pubsub  *redis.PubSub
	closed  atomic.Bool
}

func (s *redisSubscription) Channel() string {
	return s.channel
}

func (s *redisSubscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.pubsub.Close()
}

// pump delivers messages sequentially; per-channel order is preserved.
func (s *redisSubscription) pump(onMessage MessageFunc, onError ErrorFunc) {
	messages := s.pubsub.Channel()
	for message := range messages {
		onMessage([]byte(message.Payload))
	}
	// Channel closed: either Close was called or the connection dropped.
	if !s.closed.Load() && onError != nil {
		onError(fmt.Errorf("subscription on %s lost", s.channel))
	}
}
