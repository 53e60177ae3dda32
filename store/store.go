// Package store defines the shared key/value and pub/sub contract every
// replica coordinates through, together with its Redis implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key is absent from the store.
var ErrNotFound = errors.New("key not found")

// SetOptions controls conditional semantics of Store.Set.
type SetOptions struct {
	// TTL sets the key expiry; zero leaves the key without expiry.
	TTL time.Duration
	// OnlyIfAbsent applies the write only when the key does not exist.
	OnlyIfAbsent bool
	// OnlyIfPresent applies the write only when the key already exists.
	OnlyIfPresent bool
	// KeepTTL preserves the remaining expiry of an existing key.
	KeepTTL bool
	// ReturnPrevious requests the prior value in SetResult.Previous.
	ReturnPrevious bool
}

// SetResult reports the outcome of a conditional Set.
type SetResult struct {
	// Applied is true when the write took effect.
	Applied bool
	// Previous holds the prior value when requested and present.
	Previous []byte
	// HadPrevious reports whether a prior value existed.
	HadPrevious bool
}

// MessageFunc consumes a single pub/sub payload.
type MessageFunc func(payload []byte)

// ErrorFunc consumes a subscription failure. After it fires the subscription
// is no longer delivering and must be closed by its owner.
type ErrorFunc func(err error)

// Subscription represents an active channel subscription.
type Subscription interface {
	// Channel returns the subscribed channel name.
	Channel() string
	// Close terminates the subscription; safe to call more than once.
	Close() error
}

// Store is the shared store every component coordinates through. Publish and
// Subscribe are best-effort, at-most-once, per-channel FIFO from a single
// publisher.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, options SetOptions) (*SetResult, error)
	Delete(ctx context.Context, key string) (bool, error)
	GetDelete(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers onMessage for the channel. The subscription is
	// confirmed with the store before Subscribe returns, so a publish issued
	// afterwards on any connection cannot be missed.
	Subscribe(ctx context.Context, channel string, onMessage MessageFunc, onError ErrorFunc) (Subscription, error)
	SubscriberCount(ctx context.Context, channel string) (int64, error)
}
