// Package backend defines the minimum capability set the streaming core
// depends on, so the backing key-value/pub-sub store is pluggable: a
// counter, a TTL'd hash, and pub-sub notification, nothing more.
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a counter or hash key does not exist.
var ErrNotFound = errors.New("backend: not found")

// Frame is the pair of fields stored per (node_id, seq) key.
type Frame struct {
	Metadata []byte
	Payload  []byte
}

// Adapter is the capability surface the streaming core consumes. Every
// method may be called concurrently from many goroutines.
type Adapter interface {
	// CounterInitIfAbsent sets key to 0 only if it does not already exist.
	// Idempotent: a pre-existing key is left untouched and no error is
	// returned.
	CounterInitIfAbsent(ctx context.Context, key string) error

	// CounterIncr atomically post-increments key and returns the new
	// value. Returns ErrNotFound if the key is absent and the
	// implementation does not coalesce absence with init.
	CounterIncr(ctx context.Context, key string) (int64, error)

	// CounterGet returns the current value of key, or ErrNotFound if it
	// does not exist.
	CounterGet(ctx context.Context, key string) (int64, error)

	// CounterDelete removes key. Deleting an absent key is not an error.
	CounterDelete(ctx context.Context, key string) error

	// HashPut atomically writes both fields of frame under key with the
	// given time-to-live applied in the same operation.
	HashPut(ctx context.Context, key string, frame Frame, ttl int64) error

	// HashGet reads the (metadata, payload) pair stored under key.
	// Returns ErrNotFound if the key has expired or never existed.
	HashGet(ctx context.Context, key string) (Frame, error)

	// Publish sends an integer notification on channel.
	Publish(ctx context.Context, channel string, seq int64) error

	// Subscribe returns a Subscription delivering every notification
	// published on channel after the call returns. The subscription must
	// be cancelled via Close to release backend resources.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// KeysWithPrefix returns the set of keys observed under prefix. May be
	// eventually consistent with concurrent deletes.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Close releases any process-wide resources held by the adapter.
	Close() error
}

// Subscription is a cancellable, lazy sequence of integer notifications.
type Subscription interface {
	// Notifications returns a channel of sequence numbers. The channel is
	// closed when the subscription ends, whether due to Close or a
	// backend-side error; consult Err after the channel closes.
	Notifications() <-chan int64

	// Err returns the error that ended the subscription, if any. Only
	// meaningful after the Notifications channel has closed.
	Err() error

	// Close cancels the subscription and releases backend resources. Safe
	// to call more than once.
	Close() error
}
