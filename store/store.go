package store

import (
	"context"
)

// Store defines a generic key-value store interface that can be used
// for various purposes (sessions, messages, metadata, etc.)
type Store[T any] interface {
	Reader[T]
	Metrics

	// Save stores or updates a value by key
	Save(ctx context.Context, key string, value T) error

	// Delete removes a value by key
	Delete(ctx context.Context, key string) error

	// Close closes the store
	Close() error
}

type Reader[T any] interface {
	// Load retrieves a value by key
	Load(ctx context.Context, key string) (T, error)

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys
	List(ctx context.Context) ([]string, error)
}

// Metrics provides metrics about the store
type Metrics interface {
	// Count returns the total number of items
	Count(ctx context.Context) (int64, error)
}

// Expirable is implemented by values a Store can proactively sweep once
// they have outlived their own notion of expiry - a retained message past
// its MQTT5 Message Expiry Interval, a session past its Session Expiry
// Interval - rather than only discovering staleness lazily on the next
// Load/Match.
type Expirable interface {
	IsExpired() bool
}

// PruneExpired deletes every key in s whose stored value reports itself
// expired, and returns how many were removed. It is backend-agnostic: the
// same sweep runs over a MemoryStore, PebbleStore or RedisStore since all
// three only need List/Load/Delete to implement it.
func PruneExpired[T Expirable](ctx context.Context, s Store[T]) (int, error) {
	keys, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	var pruned int
	for _, key := range keys {
		value, err := s.Load(ctx, key)
		if err != nil {
			continue
		}
		if !value.IsExpired() {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			continue
		}
		pruned++
	}

	return pruned, nil
}
