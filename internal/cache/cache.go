// Package cache defines the typed TTL key-value contract the engines
// depend on, plus an in-memory implementation.
//
// The contract is deliberately narrow: scalar get/set with TTL, an atomic
// counter, and set/list/hash operations used for the trigger index and
// tracking sets. Values round-trip through JSON, so any backing store that
// speaks bytes can implement it. Readers must treat a miss as
// authoritative "not cached" — a KindNotFound error, never a zero value.
package cache

import (
	"context"
	"time"
)

// Store is the cache contract (C1). All operations are safe for
// concurrent use. Failure of any op returns an error; no partial
// visibility.
type Store interface {
	// Get unmarshals the value at key into dest. KindNotFound on miss or
	// after expiry.
	Get(ctx context.Context, key string, dest any) error
	// SetWithTTL stores value (JSON-marshaled) under key. The entry is
	// readable for at least ttl−1s and gone no later than ttl+2s.
	// ttl <= 0 means no expiry.
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically adds delta to the integer at key (missing key counts
	// as 0) and returns the new value. Linearizable.
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	// LPop removes and returns the head of the list. KindNotFound when the
	// list is missing or empty.
	LPop(ctx context.Context, key string) (string, error)
	// LRange returns elements [start, stop] inclusive; negative indices
	// count from the tail, Redis-style.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LTrim keeps only the elements [start, stop] inclusive, same index
	// semantics as LRange. Trimming a missing list is a no-op.
	LTrim(ctx context.Context, key string, start, stop int64) error

	HSet(ctx context.Context, key, field string, value any) error
	HGet(ctx context.Context, key, field string, dest any) error
	HDel(ctx context.Context, key string, fields ...string) error
	// HGetAll returns the raw JSON bytes per field. Missing hash yields an
	// empty map, not an error: iteration over nothing is well-defined.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
}
