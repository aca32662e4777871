package store

import (
	"context"
	"time"
)

/*
Package store abstracts the durable key-value backing for block records,
rate-limit counters, brute-force counters, and incident snapshots.

Two implementations ship: Redis (production) and Memory (tests, single-node
deployments, and the failover path when Redis is unreachable). The Failover
wrapper keeps verdicts flowing on in-process state when the primary errors.
*/

// Store is the atomic key-value contract the detection primitives rely on.
type Store interface {
	// Incr atomically increments key and sets ttl on the first increment of
	// that key. Returns the post-increment count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get unmarshals the value at key into dest. Returns false when absent.
	Get(ctx context.Context, key string, dest any) (bool, error)

	// Set writes value at key with ttl (0 = no expiry).
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// SetNX writes only if key is absent. Returns true when the write landed.
	// Existing entries keep their original expiry untouched.
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	// Set-membership operations backing the durable blocklist.
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)

	Close() error
}
