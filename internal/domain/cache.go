package domain

import (
	"context"
	"time"
)

// MarketCache is a read-through cache for market snapshots.
type MarketCache interface {
	Get(ctx context.Context, id string) (*Market, error)
	Set(ctx context.Context, m *Market) error
	Invalidate(ctx context.Context, id string) error
}

// LockManager provides cross-process mutual exclusion per market. The
// in-process reentrancy latch sits in front of it; the distributed lock
// covers concurrent service replicas.
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter provides distributed rate limiting, used to throttle entry
// submission per client.
type RateLimiter interface {
	// Allow reports whether a request under key is permitted within the
	// sliding window, counting it if so.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Wait blocks until a request under key is allowed or ctx is done.
	Wait(ctx context.Context, key string) error
}

// StreamMessage is a single durable event-stream entry.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus publishes lifecycle events to live subscribers and appends them
// to a durable per-market stream.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error)
}
