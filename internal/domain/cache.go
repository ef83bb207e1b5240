package domain

import (
	"context"
	"time"
)

// RateLimiter throttles API callers. Allow counts one request against key in
// a sliding window; Wait blocks until the limiter's own budget has room.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager hands out leases shared by every replica. Acquire returns
// ErrLockHeld while someone else holds key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry read back from a stream; ID orders entries and
// is the cursor for the next read.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries committed ledger events. Channels are fire-and-forget
// fan-out to live subscribers such as websocket clients; streams are durable
// and replayable from any ID ("0" is the start).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Pub/sub channels, one per event family.
const (
	ChannelTrades   = "trades"
	ChannelListings = "listings"
	ChannelMints    = "mints"
)

// Streams. StreamTxLog is the transaction log; StreamAnalyses is fed by the
// analysis pipeline and drained by the ingest worker.
const (
	StreamTxLog    = "txlog"
	StreamAnalyses = "analyses"
)
