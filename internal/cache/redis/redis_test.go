package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb, "test:"), mr
}

func TestLockManager(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:archive"))

	_, err = lm.Acquire(ctx, "archive", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("test:lock:archive"))

	unlock, err = lm.Acquire(ctx, "archive", time.Minute)
	require.NoError(t, err)
	unlock()
}

func TestRateLimiterAllow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c, 0, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "client-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "client-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyStoreReserveComplete(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewIdempotencyStore(c, 24*time.Hour)
	ctx := context.Background()

	rec, ok, err := s.Reserve(ctx, "k1", "fp-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.IdempotencyPending, rec.State)
	assert.Equal(t, "fp-a", rec.Fingerprint)

	rec, ok, err = s.Reserve(ctx, "k1", "fp-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "fp-a", rec.Fingerprint)

	require.NoError(t, s.Complete(ctx, "k1", domain.IdempotencyOutcome{TradeID: "t1"}))
	require.NoError(t, s.Complete(ctx, "k1", domain.IdempotencyOutcome{ErrorKind: "SelfTrade"}))

	rec, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, rec.State)
	assert.Equal(t, "t1", rec.TradeID)
	assert.Empty(t, rec.ErrorKind)
	require.NotNil(t, rec.CompletedAt)

	require.NoError(t, s.Release(ctx, "k1", rec.LeaseToken))
	_, err = s.Get(ctx, "k1")
	assert.NoError(t, err, "completed records survive Release")

	assert.ErrorIs(t, s.Complete(ctx, "missing", domain.IdempotencyOutcome{TradeID: "x"}), domain.ErrNotFound)
}

func TestIdempotencyStoreLeaseTakeover(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewIdempotencyStore(c, 0)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease still fresh")

	now = now.Add(time.Minute)
	rec, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, now, rec.LeasedAt)

	require.NoError(t, s.Release(ctx, "k1", rec.LeaseToken))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdempotencyStoreReleaseNeedsCurrentLease(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewIdempotencyStore(c, 0)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, first.LeaseToken)

	now = now.Add(2 * time.Minute)
	second, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.LeaseToken, second.LeaseToken)

	require.NoError(t, s.Release(ctx, "k1", first.LeaseToken))
	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err, "a stale owner cannot drop the new lease")
	assert.Equal(t, domain.IdempotencyPending, rec.State)
	assert.Equal(t, second.LeaseToken, rec.LeaseToken)

	require.NoError(t, s.Release(ctx, "k1", second.LeaseToken))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdempotencyStoreKeepsFailureRecords(t *testing.T) {
	c, mr := newTestClient(t)
	s := NewIdempotencyStore(c, time.Hour)
	ctx := context.Background()

	for _, k := range []string{"k-ok", "k-fail"} {
		_, ok, err := s.Reserve(ctx, k, "fp", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Complete(ctx, "k-ok", domain.IdempotencyOutcome{TradeID: "t1"}))
	require.NoError(t, s.Complete(ctx, "k-fail", domain.IdempotencyOutcome{ErrorKind: "InsufficientListingQuantity"}))

	assert.Equal(t, time.Hour, mr.TTL("test:idem:k-ok"))
	assert.Zero(t, mr.TTL("test:idem:k-fail"))

	mr.FastForward(2 * time.Hour)
	_, err := s.Get(ctx, "k-ok")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	rec, err := s.Get(ctx, "k-fail")
	require.NoError(t, err)
	assert.Equal(t, "InsufficientListingQuantity", rec.ErrorKind)
}

func TestIdempotencyStoreConcurrentReserve(t *testing.T) {
	c, _ := newTestClient(t)
	s := NewIdempotencyStore(c, time.Hour)
	ctx := context.Background()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, "race", "fp", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired)
}

func TestSignalBusStream(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, 1000)
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, domain.StreamTxLog, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTxLog, []byte(`{"n":1}`)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamTxLog, []byte(`{"n":2}`)))

	msgs, err = bus.StreamRead(ctx, domain.StreamTxLog, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))

	msgs, err = bus.StreamRead(ctx, domain.StreamTxLog, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"n":2}`, string(msgs[0].Payload))
}

func TestSignalBusPubSub(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.ChannelTrades)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelTrades, []byte("fill")))

	select {
	case got := <-ch:
		assert.Equal(t, "fill", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
