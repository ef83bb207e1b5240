package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLocksetSerialisesAndCleansUp(t *testing.T) {
	ls := newLockset()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ls.acquire(ctx, "k"))
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			ls.release("k")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, ls.size())
}

func TestLocksetHonoursContext(t *testing.T) {
	ls := newLockset()
	require.NoError(t, ls.acquire(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := ls.acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ls.release("k")
	assert.Equal(t, 0, ls.size())
}

func TestWithinTxCommitsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	acct := domain.PlantationAccount("p1")

	err := s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		bals, err := tx.LockBalances(ctx, acct)
		if err != nil {
			return err
		}
		b := bals[acct]
		b.Total = dec("10")
		b.Available = dec("10")
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	got, err := s.GetBalance(ctx, acct)
	require.NoError(t, err)
	assert.True(t, got.Total.IsZero(), "rolled back write must not be visible")

	err = s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		bals, err := tx.LockBalances(ctx, acct)
		if err != nil {
			return err
		}
		b := bals[acct]
		b.Total = dec("10")
		b.Available = dec("10")
		if err := tx.PutBalance(ctx, b); err != nil {
			return err
		}
		return tx.InsertMint(ctx, domain.MintRecord{AnalysisID: "a1", Account: acct, Amount: dec("10")})
	})
	require.NoError(t, err)

	got, err = s.GetBalance(ctx, acct)
	require.NoError(t, err)
	assert.True(t, got.Total.Equal(dec("10")))
	_, err = s.GetMint(ctx, "a1")
	require.NoError(t, err)
}

func TestInsertTradeRejectsDuplicateKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.InsertTrade(ctx, domain.Trade{ID: id, IdempotencyKey: "k1", ExecutedAt: time.Now()})
		})
	}
	require.NoError(t, insert("t1"))
	assert.ErrorIs(t, insert("t2"), domain.ErrAlreadyExists)

	tr, err := s.GetTradeByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tr.ID)
}

func TestLockListingNotFound(t *testing.T) {
	s := New()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.LockListing(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, s.rows.size())
}

func TestListOpenPaginatesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"l1", "l2", "l3"} {
		l := domain.Listing{ID: id, PlantationID: "p1", Total: dec("5"), Remaining: dec("5"),
			Status: domain.ListingStatusOpen, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.InsertListing(ctx, l)
		}))
	}

	got, err := s.ListOpen(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "l3", got[0].ID)
	assert.Equal(t, "l2", got[1].ID)

	got, err = s.ListOpen(ctx, domain.ListOpts{Offset: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "l1", got[0].ID)
}

func TestIdempotencyReserveIsCompareAndSet(t *testing.T) {
	s := NewIdempotencyStore()
	ctx := context.Background()

	var acquired int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&acquired, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), acquired)
}

func TestIdempotencyLeaseExpiry(t *testing.T) {
	s := NewIdempotencyStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	rec, ok, err := s.Reserve(ctx, "k1", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a different fingerprint never takes over the lease")
	assert.Equal(t, "fp", rec.Fingerprint)

	_, ok, err = s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Complete(ctx, "k1", domain.IdempotencyOutcome{TradeID: "t1"}))
	require.NoError(t, s.Complete(ctx, "k1", domain.IdempotencyOutcome{TradeID: "t2"}))
	rec, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, rec.State)
	assert.Equal(t, "t1", rec.TradeID)

	require.NoError(t, s.Release(ctx, "k1", rec.LeaseToken))
	_, err = s.Get(ctx, "k1")
	assert.NoError(t, err, "completed records survive Release")
}

func TestIdempotencyReleaseNeedsCurrentLease(t *testing.T) {
	s := NewIdempotencyStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	second, ok, err := s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.LeaseToken, second.LeaseToken)

	require.NoError(t, s.Release(ctx, "k1", first.LeaseToken))
	rec, err := s.Get(ctx, "k1")
	require.NoError(t, err, "a stale owner cannot drop the new lease")
	assert.Equal(t, second.LeaseToken, rec.LeaseToken)

	_, ok, err = s.Reserve(ctx, "k1", "fp", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "k1", second.LeaseToken))
	_, err = s.Get(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusStreamRead(t *testing.T) {
	b := NewSignalBus()
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}
	msgs, err := b.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "s", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	b := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, "trades")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "trades", []byte("hi")))

	select {
	case got := <-ch:
		assert.Equal(t, "hi", string(got))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}
