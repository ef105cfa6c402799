package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"DerivLedger/internal/cache"
	"DerivLedger/internal/external"
	"DerivLedger/internal/state"
	"DerivLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *cache.Client {
	t.Helper()
	testutil.RequireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := cache.New(ctx, cache.ClientConfig{Addr: testutil.TestRedisAddr()})
	if err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// product returns a fresh identifier so runs never share keys.
func product() string { return "TEST-" + uuid.NewString()[:8] }

func TestPriceFeed_Monotonic(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	feed := cache.NewRedisPriceFeed(c)
	p := product()

	_, err := feed.LatestPrice(ctx, p)
	assert.ErrorIs(t, err, external.ErrPriceNotAvailable)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	require.NoError(t, feed.Publish(ctx, p, t0, decimal.RequireFromString("101.25")))

	obs, err := feed.LatestPrice(ctx, p)
	require.NoError(t, err)
	assert.True(t, obs.Time.Equal(t0))
	assert.Equal(t, "101.25", obs.Price.String())

	err = feed.Publish(ctx, p, t0.Add(-time.Second), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, external.ErrStalePrice)

	// Same timestamp overwrites.
	require.NoError(t, feed.Publish(ctx, p, t0, decimal.NewFromInt(102)))
	obs, err = feed.LatestPrice(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "102", obs.Price.String())
}

func TestOracle_RequestAndResolve(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	o := cache.NewRedisOracle(c)
	p := product()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, o.RequestPrice(ctx, p, at))
	pending, err := o.Pending(ctx, p)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Equal(at))

	has, err := o.HasPrice(ctx, p, at)
	require.NoError(t, err)
	assert.False(t, has)
	_, err = o.GetPrice(ctx, p, at)
	assert.ErrorIs(t, err, external.ErrPriceUnresolved)

	require.NoError(t, o.Resolve(ctx, p, at, decimal.RequireFromString("99.5")))
	assert.Error(t, o.Resolve(ctx, p, at, decimal.NewFromInt(1)), "resolution is final")

	price, err := o.GetPrice(ctx, p, at)
	require.NoError(t, err)
	assert.Equal(t, "99.5", price.String())

	pending, err = o.Pending(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLease_SingleWriter(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	lm := cache.NewLockManager(c)
	key := "contract-" + uuid.NewString()

	lease, err := lm.Acquire(ctx, key, 2*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, 2*time.Second)
	assert.True(t, errors.Is(err, cache.ErrLeaseHeld))

	require.NoError(t, lease.Refresh(ctx))
	lease.Release()
	lease.Release()

	assert.ErrorIs(t, lease.Refresh(ctx), cache.ErrLeaseLost)

	second, err := lm.Acquire(ctx, key, 2*time.Second)
	require.NoError(t, err)
	second.Release()
}

func TestStorageCache_PutGet(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	sc := cache.NewStorageCache(c, time.Minute)
	id := "deriv-" + uuid.NewString()

	_, err := sc.Get(ctx, id)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	s := &state.DerivativeStorage{
		ContractID:       id,
		State:            state.Live,
		Nav:              decimal.RequireFromString("2.5"),
		LongBalance:      decimal.NewFromInt(3),
		TotalTokenSupply: decimal.NewFromInt(2),
	}
	require.NoError(t, sc.Put(ctx, s))

	got, err := sc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.Live, got.State)
	assert.True(t, got.Nav.Equal(s.Nav))
	assert.True(t, got.LongBalance.Equal(s.LongBalance))
}
