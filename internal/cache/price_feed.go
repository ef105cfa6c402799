package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"DerivLedger/internal/external"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// publishLua stores an observation unless a later one is already stored.
// Times are unix microseconds, which Lua numbers hold exactly.
const publishLua = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2])
return 1
`

// RedisPriceFeed serves the latest observation of each product from a hash
// at "deriv:price:{product}". Publishers write through Publish, which keeps
// the series monotonic.
type RedisPriceFeed struct {
	rdb       *redis.Client
	publishSc *redis.Script
}

var _ external.PriceFeed = (*RedisPriceFeed)(nil)

func NewRedisPriceFeed(c *Client) *RedisPriceFeed {
	return &RedisPriceFeed{rdb: c.Underlying(), publishSc: redis.NewScript(publishLua)}
}

func priceKey(product string) string { return keyPrefix + "price:" + product }

// Publish records an observation. Observations are kept at microsecond
// precision.
func (f *RedisPriceFeed) Publish(ctx context.Context, product string, t time.Time, price decimal.Decimal) error {
	ok, err := f.publishSc.Run(ctx, f.rdb, []string{priceKey(product)},
		price.String(), strconv.FormatInt(t.UnixMicro(), 10)).Int()
	if err != nil {
		return fmt.Errorf("redis: publish price %s: %w", product, err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s at %s", external.ErrStalePrice, product, t)
	}
	return nil
}

func (f *RedisPriceFeed) LatestPrice(ctx context.Context, product string) (external.PriceObservation, error) {
	vals, err := f.rdb.HGetAll(ctx, priceKey(product)).Result()
	if err != nil {
		return external.PriceObservation{}, fmt.Errorf("redis: get price %s: %w", product, err)
	}
	priceStr, okP := vals["price"]
	tsStr, okT := vals["ts"]
	if !okP || !okT {
		return external.PriceObservation{}, fmt.Errorf("%w: %s", external.ErrPriceNotAvailable, product)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return external.PriceObservation{}, fmt.Errorf("redis: parse price %s: %w", product, err)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return external.PriceObservation{}, fmt.Errorf("redis: parse ts %s: %w", product, err)
	}
	return external.PriceObservation{Time: time.UnixMicro(ts).UTC(), Price: price}, nil
}
