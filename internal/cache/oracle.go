package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"DerivLedger/internal/external"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisOracle keeps price requests in a sorted set and resolutions in a hash,
// both keyed by unix microseconds. Resolutions arrive from the admin API.
type RedisOracle struct {
	rdb *redis.Client
}

var _ external.Oracle = (*RedisOracle)(nil)

func NewRedisOracle(c *Client) *RedisOracle {
	return &RedisOracle{rdb: c.Underlying()}
}

func requestsKey(product string) string { return keyPrefix + "oracle:requests:" + product }
func resolvedKey(product string) string { return keyPrefix + "oracle:resolved:" + product }
func micros(t time.Time) string         { return strconv.FormatInt(t.UnixMicro(), 10) }

func (o *RedisOracle) RequestPrice(ctx context.Context, product string, t time.Time) error {
	err := o.rdb.ZAdd(ctx, requestsKey(product), redis.Z{Score: float64(t.UnixMicro()), Member: micros(t)}).Err()
	if err != nil {
		return fmt.Errorf("redis: request price %s: %w", product, err)
	}
	return nil
}

func (o *RedisOracle) HasPrice(ctx context.Context, product string, t time.Time) (bool, error) {
	ok, err := o.rdb.HExists(ctx, resolvedKey(product), micros(t)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: has price %s: %w", product, err)
	}
	return ok, nil
}

func (o *RedisOracle) GetPrice(ctx context.Context, product string, t time.Time) (decimal.Decimal, error) {
	s, err := o.rdb.HGet(ctx, resolvedKey(product), micros(t)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("%w: %s at %s", external.ErrPriceUnresolved, product, t)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("redis: get oracle price %s: %w", product, err)
	}
	return decimal.NewFromString(s)
}

// Resolve records the oracle's answer for (product, t). A resolved price is
// final; resolving twice fails.
func (o *RedisOracle) Resolve(ctx context.Context, product string, t time.Time, price decimal.Decimal) error {
	set, err := o.rdb.HSetNX(ctx, resolvedKey(product), micros(t), price.String()).Result()
	if err != nil {
		return fmt.Errorf("redis: resolve %s: %w", product, err)
	}
	if !set {
		return fmt.Errorf("redis: %s at %s already resolved", product, t)
	}
	return o.rdb.ZRem(ctx, requestsKey(product), micros(t)).Err()
}

// Pending lists requested times that have no resolution yet.
func (o *RedisOracle) Pending(ctx context.Context, product string) ([]time.Time, error) {
	members, err := o.rdb.ZRange(ctx, requestsKey(product), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: pending %s: %w", product, err)
	}
	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		us, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, time.UnixMicro(us).UTC())
	}
	return out, nil
}
