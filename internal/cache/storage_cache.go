package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/state"

	"github.com/redis/go-redis/v9"
)

// StorageCache keeps the last committed storage of each contract so readers
// on other processes do not need the actor.
type StorageCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStorageCache(c *Client, ttl time.Duration) *StorageCache {
	return &StorageCache{rdb: c.Underlying(), ttl: ttl}
}

func storageKey(contractID string) string { return keyPrefix + "storage:" + contractID }

func (sc *StorageCache) Put(ctx context.Context, s *state.DerivativeStorage) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return sc.rdb.Set(ctx, storageKey(s.ContractID), data, sc.ttl).Err()
}

func (sc *StorageCache) Get(ctx context.Context, contractID string) (*state.DerivativeStorage, error) {
	data, err := sc.rdb.Get(ctx, storageKey(contractID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get storage %s: %w", contractID, err)
	}
	var s state.DerivativeStorage
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal storage %s: %w", contractID, err)
	}
	return &s, nil
}

// Name and Publish make the cache an outbound sink for committed outputs.
func (sc *StorageCache) Name() string { return "redis" }

func (sc *StorageCache) Publish(ctx context.Context, out core.CoreOutput) error {
	return sc.Put(ctx, out.Storage)
}
