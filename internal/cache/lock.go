package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only while the key still holds the token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager hands out single-writer leases: at most one process may run a
// contract's core at a time.
type LockManager struct {
	rdb       *redis.Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:       c.Underlying(),
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

func leaseKey(key string) string { return keyPrefix + "lease:" + key }

// Lease is a held lock. Release is safe to call more than once.
type Lease struct {
	lm       *LockManager
	key      string
	token    string
	ttl      time.Duration
	released bool
}

// Acquire takes the lease for key or fails with ErrLeaseHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.New().String()
	ok, err := lm.rdb.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	return &Lease{lm: lm, key: key, token: token, ttl: ttl}, nil
}

// Refresh extends the lease by its TTL.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := l.lm.refreshSc.Run(ctx, l.lm.rdb, []string{leaseKey(l.key)}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

// Hold refreshes the lease every ttl/3 until ctx ends, and returns
// ErrLeaseLost as soon as another writer owns the key.
func (l *Lease) Hold(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Release()
			return nil
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				return err
			}
		}
	}
}

// Release drops the lease if it is still ours.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	// Background context so release works after the caller's ctx is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.lm.unlockSc.Run(ctx, l.lm.rdb, []string{leaseKey(l.key)}, l.token).Err()
}
