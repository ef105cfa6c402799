package core

import (
	"container/list"
	"context"

	"DerivLedger/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker deduplicates calls in two tiers: an in-memory LRU of
// recent keys, then the persisted call log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// DBIdempotencyChecker looks a call up in the persisted call log.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, contractID, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}
}

// IsDuplicate reports whether the call was already applied. A failing
// database lookup is logged and treated as "not seen"; the call log's unique
// key still rejects a true duplicate at persist time.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, contractID, key string) bool {
	if ic.lru.Contains(key) {
		ic.record("lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	dup, err := ic.dbChecker.IsDuplicate(ctx, contractID, key)
	if err != nil {
		ic.log.Warn().Err(err).Str("contract", contractID).Str("key", key).Msg("idempotency lookup failed")
		ic.record("postgres_error")
		return false
	}
	if dup {
		ic.record("postgres")
		ic.lru.Add(key)
	}
	return dup
}

// MarkProcessed adds key to the LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.lru.Add(key)
}

func (ic *IdempotencyChecker) record(tier string) {
	if ic.metrics != nil {
		ic.metrics.CallsDeduplicated.WithLabelValues(tier).Inc()
	}
}

// IdempotencyLRU is an LRU set of call keys.
// Not thread-safe — only accessed from the contract's single writer.
type IdempotencyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, ok := lru.index[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, ok := lru.index[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}
	lru.index[key] = lru.order.PushFront(key)
	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.index, oldest.Value.(string))
	}
}

// WarmFromKeys loads keys oldest first, so the newest survive eviction.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, k := range keys {
		lru.Add(k)
	}
}

// Keys returns all keys, oldest first.
func (lru *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.order.Len())
	for e := lru.order.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int {
	return lru.order.Len()
}
