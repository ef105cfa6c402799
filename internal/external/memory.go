package external

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MemoryPriceFeed is a settable PriceFeed.
type MemoryPriceFeed struct {
	mu     sync.RWMutex
	latest map[string]PriceObservation
}

var _ PriceFeed = (*MemoryPriceFeed)(nil)

func NewMemoryPriceFeed() *MemoryPriceFeed {
	return &MemoryPriceFeed{latest: make(map[string]PriceObservation)}
}

// Push records a new observation. Observations older than the latest one are
// rejected.
func (f *MemoryPriceFeed) Push(identifier string, t time.Time, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.latest[identifier]; ok && t.Before(prev.Time) {
		return fmt.Errorf("%w: %s at %s after %s", ErrStalePrice, identifier, t, prev.Time)
	}
	f.latest[identifier] = PriceObservation{Time: t.UTC(), Price: price}
	return nil
}

func (f *MemoryPriceFeed) LatestPrice(_ context.Context, identifier string) (PriceObservation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	obs, ok := f.latest[identifier]
	if !ok {
		return PriceObservation{}, fmt.Errorf("%w: %s", ErrPriceNotAvailable, identifier)
	}
	return obs, nil
}

type oracleKey struct {
	identifier string
	unix       int64
}

// MemoryOracle resolves prices when told to.
type MemoryOracle struct {
	mu        sync.RWMutex
	requested map[oracleKey]bool
	resolved  map[oracleKey]decimal.Decimal
}

var _ Oracle = (*MemoryOracle)(nil)

func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{
		requested: make(map[oracleKey]bool),
		resolved:  make(map[oracleKey]decimal.Decimal),
	}
}

func (o *MemoryOracle) Resolve(identifier string, t time.Time, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolved[oracleKey{identifier, t.Unix()}] = price
}

// Requested reports whether RequestPrice was called for (identifier, t).
func (o *MemoryOracle) Requested(identifier string, t time.Time) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.requested[oracleKey{identifier, t.Unix()}]
}

func (o *MemoryOracle) RequestPrice(_ context.Context, identifier string, t time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requested[oracleKey{identifier, t.Unix()}] = true
	return nil
}

func (o *MemoryOracle) HasPrice(_ context.Context, identifier string, t time.Time) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.resolved[oracleKey{identifier, t.Unix()}]
	return ok, nil
}

func (o *MemoryOracle) GetPrice(_ context.Context, identifier string, t time.Time) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.resolved[oracleKey{identifier, t.Unix()}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s at %s", ErrPriceUnresolved, identifier, t)
	}
	return p, nil
}

// MemoryStore is a fixed fee schedule.
type MemoryStore struct {
	Addr            common.Address
	OraclePerSecond decimal.Decimal
	WeeklyDelay     decimal.Decimal
	Final           map[common.Address]decimal.Decimal
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Address() common.Address { return s.Addr }

func (s *MemoryStore) FixedOracleFeePerSecond(context.Context) (decimal.Decimal, error) {
	return s.OraclePerSecond, nil
}

func (s *MemoryStore) WeeklyDelayFee(context.Context) (decimal.Decimal, error) {
	return s.WeeklyDelay, nil
}

func (s *MemoryStore) FinalFee(_ context.Context, currency common.Address) (decimal.Decimal, error) {
	if s.Final == nil {
		return decimal.Zero, nil
	}
	return s.Final[currency], nil
}

// MemoryCurrency tracks wallet balances and the contract's custody.
type MemoryCurrency struct {
	mu       sync.Mutex
	addr     common.Address
	wallets  map[common.Address]decimal.Decimal
	custody  decimal.Decimal
	failNext error
}

var _ MarginCurrency = (*MemoryCurrency)(nil)

func NewMemoryCurrency(addr common.Address) *MemoryCurrency {
	return &MemoryCurrency{addr: addr, wallets: make(map[common.Address]decimal.Decimal)}
}

func (c *MemoryCurrency) Address() common.Address { return c.addr }

// Fund credits a wallet.
func (c *MemoryCurrency) Fund(who common.Address, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wallets[who] = c.wallets[who].Add(amount)
}

// Gift sends currency straight to custody, bypassing the contract.
func (c *MemoryCurrency) Gift(amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custody = c.custody.Add(amount)
}

// FailNext makes the next transfer return err.
func (c *MemoryCurrency) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

func (c *MemoryCurrency) BalanceOf(who common.Address) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallets[who]
}

func (c *MemoryCurrency) TransferIn(_ context.Context, from common.Address, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return err
	}
	if c.wallets[from].LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrTransferFailed, from.Hex(), c.wallets[from], amount)
	}
	c.wallets[from] = c.wallets[from].Sub(amount)
	c.custody = c.custody.Add(amount)
	return nil
}

func (c *MemoryCurrency) TransferOut(_ context.Context, to common.Address, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure(); err != nil {
		return err
	}
	if c.custody.LessThan(amount) {
		return fmt.Errorf("%w: custody %s, needs %s", ErrTransferFailed, c.custody, amount)
	}
	c.custody = c.custody.Sub(amount)
	c.wallets[to] = c.wallets[to].Add(amount)
	return nil
}

func (c *MemoryCurrency) CustodyBalance(context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.custody, nil
}

func (c *MemoryCurrency) takeFailure() error {
	err := c.failNext
	c.failNext = nil
	return err
}

// StaticWhitelist approves a fixed set of addresses.
type StaticWhitelist map[common.Address]bool

var _ Whitelist = StaticWhitelist(nil)

func (w StaticWhitelist) IsApproved(_ context.Context, addr common.Address) (bool, error) {
	return w[addr], nil
}
