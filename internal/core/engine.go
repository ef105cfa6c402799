package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"DerivLedger/internal/event"
	"DerivLedger/internal/external"
	"DerivLedger/internal/ledger"
	dmath "DerivLedger/internal/math"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DeterministicCore is the single-writer state machine of one derivative
// contract. Given the same call log and collaborator answers it produces the
// same storage and the same hash chain.
type DeterministicCore struct {
	storage *state.DerivativeStorage

	calc      dmath.ReturnCalculator
	valuation *state.ValuationEngine
	margin    *state.MarginLedger
	ext       external.Collaborators

	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything a committed call hands to persistence and
// projections.
type CoreOutput struct {
	Envelope *event.CallEnvelope
	Batch    *ledger.Batch
	Storage  *state.DerivativeStorage
}

// CoreConfig wires a core to its surroundings. Every field is optional.
type CoreConfig struct {
	PersistChan         chan<- CoreOutput
	ProjectionChan      chan<- CoreOutput
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              *zerolog.Logger
	IdempotencyCapacity int
}

// ContractParams are the constructor arguments of a derivative.
type ContractParams struct {
	ContractID string
	Product    string

	Sponsor          common.Address
	APDelegate       common.Address
	Admin            common.Address
	ReturnCalculator common.Address

	ReturnType     dmath.ReturnType
	Leverage       decimal.Decimal
	DefaultPenalty decimal.Decimal
	SupportedMove  decimal.Decimal
	FixedYearlyFee decimal.Decimal
	DisputeDeposit decimal.Decimal
	WithdrawLimit  decimal.Decimal

	InitialTokenPrice decimal.Decimal
	Expiry            time.Time // zero = perpetual
}

// Result is what a committed call returns to its caller.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Notices   []event.Notice
	Storage   *state.DerivativeStorage
}

func newCore(s *state.DerivativeStorage, ext external.Collaborators, cfg CoreConfig) (*DeterministicCore, error) {
	calc, err := dmath.NewLeveragedReturnCalculator(s.Params.Leverage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConstructorParameter, err)
	}

	logger := observability.NewLogger("core")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("contract", s.ContractID).Logger()

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 100_000
	}

	tracker := ledger.NewBalanceTracker()
	return &DeterministicCore{
		storage:           s,
		calc:              calc,
		valuation:         state.NewValuationEngine(calc),
		margin:            state.NewMarginLedger(calc),
		ext:               ext,
		sequence:          1,
		hasher:            NewStateHasher(s.ContractID),
		balanceTracker:    tracker,
		validator:         ledger.NewInvariantValidator(tracker),
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics, logger),
		sequenceValidator: NewSequenceValidator(),
		metrics:           cfg.Metrics,
		log:               logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}, nil
}

// NewDerivative validates p against the collaborators and creates a Live
// contract priced at the feed's latest observation.
func NewDerivative(ctx context.Context, p ContractParams, ext external.Collaborators, cfg CoreConfig) (*DeterministicCore, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}

	currency := ext.Currency.Address()
	for _, addr := range []struct {
		name string
		ok   func() (bool, error)
	}{
		{"margin currency", func() (bool, error) { return ext.Whitelist.IsApproved(ctx, currency) }},
		{"return calculator", func() (bool, error) { return ext.Whitelist.IsApproved(ctx, p.ReturnCalculator) }},
	} {
		approved, err := addr.ok()
		if err != nil {
			return nil, fmt.Errorf("whitelist %s: %w", addr.name, err)
		}
		if !approved {
			return nil, fmt.Errorf("%w: %s not whitelisted", ErrInvalidConstructorParameter, addr.name)
		}
	}

	obs, err := ext.Feed.LatestPrice(ctx, p.Product)
	if err != nil {
		return nil, fmt.Errorf("initial price: %w", err)
	}
	obs.Time = obs.Time.UTC()
	if obs.Price.IsZero() {
		return nil, fmt.Errorf("initial underlying price: %w", ErrDivisionByZero)
	}
	ratio, err := dmath.Div(p.InitialTokenPrice, obs.Price)
	if err != nil {
		return nil, err
	}
	if ratio.IsZero() {
		return nil, fmt.Errorf("%w: token/underlying ratio rounds to zero", ErrInvalidConstructorParameter)
	}
	if !p.Expiry.IsZero() && !p.Expiry.After(obs.Time) {
		return nil, fmt.Errorf("%w: expiry %s not after first price %s", ErrInvalidConstructorParameter, p.Expiry, obs.Time)
	}
	feePerSecond, err := dmath.Div(p.FixedYearlyFee, state.SecondsPerYear)
	if err != nil {
		return nil, err
	}

	initial := state.TokenState{UnderlyingPrice: obs.Price, TokenPrice: p.InitialTokenPrice, Time: obs.Time}
	var expiry time.Time
	if !p.Expiry.IsZero() {
		expiry = p.Expiry.UTC()
	}

	s := &state.DerivativeStorage{
		ContractID: p.ContractID,
		State:      state.Live,
		Reference:  initial,
		Current:    initial,
		Params: state.FixedParameters{
			Product:                     p.Product,
			ReturnType:                  p.ReturnType,
			Leverage:                    p.Leverage,
			DefaultPenalty:              p.DefaultPenalty,
			SupportedMove:               p.SupportedMove,
			FixedYearlyFee:              p.FixedYearlyFee,
			DisputeDeposit:              p.DisputeDeposit,
			WithdrawLimit:               p.WithdrawLimit,
			InitialTokenPrice:           p.InitialTokenPrice,
			InitialUnderlyingPrice:      obs.Price,
			Expiry:                      expiry,
			CreationTime:                obs.Time,
			InitialTokenUnderlyingRatio: ratio,
			FixedFeePerSecond:           feePerSecond,
		},
		Addresses: state.Addresses{
			Sponsor:          p.Sponsor,
			APDelegate:       p.APDelegate,
			Admin:            p.Admin,
			MarginCurrency:   currency,
			ReturnCalculator: p.ReturnCalculator,
			Store:            ext.Store.Address(),
		},
		Holders: make(map[common.Address]decimal.Decimal),
	}

	c, err := newCore(s, ext, cfg)
	if err != nil {
		return nil, err
	}
	c.sequenceValidator.ObserveFeedTime(p.Product, obs.Time)
	c.log.Info().
		Str("product", p.Product).
		Str("return_type", p.ReturnType.String()).
		Str("leverage", p.Leverage.String()).
		Str("underlying", obs.Price.String()).
		Msg("contract created")
	return c, nil
}

// Starting token prices are kept within nine orders of magnitude of one.
var (
	minStartingTokenPrice = decimal.New(1, -9)
	maxStartingTokenPrice = decimal.New(1, 9)
)

func validateParams(p ContractParams) error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConstructorParameter, fmt.Sprintf(format, args...))
	}
	switch {
	case p.ContractID == "":
		return bad("empty contract id")
	case p.Product == "":
		return bad("empty product identifier")
	case p.Sponsor == (common.Address{}):
		return bad("zero sponsor address")
	case !p.ReturnType.Valid():
		return bad("return type %d", p.ReturnType)
	case p.Leverage.IsZero():
		return bad("zero leverage")
	case p.ReturnType == dmath.Linear && !p.FixedYearlyFee.IsZero():
		return bad("linear contracts cannot charge a fixed yearly fee")
	case p.InitialTokenPrice.Sign() <= 0:
		return bad("initial token price must be positive")
	case p.InitialTokenPrice.LessThan(minStartingTokenPrice), p.InitialTokenPrice.GreaterThan(maxStartingTokenPrice):
		return bad("initial token price %s outside [%s, %s]", p.InitialTokenPrice, minStartingTokenPrice, maxStartingTokenPrice)
	}
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"default penalty", p.DefaultPenalty},
		{"supported move", p.SupportedMove},
		{"fixed yearly fee", p.FixedYearlyFee},
		{"dispute deposit", p.DisputeDeposit},
		{"withdraw limit", p.WithdrawLimit},
	} {
		if !dmath.InUnitInterval(f.v) {
			return bad("%s %s outside [0, 1]", f.name, f.v)
		}
	}
	return nil
}

// ProcessCall is the main processing pipeline
func (c *DeterministicCore) ProcessCall(ctx context.Context, call event.Call) (*Result, error) {
	start := time.Now()
	callType := call.CallType().String()
	key := call.IdempotencyKey()

	if call.ContractID() != c.storage.ContractID {
		c.reject(callType, "wrong_contract")
		return nil, fmt.Errorf("%w: %s != %s", ErrWrongContract, call.ContractID(), c.storage.ContractID)
	}

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(ctx, c.storage.ContractID, key) {
		c.reject(callType, "duplicate")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, key)
	}

	// Step 2: Caller-assigned ordering
	partition := "caller:" + call.Caller().Hex()
	if err := c.sequenceValidator.ValidateSequence(partition, call.SourceSequence()); err != nil {
		c.reject(callType, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	// Step 3: Dispatch against a clone
	o := c.newOp(ctx, call)
	if err := o.dispatch(); err != nil {
		c.reject(callType, "validation")
		return nil, err
	}

	// Step 4: Validate journals before touching the outside world
	batch := o.jg.Batch()
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}

	// Step 5: Collaborator effects, compensated on failure
	if err := o.executeEffects(); err != nil {
		c.reject(callType, "transfer")
		return nil, err
	}

	// Step 6: Commit
	if err := c.balanceTracker.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply batch failed after effects ran: %v", err))
	}
	if err := c.postCheckInvariants(o.s); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}
	prev := c.storage
	c.storage = o.s
	for _, p := range o.observedFeeds {
		c.sequenceValidator.ObserveFeedTime(p.product, p.t)
	}
	c.sequenceValidator.Advance(partition, call.SourceSequence())

	// Step 7: Hash chain and envelope
	seq := c.sequence
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, StorageDigest(c.storage))
	payload, err := json.Marshal(call)
	if err != nil {
		panic(fmt.Sprintf("FATAL: call not serializable: %v", err))
	}
	for i := range o.notices {
		o.notices[i].Sequence = seq
		o.notices[i].ContractID = c.storage.ContractID
	}
	envelope := &event.CallEnvelope{
		Sequence:       seq,
		IdempotencyKey: key,
		CallType:       call.CallType(),
		ContractID:     c.storage.ContractID,
		Caller:         call.Caller(),
		SourceSequence: call.SourceSequence(),
		Timestamp:      call.Timestamp().UTC(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
		Notices:        o.notices,
	}
	batch.Sequence = seq
	for i := range batch.Journals {
		batch.Journals[i].Sequence = seq
	}
	c.sequence++

	// Step 8: Emit outputs. Persistence blocks (backpressure); projections
	// drop when full and rebuild from the call log.
	output := CoreOutput{Envelope: envelope, Batch: batch, Storage: c.storage.Clone()}
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 9: Mark as processed
	c.idempotency.MarkProcessed(key)

	if prev.State != c.storage.State {
		c.log.Info().
			Int64("seq", seq).
			Str("from", prev.State.String()).
			Str("to", c.storage.State.String()).
			Str("nav", c.storage.Nav.String()).
			Msg("state transition")
	}
	c.recordMetrics(callType, prev, batch, time.Since(start))

	return &Result{
		Sequence:  seq,
		StateHash: stateHash,
		Notices:   o.notices,
		Storage:   c.storage.Clone(),
	}, nil
}

func (c *DeterministicCore) reject(callType, reason string) {
	if c.metrics != nil {
		c.metrics.CallsRejected.WithLabelValues(callType, reason).Inc()
	}
}

func (c *DeterministicCore) recordMetrics(callType string, prev *state.DerivativeStorage, batch *ledger.Batch, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	id := c.storage.ContractID
	c.metrics.CallsApplied.WithLabelValues(callType).Inc()
	c.metrics.CallDuration.WithLabelValues(callType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.WithLabelValues(id).Set(float64(c.sequence))
	c.metrics.Nav.WithLabelValues(id).Set(c.storage.Nav.InexactFloat64())
	c.metrics.LongBalance.WithLabelValues(id).Set(c.storage.LongBalance.InexactFloat64())
	c.metrics.ShortBalance.WithLabelValues(id).Set(c.storage.ShortBalance.InexactFloat64())
	if prev.State != c.storage.State {
		c.metrics.StateTransitions.WithLabelValues(prev.State.String(), c.storage.State.String()).Inc()
	}
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		switch j.JournalType {
		case ledger.JournalTypeRegularFee, ledger.JournalTypeDelayFee, ledger.JournalTypeFinalFee:
			c.metrics.FeesCollected.WithLabelValues(id, j.JournalType.String()).Add(j.Amount.InexactFloat64())
		}
	}
}

// postCheckInvariants compares the journaled balances with the storage that
// is about to be committed.
func (c *DeterministicCore) postCheckInvariants(s *state.DerivativeStorage) error {
	if s.ShortBalance.IsNegative() || s.LongBalance.IsNegative() {
		return fmt.Errorf("negative balance: long=%s short=%s", s.LongBalance, s.ShortBalance)
	}
	if err := c.validator.ValidateContractBalances(
		s.ContractID, s.Addresses.MarginCurrency, s.LongBalance, s.ShortBalance, s.EscrowBalance(),
	); err != nil {
		return err
	}
	return c.validator.ValidateGlobalBalance()
}

// --- Read accessors ---

// Storage returns a copy of the committed storage.
func (c *DeterministicCore) Storage() *state.DerivativeStorage {
	return c.storage.Clone()
}

// ContractID returns the id the core was created with.
func (c *DeterministicCore) ContractID() string {
	return c.storage.ContractID
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// --- Snapshots ---

// BalanceEntry is one ledger account in a snapshot.
type BalanceEntry struct {
	Account ledger.AccountKey `json:"account"`
	Balance decimal.Decimal   `json:"balance"`
}

// SnapshotState is the full recoverable state of one core.
type SnapshotState struct {
	ContractID      string                   `json:"contract_id"`
	Sequence        int64                    `json:"sequence"` // last processed
	StateHash       [32]byte                 `json:"state_hash"`
	Storage         *state.DerivativeStorage `json:"storage"`
	Balances        []BalanceEntry           `json:"balances"`
	SequenceState   map[string]int64         `json:"sequence_state"`
	IdempotencyKeys []string                 `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := c.balanceTracker.Snapshot()
	balances := make([]BalanceEntry, 0, len(snap))
	for k, v := range snap {
		balances = append(balances, BalanceEntry{Account: k, Balance: v})
	}
	sortBalances(balances)

	return &SnapshotState{
		ContractID:      c.storage.ContractID,
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Storage:         c.storage.Clone(),
		Balances:        balances,
		SequenceState:   c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot rebuilds a core from a snapshot.
func RestoreFromSnapshot(snap *SnapshotState, ext external.Collaborators, cfg CoreConfig) (*DeterministicCore, error) {
	if snap == nil || snap.Storage == nil {
		return nil, fmt.Errorf("restore: empty snapshot")
	}
	c, err := newCore(snap.Storage.Clone(), ext, cfg)
	if err != nil {
		return nil, err
	}
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	balances := make(map[ledger.AccountKey]decimal.Decimal, len(snap.Balances))
	for _, b := range snap.Balances {
		balances[b.Account] = b.Balance
	}
	c.balanceTracker.Restore(balances)

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.sequenceValidator.ObserveFeedTime(c.storage.Params.Product, c.storage.Current.Time)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if err := c.postCheckInvariants(c.storage); err != nil {
		return nil, fmt.Errorf("restore: snapshot inconsistent: %w", err)
	}
	c.log.Info().Int64("seq", snap.Sequence).Str("state", c.storage.State.String()).Msg("restored from snapshot")
	return c, nil
}

func sortBalances(entries []BalanceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Account.AccountPath() < entries[j].Account.AccountPath()
	})
}
