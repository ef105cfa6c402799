package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"DerivLedger/internal/event"
	"DerivLedger/internal/state"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownContract = errors.New("unknown contract")
	ErrActorStopped    = errors.New("contract actor stopped")
)

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context, c *DeterministicCore)
	done chan struct{}
}

// Actor serializes every access to one core through a single goroutine.
// Callers from any number of transports can share it.
type Actor struct {
	core     *DeterministicCore
	requests chan request
	stopped  chan struct{}
}

func NewActor(c *DeterministicCore, queue int) *Actor {
	if queue <= 0 {
		queue = 64
	}
	return &Actor{
		core:     c,
		requests: make(chan request, queue),
		stopped:  make(chan struct{}),
	}
}

func (a *Actor) ContractID() string { return a.core.ContractID() }

// Run processes requests until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-a.requests:
			// An accepted call is not cancellable; the caller hanging up must
			// not abort its transfers halfway.
			req.fn(context.WithoutCancel(req.ctx), a.core)
			close(req.done)
		}
	}
}

// Do runs fn on the actor goroutine and waits for it.
func (a *Actor) Do(ctx context.Context, fn func(ctx context.Context, c *DeterministicCore)) error {
	req := request{ctx: ctx, fn: fn, done: make(chan struct{})}
	select {
	case a.requests <- req:
	case <-a.stopped:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted a call runs to completion; only stop waiting on shutdown.
	select {
	case <-req.done:
		return nil
	case <-a.stopped:
		return ErrActorStopped
	}
}

// Submit applies call on the actor goroutine.
func (a *Actor) Submit(ctx context.Context, call event.Call) (*Result, error) {
	var (
		res  *Result
		perr error
	)
	err := a.Do(ctx, func(ctx context.Context, c *DeterministicCore) {
		res, perr = c.ProcessCall(ctx, call)
	})
	if err != nil {
		return nil, err
	}
	return res, perr
}

// Storage returns a copy of the committed storage.
func (a *Actor) Storage(ctx context.Context) (*state.DerivativeStorage, error) {
	var s *state.DerivativeStorage
	err := a.Do(ctx, func(_ context.Context, c *DeterministicCore) { s = c.Storage() })
	return s, err
}

// Calc runs one of the calc readers on the actor goroutine.
func (a *Actor) Calc(ctx context.Context, fn func(ctx context.Context, c *DeterministicCore) (decimal.Decimal, error)) (decimal.Decimal, error) {
	var (
		v    decimal.Decimal
		cerr error
	)
	err := a.Do(ctx, func(ctx context.Context, c *DeterministicCore) { v, cerr = fn(ctx, c) })
	if err != nil {
		return decimal.Zero, err
	}
	return v, cerr
}

// CalcAll runs every calc reader in one actor turn.
func (a *Actor) CalcAll(ctx context.Context) (CalcBundle, error) {
	var (
		b    CalcBundle
		cerr error
	)
	err := a.Do(ctx, func(ctx context.Context, c *DeterministicCore) { b, cerr = c.CalcAll(ctx) })
	if err != nil {
		return CalcBundle{}, err
	}
	return b, cerr
}

// Snapshot captures the core's recoverable state.
func (a *Actor) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	err := a.Do(ctx, func(_ context.Context, c *DeterministicCore) { snap = c.CreateSnapshotState() })
	return snap, err
}

// Registry routes calls to the actor owning their contract.
type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Actor
}

func NewRegistry() *Registry {
	return &Registry{actors: make(map[string]*Actor)}
}

func (r *Registry) Register(a *Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ContractID()
	if _, exists := r.actors[id]; exists {
		return fmt.Errorf("contract %s already registered", id)
	}
	r.actors[id] = a
	return nil
}

func (r *Registry) Get(contractID string) (*Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, contractID)
	}
	return a, nil
}

// IDs lists registered contracts in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Submit routes call to its contract's actor.
func (r *Registry) Submit(ctx context.Context, call event.Call) (*Result, error) {
	a, err := r.Get(call.ContractID())
	if err != nil {
		return nil, err
	}
	return a.Submit(ctx, call)
}
