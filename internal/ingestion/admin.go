package ingestion

import (
	"context"
	"fmt"
	"time"

	"DerivLedger/internal/core"

	"github.com/shopspring/decimal"
)

// PricePublisher records a new feed observation.
type PricePublisher interface {
	Publish(ctx context.Context, product string, t time.Time, price decimal.Decimal) error
}

// OracleResolver answers a pending oracle request.
type OracleResolver interface {
	Resolve(ctx context.Context, product string, t time.Time, price decimal.Decimal) error
	Pending(ctx context.Context, product string) ([]time.Time, error)
}

// AdminService is the manual injection surface used by the HTTP and gRPC
// admin endpoints. It is not meant for high-throughput ingestion; use NATS
// for that.
type AdminService struct {
	submitter Submitter
	prices    PricePublisher
	oracle    OracleResolver
}

// NewAdminService wires the admin surface. prices and oracle may be nil when
// the deployment has no writable feed.
func NewAdminService(submitter Submitter, prices PricePublisher, oracle OracleResolver) *AdminService {
	return &AdminService{submitter: submitter, prices: prices, oracle: oracle}
}

// InjectCall parses and applies one call body.
func (s *AdminService) InjectCall(ctx context.Context, contractID, op string, body []byte) (*core.Result, error) {
	call, err := ParseCall(contractID, op, body)
	if err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, call)
}

// PublishPrice pushes a feed observation.
func (s *AdminService) PublishPrice(ctx context.Context, product string, t time.Time, price decimal.Decimal) error {
	if s.prices == nil {
		return fmt.Errorf("price publishing not configured")
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	return s.prices.Publish(ctx, product, t, price)
}

// ResolvePrice answers an oracle request.
func (s *AdminService) ResolvePrice(ctx context.Context, product string, t time.Time, price decimal.Decimal) error {
	if s.oracle == nil {
		return fmt.Errorf("oracle resolution not configured")
	}
	return s.oracle.Resolve(ctx, product, t, price)
}

// PendingRequests lists unresolved oracle requests of a product.
func (s *AdminService) PendingRequests(ctx context.Context, product string) ([]time.Time, error) {
	if s.oracle == nil {
		return nil, fmt.Errorf("oracle resolution not configured")
	}
	return s.oracle.Pending(ctx, product)
}
