package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"DerivLedger/internal/core"
)

var _ core.DBIdempotencyChecker = (*PostgresIdempotencyChecker)(nil)

// PostgresIdempotencyChecker is the second deduplication tier: keys evicted
// from a core's LRU are still found in the call log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks whether the call log already holds key for contractID.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, contractID, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM deriv_log.calls
		WHERE contract_id = $1 AND idempotency_key = $2
		LIMIT 1
	`, contractID, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
