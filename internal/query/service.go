package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"DerivLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// QueryService provides read-only access to the call log and the projection
// tables. Responses carry as_of_sequence so callers can tell how far the
// projection lags the core.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetNavHistory returns NAV points newest first. beforeSeq pages backwards.
func (qs *QueryService) GetNavHistory(
	ctx context.Context,
	contractID string,
	limit int,
	beforeSeq *int64,
) ([]NavPoint, error) {
	asOfSeq, err := qs.getWatermark(ctx, "nav", contractID)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, state, nav, token_price, underlying_price,
		       long_balance, short_balance, token_supply, fees_paid, valued_at
		FROM projections.nav_history
		WHERE contract_id = $1
	`
	args := []interface{}{contractID}
	argIdx := 2

	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []NavPoint
	for rows.Next() {
		p := NavPoint{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&p.Sequence, &p.State, &p.Nav, &p.TokenPrice, &p.UnderlyingPrice,
			&p.LongBalance, &p.ShortBalance, &p.TokenSupply, &p.FeesPaid, &p.ValuedAt,
		); err != nil {
			return nil, err
		}
		p.ValuedAt = p.ValuedAt.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// GetNotices returns projected notices newest first, optionally of one kind.
func (qs *QueryService) GetNotices(
	ctx context.Context,
	contractID string,
	kind *string,
	limit int,
	beforeSeq *int64,
) ([]NoticeRecord, error) {
	query := `
		SELECT sequence, idx, kind, party, amount, tokens, nav, occurred_at
		FROM projections.notices
		WHERE contract_id = $1
	`
	args := []interface{}{contractID}
	argIdx := 2

	if kind != nil {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, *kind)
		argIdx++
	}
	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}
	query += " ORDER BY sequence DESC, idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NoticeRecord
	for rows.Next() {
		var (
			n     NoticeRecord
			party sql.NullString
		)
		if err := rows.Scan(&n.Sequence, &n.Index, &n.Kind, &party, &n.Amount, &n.Tokens, &n.Nav, &n.OccurredAt); err != nil {
			return nil, err
		}
		if party.Valid {
			n.Party = &party.String
		}
		n.OccurredAt = n.OccurredAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries of a contract newest first,
// optionally only those touching account.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	contractID string,
	account *string,
	limit int,
	beforeSeq *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, currency, amount, journal_type, timestamp
		FROM deriv_log.journal
		WHERE contract_id = $1
	`
	args := []interface{}{contractID}
	argIdx := 2

	if account != nil {
		query += fmt.Sprintf(" AND (debit_account = $%d OR credit_account = $%d)", argIdx, argIdx)
		args = append(args, *account)
		argIdx++
	}
	if beforeSeq != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSeq)
		argIdx++
	}
	query += " ORDER BY sequence DESC, timestamp DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Currency, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks a contract's hash chain and sequence continuity, and
// that the journal balances of its long and short accounts match the
// latest stored record.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, contractID string) (*IntegrityReport, error) {
	report := &IntegrityReport{ContractID: contractID}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM deriv_log.calls c1
		JOIN deriv_log.calls c2
		  ON c2.contract_id = c1.contract_id AND c2.sequence = c1.sequence - 1
		WHERE c1.contract_id = $1 AND c1.prev_hash <> c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`, contractID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM (
			SELECT sequence, LAG(sequence) OVER (ORDER BY sequence) AS prev
			FROM deriv_log.calls WHERE contract_id = $1
		) s
		WHERE prev IS NOT NULL AND sequence <> prev + 1
		LIMIT 10
	`, contractID)
	if err != nil {
		return nil, err
	}
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			gapRows.Close()
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, seq)
	}
	gapRows.Close()
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	var longRaw, shortRaw string
	err = qs.db.QueryRowContext(ctx, `
		SELECT sequence, storage->>'long_balance', storage->>'short_balance'
		FROM deriv_log.calls
		WHERE contract_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, contractID).Scan(&report.LatestSequence, &longRaw, &shortRaw)
	if errors.Is(err, sql.ErrNoRows) {
		report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	balances, err := qs.LedgerBalances(ctx, contractID)
	if err != nil {
		return nil, err
	}
	for _, side := range []struct {
		sub ledger.AccountSubType
		raw string
	}{{ledger.SubTypeLong, longRaw}, {ledger.SubTypeShort, shortRaw}} {
		stored, err := decimal.NewFromString(side.raw)
		if err != nil {
			return nil, fmt.Errorf("stored balance %q: %w", side.raw, err)
		}
		path := ledger.NewContractAccountKey(contractID, side.sub, common.Address{}).AccountPath()
		if j := balances[path]; !j.Equal(stored) {
			report.Mismatches = append(report.Mismatches, BalanceMismatch{Account: path, Journal: j, Storage: stored})
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.Mismatches) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context, projection, contractID string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence FROM projections.watermark
		WHERE projection = $1 AND contract_id = $2
	`, projection, contractID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
