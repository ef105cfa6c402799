package query

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerBalances returns every account a contract's journals touched, with
// its balance (debits minus credits) as of the last persisted call.
func (qs *QueryService) LedgerBalances(ctx context.Context, contractID string) (map[string]decimal.Decimal, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, SUM(delta)::TEXT FROM (
			SELECT debit_account AS account, amount AS delta
			FROM deriv_log.journal WHERE contract_id = $1
			UNION ALL
			SELECT credit_account, -amount
			FROM deriv_log.journal WHERE contract_id = $1
		) j
		GROUP BY account
		ORDER BY account
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("ledger balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			account string
			raw     string
		)
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, err
		}
		bal, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("account %s balance %q: %w", account, raw, err)
		}
		out[account] = bal
	}
	return out, rows.Err()
}
