package projection

import (
	"DerivLedger/internal/core"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

var (
	navColumns = []string{
		"contract_id", "sequence", "state", "nav", "token_price", "underlying_price",
		"long_balance", "short_balance", "token_supply", "fees_paid", "valued_at",
	}
	noticeColumns = []string{
		"contract_id", "sequence", "idx", "kind", "party", "amount", "tokens", "nav", "occurred_at",
	}
)

// numeric converts without a string round trip so COPY can use the binary
// protocol.
func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// navRow is one nav_history row: the contract after the call.
func navRow(out core.CoreOutput) []any {
	s := out.Storage
	return []any{
		s.ContractID,
		out.Envelope.Sequence,
		s.State.String(),
		numeric(s.Nav),
		numeric(s.Current.TokenPrice),
		numeric(s.Current.UnderlyingPrice),
		numeric(s.LongBalance),
		numeric(s.ShortBalance),
		numeric(s.TotalTokenSupply),
		numeric(s.FeesPaid),
		s.Current.Time,
	}
}

// noticeRows is one row per notice the call produced.
func noticeRows(out core.CoreOutput) [][]any {
	rows := make([][]any, 0, len(out.Envelope.Notices))
	for i, n := range out.Envelope.Notices {
		var party *string
		if n.Party != (common.Address{}) {
			hex := n.Party.Hex()
			party = &hex
		}
		rows = append(rows, []any{
			out.Envelope.ContractID,
			out.Envelope.Sequence,
			int32(i),
			n.Kind.String(),
			party,
			numeric(n.Amount),
			numeric(n.Tokens),
			numeric(n.Nav),
			n.Timestamp,
		})
	}
	return rows
}
