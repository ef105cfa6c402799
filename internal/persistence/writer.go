package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Postgres caps a statement at 65535 bind parameters.
const maxRowsPerInsert = 1000

// CallLogWriter writes committed calls and their journals using multi-row
// INSERTs inside a transaction owned by the caller.
type CallLogWriter struct{}

func NewCallLogWriter() *CallLogWriter {
	return &CallLogWriter{}
}

// CallRow represents a row in deriv_log.calls
type CallRow struct {
	ContractID     string
	Sequence       int64
	CallType       string
	IdempotencyKey string
	Caller         string
	SourceSequence int64
	Payload        []byte // JSON-encoded call
	Notices        []byte // JSON array of notices
	Storage        []byte // JSON storage after the call
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in deriv_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	ContractID    string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Currency      string
	Amount        decimal.Decimal
	JournalType   string
	Timestamp     int64
}

// RowsFromOutput flattens a core output into its log rows.
func RowsFromOutput(out core.CoreOutput) (CallRow, []JournalRow, error) {
	env := out.Envelope
	notices, err := json.Marshal(env.Notices)
	if err != nil {
		return CallRow{}, nil, fmt.Errorf("marshal notices: %w", err)
	}
	storage, err := json.Marshal(out.Storage)
	if err != nil {
		return CallRow{}, nil, fmt.Errorf("marshal storage: %w", err)
	}

	call := CallRow{
		ContractID:     env.ContractID,
		Sequence:       env.Sequence,
		CallType:       env.CallType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.Hex(),
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		Notices:        notices,
		Storage:        storage,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			ContractID:    env.ContractID,
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Currency:      j.DebitAccount.Currency.Hex(),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return call, journals, nil
}

// JournalFromRow is the inverse of the journal half of RowsFromOutput.
func JournalFromRow(r JournalRow) (ledger.Journal, error) {
	currency := common.HexToAddress(r.Currency)
	debit, err := ledger.ParseAccountPath(r.DebitAccount, currency)
	if err != nil {
		return ledger.Journal{}, err
	}
	credit, err := ledger.ParseAccountPath(r.CreditAccount, currency)
	if err != nil {
		return ledger.Journal{}, err
	}
	jt, err := ledger.ParseJournalType(r.JournalType)
	if err != nil {
		return ledger.Journal{}, err
	}
	journalID, err := uuid.Parse(r.JournalID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal id: %w", err)
	}
	batchID, err := uuid.Parse(r.BatchID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("batch id: %w", err)
	}
	return ledger.Journal{
		JournalID:     journalID,
		BatchID:       batchID,
		EventRef:      r.EventRef,
		Sequence:      r.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        r.Amount,
		JournalType:   jt,
		Timestamp:     r.Timestamp,
	}, nil
}

// WriteCallBatch writes calls to deriv_log.calls. Rows already present are
// skipped so a retried flush is harmless.
func (w *CallLogWriter) WriteCallBatch(ctx context.Context, tx *sql.Tx, calls []CallRow) error {
	const cols = 12
	for start := 0; start < len(calls); start += maxRowsPerInsert {
		chunk := calls[start:min(start+maxRowsPerInsert, len(calls))]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*cols)
		for i, c := range chunk {
			values = append(values, placeholders(i*cols, cols))
			args = append(args,
				c.ContractID, c.Sequence, c.CallType, c.IdempotencyKey, c.Caller, c.SourceSequence,
				// lib/pq sends []byte as bytea, JSONB columns need text
				string(c.Payload), string(c.Notices), string(c.Storage), c.StateHash, c.PrevHash, c.Timestamp,
			)
		}

		query := `INSERT INTO deriv_log.calls
			(contract_id, sequence, call_type, idempotency_key, caller, source_sequence,
			 payload, notices, storage, state_hash, prev_hash, timestamp)
			VALUES ` + strings.Join(values, ", ") +
			` ON CONFLICT (contract_id, sequence) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert calls: %w", err)
		}
	}
	return nil
}

// WriteJournalBatch writes journal entries to deriv_log.journal.
func (w *CallLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	const cols = 11
	for start := 0; start < len(journals); start += maxRowsPerInsert {
		chunk := journals[start:min(start+maxRowsPerInsert, len(journals))]

		values := make([]string, 0, len(chunk))
		args := make([]interface{}, 0, len(chunk)*cols)
		for i, j := range chunk {
			values = append(values, placeholders(i*cols, cols))
			args = append(args,
				j.JournalID, j.BatchID, j.ContractID, j.EventRef, j.Sequence,
				j.DebitAccount, j.CreditAccount, j.Currency, j.Amount, j.JournalType, j.Timestamp,
			)
		}

		query := `INSERT INTO deriv_log.journal
			(journal_id, batch_id, contract_id, event_ref, sequence,
			 debit_account, credit_account, currency, amount, journal_type, timestamp)
			VALUES ` + strings.Join(values, ", ") +
			` ON CONFLICT (journal_id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert journals: %w", err)
		}
	}
	return nil
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
