package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DerivLedger/internal/core"

	"github.com/google/uuid"
)

// ErrSnapshotMismatch means a snapshot's hash disagrees with the call log.
var ErrSnapshotMismatch = errors.New("snapshot state hash does not match call log")

// snapshotFormat v1: JSON-encoded core.SnapshotState.
const snapshotFormat = 1

// SnapshotManager stores per-contract snapshots and reads the call log back
// for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO deriv_log.snapshots
			(snapshot_id, contract_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (contract_id, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, uuid.New(), snap.ContractID, snap.Sequence, string(data), snap.StateHash[:],
		snapshotFormat, len(data), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save snapshot %s@%d: %w", snap.ContractID, snap.Sequence, err)
	}
	return len(data), nil
}

// Verify checks a saved snapshot against the call log and marks it verified.
// The genesis snapshot (sequence 0) has no call to compare with. It returns
// false without error when the call is not persisted yet.
func (sm *SnapshotManager) Verify(ctx context.Context, snap *core.SnapshotState) (bool, error) {
	if snap.Sequence > 0 {
		var logged []byte
		err := sm.db.QueryRowContext(ctx, `
			SELECT state_hash FROM deriv_log.calls
			WHERE contract_id = $1 AND sequence = $2
		`, snap.ContractID, snap.Sequence).Scan(&logged)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load call hash: %w", err)
		}
		if !bytes.Equal(logged, snap.StateHash[:]) {
			return false, fmt.Errorf("%w: %s@%d", ErrSnapshotMismatch, snap.ContractID, snap.Sequence)
		}
	}
	return true, sm.MarkVerified(ctx, snap.ContractID, snap.Sequence)
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, contractID string, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE deriv_log.snapshots SET verified = TRUE
		WHERE contract_id = $1 AND sequence = $2
	`, contractID, sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot of a contract,
// or nil when it has none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, contractID string) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM deriv_log.snapshots
		WHERE contract_id = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, contractID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", contractID, err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", contractID, err)
	}
	return &snap, nil
}

// LoadCallsFrom loads up to limit calls of a contract starting at
// fromSequence, in order.
func (sm *SnapshotManager) LoadCallsFrom(ctx context.Context, contractID string, fromSequence int64, limit int) ([]CallRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT contract_id, sequence, call_type, idempotency_key, caller, source_sequence,
		       payload, notices, storage, state_hash, prev_hash, timestamp
		FROM deriv_log.calls
		WHERE contract_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, contractID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []CallRow
	for rows.Next() {
		var c CallRow
		if err := rows.Scan(
			&c.ContractID, &c.Sequence, &c.CallType, &c.IdempotencyKey, &c.Caller, &c.SourceSequence,
			&c.Payload, &c.Notices, &c.Storage, &c.StateHash, &c.PrevHash, &c.Timestamp,
		); err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// LoadJournals returns the journals of sequences [from, to], grouped by
// sequence.
func (sm *SnapshotManager) LoadJournals(ctx context.Context, contractID string, from, to int64) (map[int64][]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, contract_id, event_ref, sequence,
		       debit_account, credit_account, currency, amount, journal_type, timestamp
		FROM deriv_log.journal
		WHERE contract_id = $1 AND sequence BETWEEN $2 AND $3
		ORDER BY sequence ASC, timestamp ASC, journal_id ASC
	`, contractID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]JournalRow)
	for rows.Next() {
		var j JournalRow
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.ContractID, &j.EventRef, &j.Sequence,
			&j.DebitAccount, &j.CreditAccount, &j.Currency, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		out[j.Sequence] = append(out[j.Sequence], j)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest logged sequence of a contract, 0 when
// it has none.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context, contractID string) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM deriv_log.calls WHERE contract_id = $1
	`, contractID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
