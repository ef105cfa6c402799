package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/persistence"
	"DerivLedger/internal/state"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

var ErrNotSettled = errors.New("archive: contract is not settled")

const pageSize = 1000

// ObjectPutter is the part of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// CallSource pages through a contract's call log. *persistence.SnapshotManager
// implements it.
type CallSource interface {
	LoadCallsFrom(ctx context.Context, contractID string, fromSequence int64, limit int) ([]persistence.CallRow, error)
}

// archivedCall is one JSONL line of calls.jsonl.
type archivedCall struct {
	Sequence       int64           `json:"sequence"`
	CallType       string          `json:"call_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	Notices        json.RawMessage `json:"notices"`
	StateHash      []byte          `json:"state_hash"`
	PrevHash       []byte          `json:"prev_hash"`
}

// Archiver writes contracts/{id}/calls.jsonl and contracts/{id}/final.json.
// Archived rows stay in Postgres; pruning them is a separate step.
type Archiver struct {
	store   ObjectPutter
	bucket  string
	calls   CallSource
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewArchiver(store ObjectPutter, bucket string, calls CallSource, metrics *observability.Metrics, logger zerolog.Logger) *Archiver {
	return &Archiver{store: store, bucket: bucket, calls: calls, metrics: metrics, log: logger}
}

func CallsKey(contractID string) string { return "contracts/" + contractID + "/calls.jsonl" }
func FinalKey(contractID string) string { return "contracts/" + contractID + "/final.json" }

// Archive uploads the history of a settled contract.
func (a *Archiver) Archive(ctx context.Context, final *state.DerivativeStorage) error {
	if final.State != state.Settled {
		return fmt.Errorf("%w: %s is %s", ErrNotSettled, final.ContractID, final.State)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	lines := 0
	for from := int64(1); ; {
		rows, err := a.calls.LoadCallsFrom(ctx, final.ContractID, from, pageSize)
		if err != nil {
			return a.fail(fmt.Errorf("archive: load calls: %w", err))
		}
		for _, r := range rows {
			if err := enc.Encode(archivedCall{
				Sequence:       r.Sequence,
				CallType:       r.CallType,
				IdempotencyKey: r.IdempotencyKey,
				Caller:         r.Caller,
				Timestamp:      r.Timestamp,
				Payload:        r.Payload,
				Notices:        r.Notices,
				StateHash:      r.StateHash,
				PrevHash:       r.PrevHash,
			}); err != nil {
				return a.fail(fmt.Errorf("archive: encode seq %d: %w", r.Sequence, err))
			}
			lines++
		}
		if len(rows) < pageSize {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if err := a.put(ctx, CallsKey(final.ContractID), buf.Bytes(), "application/x-ndjson"); err != nil {
		return a.fail(err)
	}
	finalJSON, err := json.Marshal(final)
	if err != nil {
		return a.fail(fmt.Errorf("archive: marshal final storage: %w", err))
	}
	if err := a.put(ctx, FinalKey(final.ContractID), finalJSON, "application/json"); err != nil {
		return a.fail(err)
	}

	if a.metrics != nil {
		a.metrics.ArchiveUploads.WithLabelValues("ok").Inc()
	}
	a.log.Info().Str("contract", final.ContractID).Int("calls", lines).Msg("contract archived")
	return nil
}

func (a *Archiver) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) fail(err error) error {
	if a.metrics != nil {
		a.metrics.ArchiveUploads.WithLabelValues("error").Inc()
	}
	return err
}

// Name and Publish let the archiver run as an outbound sink. It acts only
// on the output that settled the contract, which the persistence worker
// forwards after the call log holds it.
func (a *Archiver) Name() string { return "s3" }

func (a *Archiver) Publish(ctx context.Context, out core.CoreOutput) error {
	for _, n := range out.Envelope.Notices {
		if n.Kind == event.NoticeSettled {
			return a.Archive(ctx, out.Storage)
		}
	}
	return nil
}
