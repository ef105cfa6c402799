package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel shared by every contract core
// and batch-writes it to Postgres. Cores send with blocking semantics, so a
// slow database stalls the cores instead of losing calls.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *CallLogWriter
	inputChan    <-chan core.CoreOutput
	forward      chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

// WorkerConfig tunes a PersistenceWorker.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	// Forward receives each output after its batch commits. Sends never
	// block; a full channel drops the output and counts it.
	Forward chan<- core.CoreOutput
	Metrics *observability.Metrics
	Logger  *zerolog.Logger
}

func NewPersistenceWorker(db *sql.DB, inputChan <-chan core.CoreOutput, cfg WorkerConfig) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 50 * time.Millisecond
	}
	logger := observability.NewLogger("persistence")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewCallLogWriter(),
		inputChan:    inputChan,
		forward:      cfg.Forward,
		batchSize:    cfg.BatchSize,
		flushTimeout: cfg.FlushTimeout,
		metrics:      cfg.Metrics,
		log:          logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.log.Error().Err(err).Str("reason", reason).Int("calls", len(batch)).Msg("flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: whatever is buffered still gets written.
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, then makes one last attempt on a fresh context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			pw.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("calls", len(batch)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.log.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	calls := make([]CallRow, 0, len(batch))
	journals := make([]JournalRow, 0, len(batch)*4)
	for _, out := range batch {
		call, js, err := RowsFromOutput(out)
		if err != nil {
			// Not retryable; the core guarantees serializable outputs.
			panic(fmt.Sprintf("FATAL: output seq %d not serializable: %v", out.Envelope.Sequence, err))
		}
		calls = append(calls, call)
		journals = append(journals, js...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.stageError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteCallBatch(ctx, tx, calls); err != nil {
		pw.stageError("write_calls")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.stageError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.stageError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(calls)))
		pw.metrics.PersistCallsWritten.Add(float64(len(calls)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		for _, c := range calls {
			pw.metrics.PersistLastSequence.WithLabelValues(c.ContractID).Set(float64(c.Sequence))
		}
	}

	pw.forwardCommitted(batch)
	return nil
}

// forwardCommitted hands durable outputs downstream, so notices are never
// published for a call that could still be lost.
func (pw *PersistenceWorker) forwardCommitted(batch []core.CoreOutput) {
	if pw.forward == nil {
		return
	}
	for _, out := range batch {
		select {
		case pw.forward <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (pw *PersistenceWorker) stageError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
