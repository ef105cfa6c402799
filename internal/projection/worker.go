package projection

import (
	"context"
	"fmt"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/observability"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const projectionName = "nav"

// ProjectionWorker maintains the NAV history and notice tables. Its input is
// fed with drop-on-full sends; the tables can always be rebuilt from the call
// log with RebuildProjections.
type ProjectionWorker struct {
	pool         *pgxpool.Pool
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	history      *NoticeHistory
	metrics      *observability.Metrics
	log          zerolog.Logger

	// watermark per contract; rows at or below it are already projected
	watermark map[string]int64
}

func NewProjectionWorker(
	pool *pgxpool.Pool,
	inputChan <-chan core.CoreOutput,
	history *NoticeHistory,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		pool:         pool,
		inputChan:    inputChan,
		batchSize:    128,
		flushTimeout: 100 * time.Millisecond,
		history:      history,
		metrics:      metrics,
		log:          logger,
		watermark:    make(map[string]int64),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermarks(ctx); err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}

	batch := make([]core.CoreOutput, 0, pw.batchSize)
	ticker := time.NewTicker(pw.flushTimeout)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.apply(ctx, batch); err != nil {
			// Eventually consistent: a later rebuild repairs the gap.
			pw.log.Warn().Err(err).Int("outputs", len(batch)).Msg("projection update failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			if pw.history != nil {
				pw.history.Add(out.Envelope.Notices...)
			}
			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (pw *ProjectionWorker) loadWatermarks(ctx context.Context) error {
	rows, err := pw.pool.Query(ctx, `
		SELECT contract_id, sequence FROM projections.watermark WHERE projection = $1
	`, projectionName)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return err
		}
		pw.watermark[id] = seq
	}
	return rows.Err()
}

// apply bulk-loads one batch with COPY and advances the watermarks in the
// same transaction.
func (pw *ProjectionWorker) apply(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	var navRows, notices [][]any
	last := make(map[string]int64)
	for _, out := range batch {
		id, seq := out.Envelope.ContractID, out.Envelope.Sequence
		if seq <= pw.watermark[id] || seq <= last[id] {
			continue
		}
		navRows = append(navRows, navRow(out))
		notices = append(notices, noticeRows(out)...)
		last[id] = seq
	}
	if len(navRows) == 0 {
		return nil
	}

	tx, err := pw.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"projections", "nav_history"}, navColumns, pgx.CopyFromRows(navRows)); err != nil {
		return fmt.Errorf("copy nav_history: %w", err)
	}
	if len(notices) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"projections", "notices"}, noticeColumns, pgx.CopyFromRows(notices)); err != nil {
			return fmt.Errorf("copy notices: %w", err)
		}
	}
	for id, seq := range last {
		if _, err := tx.Exec(ctx, `
			INSERT INTO projections.watermark (projection, contract_id, sequence, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (projection, contract_id) DO UPDATE SET sequence = $3, updated_at = NOW()
		`, projectionName, id, seq); err != nil {
			return fmt.Errorf("watermark update: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for id, seq := range last {
		pw.watermark[id] = seq
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projectionName).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionRows.WithLabelValues("nav_history").Add(float64(len(navRows)))
		pw.metrics.ProjectionRows.WithLabelValues("notices").Add(float64(len(notices)))
	}
	return nil
}

// RebuildProjections rebuilds both tables from deriv_log.calls.
func RebuildProjections(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`TRUNCATE projections.nav_history`,
		`TRUNCATE projections.notices`,
		`DELETE FROM projections.watermark WHERE projection = 'nav'`,
		`INSERT INTO projections.nav_history
			(contract_id, sequence, state, nav, token_price, underlying_price,
			 long_balance, short_balance, token_supply, fees_paid, valued_at)
		SELECT
			contract_id,
			sequence,
			CASE (storage->>'state')::INT
				WHEN 0 THEN 'LIVE' WHEN 1 THEN 'DISPUTED' WHEN 2 THEN 'EXPIRED'
				WHEN 3 THEN 'DEFAULTED' WHEN 4 THEN 'EMERGENCY_SHUTDOWN' ELSE 'SETTLED'
			END,
			(storage->>'nav')::NUMERIC,
			(storage->'current'->>'token_price')::NUMERIC,
			(storage->'current'->>'underlying_price')::NUMERIC,
			(storage->>'long_balance')::NUMERIC,
			(storage->>'short_balance')::NUMERIC,
			(storage->>'total_token_supply')::NUMERIC,
			(storage->>'fees_paid')::NUMERIC,
			(storage->'current'->>'time')::TIMESTAMPTZ
		FROM deriv_log.calls`,
		`INSERT INTO projections.notices
			(contract_id, sequence, idx, kind, party, amount, tokens, nav, occurred_at)
		SELECT
			c.contract_id,
			c.sequence,
			(n.ord - 1)::INT,
			n.value->>'kind',
			NULLIF(n.value->>'party', '0x0000000000000000000000000000000000000000'),
			(n.value->>'amount')::NUMERIC,
			(n.value->>'tokens')::NUMERIC,
			(n.value->>'nav')::NUMERIC,
			(n.value->>'timestamp')::TIMESTAMPTZ
		FROM deriv_log.calls c,
		     jsonb_array_elements(c.notices) WITH ORDINALITY AS n(value, ord)`,
		`INSERT INTO projections.watermark (projection, contract_id, sequence)
		SELECT 'nav', contract_id, MAX(sequence) FROM deriv_log.calls GROUP BY contract_id`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}
	return tx.Commit(ctx)
}
