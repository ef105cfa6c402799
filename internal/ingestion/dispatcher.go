package ingestion

import (
	"context"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Sink receives every committed output. Publishing is best effort:
// downstream consumers can always fall back to the call log.
type Sink interface {
	Name() string
	Publish(ctx context.Context, out core.CoreOutput) error
}

// Dispatcher fans committed outputs out to every sink in order.
type Dispatcher struct {
	input   <-chan core.CoreOutput
	sinks   []Sink
	timeout time.Duration
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(input <-chan core.CoreOutput, sinks []Sink, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		input:   input,
		sinks:   sinks,
		timeout: 5 * time.Second,
		metrics: metrics,
		log:     logger,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-d.input:
			if !ok {
				return nil
			}
			d.dispatch(ctx, out)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, out core.CoreOutput) {
	for _, s := range d.sinks {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Publish(pctx, out)
		cancel()
		if err != nil {
			d.log.Warn().Err(err).
				Str("sink", s.Name()).
				Str("contract", out.Envelope.ContractID).
				Int64("seq", out.Envelope.Sequence).
				Msg("outbound publish failed")
			continue
		}
		if d.metrics != nil {
			for _, n := range out.Envelope.Notices {
				d.metrics.NoticesPublished.WithLabelValues(s.Name(), n.Kind.String()).Inc()
			}
		}
	}
}
