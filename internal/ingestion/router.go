package ingestion

import (
	"context"
	"errors"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter applies a call to its contract. *core.Registry implements it.
type Submitter interface {
	Submit(ctx context.Context, call event.Call) (*core.Result, error)
}

// CallRouter parses raw inbound messages and submits them. Messages are
// handled one at a time so a contract sees them in delivery order.
type CallRouter struct {
	submitter Submitter
	input     <-chan RawEvent
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewCallRouter(submitter Submitter, input <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *CallRouter {
	return &CallRouter{submitter: submitter, input: input, metrics: metrics, log: logger}
}

func (r *CallRouter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.input:
			if !ok {
				return nil
			}
			r.Handle(ctx, raw)
		}
	}
}

// Outcome says what a transport should do with a message.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetry
	OutcomeDiscard
)

// Classify maps a submit error to a delivery outcome. Rejections by the
// contract are final: the call was evaluated and refused. A collaborator
// outage says nothing about the call, so it is redelivered.
func Classify(err error) Outcome {
	switch {
	case err == nil, errors.Is(err, core.ErrDuplicateCall):
		return OutcomeAck
	case errors.Is(err, ErrMalformedCall), errors.Is(err, core.ErrUnknownContract):
		return OutcomeDiscard
	case errors.Is(err, core.ErrCollaborator),
		errors.Is(err, core.ErrActorStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeRetry
	default:
		return OutcomeAck
	}
}

// Handle processes a single message.
func (r *CallRouter) Handle(ctx context.Context, raw RawEvent) {
	call, err := r.parse(raw)
	if err == nil {
		_, err = r.submitter.Submit(ctx, call)
	}

	switch Classify(err) {
	case OutcomeAck:
		if err != nil && !errors.Is(err, core.ErrDuplicateCall) {
			r.reject("rejected")
			r.log.Warn().Err(err).Str("subject", raw.Subject).Msg("call rejected")
		}
		ack(raw)
	case OutcomeRetry:
		r.log.Warn().Err(err).Str("subject", raw.Subject).Msg("call deferred")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	case OutcomeDiscard:
		r.reject("malformed")
		r.log.Error().Err(err).Str("subject", raw.Subject).Msg("discarding message")
		if raw.TermFunc != nil {
			raw.TermFunc()
		} else {
			ack(raw)
		}
	}
}

func (r *CallRouter) parse(raw RawEvent) (event.Call, error) {
	contractID, op, err := ParseSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	call, err := ParseCall(contractID, op, raw.Data)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.IngestReceived.WithLabelValues("nats", call.CallType().String()).Inc()
	}
	return call, nil
}

func (r *CallRouter) reject(reason string) {
	if r.metrics != nil {
		r.metrics.IngestRejected.WithLabelValues("nats", reason).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
