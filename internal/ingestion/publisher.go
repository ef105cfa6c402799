package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

// NoticesStream holds outbound notices.
const NoticesStream = "DERIV_LEDGER_NOTICES"

// NoticeSubject is deriv.ledger.notices.{kind}.{contract}.
func NoticeSubject(n event.Notice) string {
	return fmt.Sprintf("deriv.ledger.notices.%s.%s", n.Kind, n.ContractID)
}

// noticeMsgID is stable across retries so JetStream drops republished notices.
func noticeMsgID(n event.Notice, idx int) string {
	return fmt.Sprintf("%s:%d:%d", n.ContractID, n.Sequence, idx)
}

// NATSPublisher publishes notices to JetStream.
type NATSPublisher struct {
	js jetstream.JetStream
}

var _ Sink = (*NATSPublisher)(nil)

func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Publish(ctx context.Context, out core.CoreOutput) error {
	for i, n := range out.Envelope.Notices {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal notice: %w", err)
		}
		if _, err := p.js.Publish(ctx, NoticeSubject(n), data, jetstream.WithMsgID(noticeMsgID(n, i))); err != nil {
			return fmt.Errorf("publish %s: %w", NoticeSubject(n), err)
		}
	}
	return nil
}

// EnsureOutboundStream creates the outbound notices stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       NoticesStream,
		Subjects:   []string{"deriv.ledger.notices.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
