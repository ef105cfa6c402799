package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ingestion"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	err   error
	calls []event.Call
}

func (f *fakeSubmitter) Submit(_ context.Context, call event.Call) (*core.Result, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Result{Sequence: int64(len(f.calls))}, nil
}

type delivery struct{ acked, naked, termed int }

func rawMsg(d *delivery, subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { d.acked++ },
		NakFunc:   func() { d.naked++ },
		TermFunc:  func() { d.termed++ },
	}
}

func TestCallRouter_Outcomes(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		err     error
		want    delivery
		applied int
	}{
		{"applied", "deriv.calls.spx.remargin", nil, delivery{acked: 1}, 1},
		{"duplicate", "deriv.calls.spx.remargin", fmt.Errorf("key: %w", core.ErrDuplicateCall), delivery{acked: 1}, 1},
		{"rejected by contract", "deriv.calls.spx.remargin", core.ErrNotLive, delivery{acked: 1}, 1},
		{"actor stopped", "deriv.calls.spx.remargin", core.ErrActorStopped, delivery{naked: 1}, 1},
		{"feed outage", "deriv.calls.spx.remargin", fmt.Errorf("%w: price feed: dial tcp: refused", core.ErrCollaborator), delivery{naked: 1}, 1},
		{"transfer outage", "deriv.calls.spx.remargin", fmt.Errorf("%w: %w: transfer_in: timeout", core.ErrTransferFailed, core.ErrCollaborator), delivery{naked: 1}, 1},
		{"transfer refused", "deriv.calls.spx.remargin", fmt.Errorf("%w: transfer_in: short funds", core.ErrTransferFailed), delivery{acked: 1}, 1},
		{"unknown contract", "deriv.calls.spx.remargin", core.ErrUnknownContract, delivery{termed: 1}, 1},
		{"bad subject", "deriv.calls.spx", nil, delivery{termed: 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tc.err}
			r := ingestion.NewCallRouter(sub, nil, nil, zerolog.Nop())
			var d delivery
			r.Handle(context.Background(), rawMsg(&d, tc.subject, body(t, nil)))
			assert.Equal(t, tc.want, d)
			assert.Len(t, sub.calls, tc.applied)
		})
	}
}

func TestCallRouter_RunDrainsInOrder(t *testing.T) {
	sub := &fakeSubmitter{}
	in := make(chan ingestion.RawEvent, 3)
	var d delivery
	for _, op := range []string{"deposit", "create_tokens", "withdraw"} {
		in <- rawMsg(&d, "deriv.calls.spx."+op, body(t, map[string]interface{}{"amount": "1", "num_tokens": "1"}))
	}
	close(in)

	r := ingestion.NewCallRouter(sub, in, nil, zerolog.Nop())
	require.NoError(t, r.Run(context.Background()))

	require.Len(t, sub.calls, 3)
	assert.Equal(t, event.CallTypeDeposit, sub.calls[0].CallType())
	assert.Equal(t, event.CallTypeCreateTokens, sub.calls[1].CallType())
	assert.Equal(t, event.CallTypeWithdraw, sub.calls[2].CallType())
	assert.Equal(t, 3, d.acked)
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	err  error
	seqs []int64
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, out core.CoreOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, out.Envelope.Sequence)
	return s.err
}

func output(seq int64, kinds ...event.NoticeKind) core.CoreOutput {
	env := &event.CallEnvelope{Sequence: seq, ContractID: "spx"}
	for _, k := range kinds {
		env.Notices = append(env.Notices, event.Notice{Kind: k, ContractID: "spx", Sequence: seq})
	}
	return core.CoreOutput{Envelope: env}
}

func TestDispatcher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	in := make(chan core.CoreOutput, 2)
	in <- output(1, event.NoticeDeposited)
	in <- output(2, event.NoticeNavUpdated)
	close(in)

	broken := &recordingSink{name: "broken", err: errors.New("down")}
	healthy := &recordingSink{name: "healthy"}
	d := ingestion.NewDispatcher(in, []ingestion.Sink{broken, healthy}, nil, zerolog.Nop())
	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, []int64{1, 2}, broken.seqs)
	assert.Equal(t, []int64{1, 2}, healthy.seqs)
}

func TestKafkaPublisher_OneMessagePerNotice(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	p := ingestion.NewKafkaPublisherWithProducer(producer, "deriv-notices")
	require.NoError(t, p.Publish(context.Background(), output(4, event.NoticeTokensCreated, event.NoticeNavUpdated)))
	require.NoError(t, p.Publish(context.Background(), output(5)), "no notices, no messages")
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_SurfacesErrors(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := ingestion.NewKafkaPublisherWithProducer(producer, "deriv-notices")
	err := p.Publish(context.Background(), output(1, event.NoticeSettled))
	assert.Error(t, err)
	require.NoError(t, p.Close())
}
