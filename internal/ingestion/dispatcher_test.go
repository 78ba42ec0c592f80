package ingestion_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/ingestion"
	"TrancheLedger/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// settled records how a message was settled.
type settled struct {
	acks, naks int
}

func (s *settled) raw(t *testing.T, subject string, payload any) ingestion.RawEvent {
	r := rawFromJSON(t, subject, payload)
	r.AckFunc = func() { s.acks++ }
	r.NakFunc = func() { s.naks++ }
	return r
}

func newDispatcher(t *testing.T) (*ingestion.Dispatcher, *testutil.Driver) {
	d := testutil.NewDriver(t)
	return ingestion.NewDispatcher(d.Engine, ingestion.DefaultSubjects(), nil), d
}

func TestDispatcher_AcceptsAndAcks(t *testing.T) {
	disp, d := newDispatcher(t)
	lender := d.Lender("carol")
	var s settled

	disp.Handle(context.Background(), s.raw(t, "tranche.funds.deposit."+lender.String(), map[string]any{
		"event_id":  testutil.ID("deposit-1").String(),
		"lender":    lender.String(),
		"tranche":   "junior",
		"amount":    1_000,
		"timestamp": testutil.StartTime,
	}))

	assert.Equal(t, settled{acks: 1}, s)
	v, err := d.Engine.Lender(lender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), v.Tranches[1].FreeShares)
}

func TestDispatcher_RedeliveryIsDuplicate(t *testing.T) {
	disp, d := newDispatcher(t)
	lender := d.Lender("carol")
	payload := map[string]any{
		"event_id": testutil.ID("deposit-1").String(),
		"lender":   lender.String(),
		"tranche":  "junior",
		"amount":   1_000,
	}
	var s settled
	disp.Handle(context.Background(), s.raw(t, "tranche.funds.deposit.x", payload))
	seq := d.Engine.GetSequence()
	disp.Handle(context.Background(), s.raw(t, "tranche.funds.deposit.x", payload))

	assert.Equal(t, settled{acks: 2}, s)
	assert.Equal(t, seq, d.Engine.GetSequence())
}

func TestDispatcher_RejectionsAreAcked(t *testing.T) {
	disp, _ := newDispatcher(t)
	var s settled

	// Unknown lender: deterministic authorization failure.
	disp.Handle(context.Background(), s.raw(t, "tranche.funds.deposit.x", map[string]any{
		"event_id": testutil.ID("deposit-1").String(),
		"lender":   testutil.ID("stranger").String(),
		"tranche":  "senior",
		"amount":   10,
	}))
	// Malformed and unroutable messages are dropped too.
	disp.Handle(context.Background(), s.raw(t, "tranche.funds.deposit.x", map[string]any{"event_id": "nope"}))
	disp.Handle(context.Background(), s.raw(t, "tranche.unknown.x", map[string]any{}))

	assert.Equal(t, settled{acks: 3}, s)
}

func TestDispatcher_SequenceGapIsRetried(t *testing.T) {
	disp, d := newDispatcher(t)
	var s settled
	pnl := func(seq int) map[string]any {
		return map[string]any{"caller": testutil.Agent.String(), "sequence": seq, "profit": 1, "timestamp": d.Now}
	}

	disp.Handle(context.Background(), s.raw(t, "tranche.credit.pnl.x", pnl(2)))
	assert.Equal(t, settled{naks: 1}, s)

	disp.Handle(context.Background(), s.raw(t, "tranche.credit.pnl.x", pnl(1)))
	disp.Handle(context.Background(), s.raw(t, "tranche.credit.pnl.x", pnl(2)))
	assert.Equal(t, settled{acks: 2, naks: 1}, s)
	assert.Equal(t, uint64(2), d.Engine.Pool().PendingPnL.Profit)
}

func TestDispatcher_RunStopsOnClose(t *testing.T) {
	disp, d := newDispatcher(t)
	lender := d.Lender("carol")
	ch := make(chan ingestion.RawEvent, 1)
	var s settled
	ch <- s.raw(t, "tranche.lenders.reinvest.x", map[string]any{
		"event_id":       testutil.ID("reinvest").String(),
		"caller":         testutil.Operator.String(),
		"lender":         lender.String(),
		"reinvest_yield": true,
	})
	close(ch)

	require.NoError(t, disp.Run(context.Background(), ch))
	assert.Equal(t, settled{acks: 1}, s)
}

func TestDispatcher_SubmitHonoursContext(t *testing.T) {
	disp, d := newDispatcher(t)
	seq := d.Engine.GetSequence()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := disp.Submit(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, seq, d.Engine.GetSequence())
}

// fakeStream captures publishes.
type fakeStream struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
	done     chan struct{}
	want     int
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, payload)
	if len(f.subjects) == f.want {
		close(f.done)
	}
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesEnvelopes(t *testing.T) {
	d := testutil.NewDriver(t)
	d.Scenario()
	outputs := d.Drain()
	require.NotEmpty(t, outputs)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	fs := &fakeStream{done: make(chan struct{}), want: len(outputs)}
	pub := ingestion.NewOutboundPublisher(fs, in)
	require.NoError(t, pub.Run(context.Background()))

	select {
	case <-fs.done:
	case <-time.After(time.Second):
		t.Fatal("publisher did not publish every output")
	}

	var closes int
	for i, subject := range fs.subjects {
		var body ingestion.PublishableEvent
		require.NoError(t, json.Unmarshal(fs.bodies[i], &body))
		assert.Equal(t, outputs[i].Envelope.Sequence, body.Sequence)
		assert.Equal(t, "tranche.ledger.events."+body.EventType, subject)
		assert.Len(t, body.StateHash, 64)
		if body.EventType == "EpochClose" {
			closes++
			assert.NotNil(t, body.Receipt.Epoch)
		}
	}
	assert.Equal(t, 2, closes)
}
