package settlement

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/logging"
	"github.com/vertexfi/exchange/pkg/messaging"
)

// fakeBus records every published payload so tests can assert on
// published content (e.g. a failure reason) without a live NATS
// connection.
type fakeBus struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    interface{}
	}
}

func (f *fakeBus) Publish(ctx context.Context, subject string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		subject string
		data    interface{}
	}{subject, data})
	return nil
}

func (f *fakeBus) Subscribe(subject string, handler messaging.Handler) error { return nil }

func (f *fakeBus) last(subject string) (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].subject == subject {
			return f.published[i].data, true
		}
	}
	return nil, false
}

func newTestProcessor(t *testing.T) (*Processor, *store.Memory, *fakeBus) {
	t.Helper()
	logger, err := logging.New("error")
	require.NoError(t, err)

	st := store.NewMemory()
	bus := &fakeBus{}
	proc := &Processor{store: st, bus: bus, logger: logger, rand: rand.New(rand.NewSource(1))}
	return proc, st, bus
}

func TestProcessorProcessAppliesTransfer(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t)
	st.Seed("0xaaaa", "USDC", decimal.NewFromInt(100))

	id := uuid.New()
	require.NoError(t, st.InsertSettlement(ctx, store.Settlement{
		ID: id, From: "0xaaaa", To: "0xbbbb", Amount: decimal.NewFromInt(40),
		Asset: "USDC", Status: store.SettlementPending, CreatedAt: time.Now(),
	}))

	p.process(id, "0xaaaa", "0xbbbb", "USDC", decimal.NewFromInt(40))

	s, err := st.GetSettlement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SettlementConfirmed, s.Status)

	fromBal, err := st.GetBalance(ctx, "0xaaaa", "USDC")
	require.NoError(t, err)
	assert.True(t, fromBal.Equal(decimal.NewFromInt(60)))

	toBal, err := st.GetBalance(ctx, "0xbbbb", "USDC")
	require.NoError(t, err)
	assert.True(t, toBal.Equal(decimal.NewFromInt(40)))
}

func TestProcessorProcessFailsOnInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	p, st, bus := newTestProcessor(t)
	st.Seed("0xaaaa", "USDC", decimal.NewFromInt(10))

	id := uuid.New()
	require.NoError(t, st.InsertSettlement(ctx, store.Settlement{
		ID: id, From: "0xaaaa", To: "0xbbbb", Amount: decimal.NewFromInt(40),
		Asset: "USDC", Status: store.SettlementPending, CreatedAt: time.Now(),
	}))

	p.process(id, "0xaaaa", "0xbbbb", "USDC", decimal.NewFromInt(40))

	s, err := st.GetSettlement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SettlementFailed, s.Status)

	fromBal, err := st.GetBalance(ctx, "0xaaaa", "USDC")
	require.NoError(t, err)
	assert.True(t, fromBal.Equal(decimal.NewFromInt(10)), "balance must be untouched on failure")

	published, ok := bus.last(messaging.TopicSettlementFailed)
	require.True(t, ok, "expected a settlement_failed event to be published")
	event, ok := published.(messaging.SettlementFailed)
	require.True(t, ok)
	assert.Contains(t, event.Reason, "required 40")
	assert.Contains(t, event.Reason, "available 10")
}

func TestProcessorProcessIsIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t)
	st.Seed("0xaaaa", "USDC", decimal.NewFromInt(100))

	id := uuid.New()
	require.NoError(t, st.InsertSettlement(ctx, store.Settlement{
		ID: id, From: "0xaaaa", To: "0xbbbb", Amount: decimal.NewFromInt(40),
		Asset: "USDC", Status: store.SettlementPending, CreatedAt: time.Now(),
	}))

	p.process(id, "0xaaaa", "0xbbbb", "USDC", decimal.NewFromInt(40))
	p.process(id, "0xaaaa", "0xbbbb", "USDC", decimal.NewFromInt(40))

	fromBal, err := st.GetBalance(ctx, "0xaaaa", "USDC")
	require.NoError(t, err)
	assert.True(t, fromBal.Equal(decimal.NewFromInt(60)), "a redelivered transfer must not move balance twice")
}

func TestProcessorFailIsNoOpOnTerminalSettlement(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t)

	id := uuid.New()
	require.NoError(t, st.InsertSettlement(ctx, store.Settlement{
		ID: id, From: "0xaaaa", To: "0xbbbb", Amount: decimal.NewFromInt(1),
		Asset: "USDC", Status: store.SettlementConfirmed, CreatedAt: time.Now(), ConfirmedAt: &time.Time{},
	}))

	require.NoError(t, p.fail(ctx, id, "late failure"))

	s, err := st.GetSettlement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.SettlementConfirmed, s.Status, "a confirmed settlement must never flip to failed")
}

func TestProcessorHandleRejectsMalformedPayload(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	err := p.handle(context.Background(), []byte("not-json"))
	assert.Error(t, err)
}

func TestProcessorHandleDispatchesValidRequest(t *testing.T) {
	ctx := context.Background()
	p, st, _ := newTestProcessor(t)
	st.Seed("0xaaaa", "USDC", decimal.NewFromInt(100))

	id := uuid.New()
	require.NoError(t, st.InsertSettlement(ctx, store.Settlement{
		ID: id, From: "0xaaaa", To: "0xbbbb", Amount: decimal.NewFromInt(10),
		Asset: "USDC", Status: store.SettlementPending, CreatedAt: time.Now(),
	}))

	req := messaging.SettlementRequested{ID: id.String(), From: "0xaaaa", To: "0xbbbb", Amount: "10", Asset: "USDC"}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, p.handle(ctx, payload))

	require.Eventually(t, func() bool {
		s, err := st.GetSettlement(ctx, id)
		return err == nil && s.Status == store.SettlementConfirmed
	}, 4*time.Second, 20*time.Millisecond)
}

func TestProcessorJitterWithinBounds(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	for i := 0; i < 20; i++ {
		d := p.jitter()
		assert.GreaterOrEqual(t, d, minDelay)
		assert.LessOrEqual(t, d, maxDelay)
	}
}
