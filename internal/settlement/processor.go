// Package settlement runs the asynchronous transfer path (§4.3):
// every create_settlement request starts pending, and a background
// processor confirms or fails it after a randomized delay that models
// real transfer latency.
package settlement

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/messaging"
)

const (
	minDelay = 1000 * time.Millisecond
	maxDelay = 3000 * time.Millisecond

	processingErrorReason = "Processing error occurred"
)

// eventBus is the subset of *messaging.Client the processor needs:
// publish outcomes, subscribe to requests. Accepting the interface
// rather than the concrete client lets tests assert on published
// payloads without a live NATS connection.
type eventBus interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Subscribe(subject string, handler messaging.Handler) error
}

// Processor subscribes to settlement_requests and resolves each one to
// confirmed or failed (§4.3). It never blocks the caller that published
// the request: each request is handled on its own goroutine so the
// random delay of one settlement never holds up another.
type Processor struct {
	store  store.Store
	bus    eventBus
	logger *zap.Logger

	mu   sync.Mutex // guards rand, which is not goroutine-safe
	rand *rand.Rand
}

// NewProcessor builds a settlement processor over st, publishing
// outcomes through bus.
func NewProcessor(st store.Store, bus *messaging.Client, logger *zap.Logger) *Processor {
	return &Processor{
		store:  st,
		bus:    bus,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start registers the subscription. Call once at boot.
func (p *Processor) Start() error {
	return p.bus.Subscribe(messaging.TopicSettlementRequests, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	req, err := messaging.DecodeJSON[messaging.SettlementRequested](payload)
	if err != nil {
		p.logger.Error("settlement: malformed request", zap.Error(err))
		return err
	}

	id, err := uuid.Parse(req.ID)
	if err != nil {
		p.logger.Error("settlement: malformed settlement id", zap.String("id", req.ID), zap.Error(err))
		return err
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		p.logger.Error("settlement: malformed amount", zap.String("id", req.ID), zap.Error(err))
		return p.fail(ctx, id, processingErrorReason)
	}

	go p.process(id, req.From, req.To, req.Asset, amount)
	return nil
}

// process implements the §4.3 algorithm: sleep a random delay, check
// the sender's balance, then apply or fail. A second settlement for
// the same id (e.g. a redelivered message) is a no-op, since
// ApplySettlementTransfer and UpdateSettlementStatus only act on a
// still-pending settlement (§9 idempotency fix).
func (p *Processor) process(id uuid.UUID, from, to, asset string, amount decimal.Decimal) {
	time.Sleep(p.jitter())

	ctx := context.Background()

	balance, err := p.store.GetBalance(ctx, from, asset)
	if err != nil {
		p.logger.Error("settlement: balance lookup failed", zap.String("id", id.String()), zap.Error(err))
		p.fail(ctx, id, processingErrorReason)
		return
	}

	if balance.LessThan(amount) {
		p.fail(ctx, id, fmt.Sprintf("insufficient balance: required %s, available %s", amount, balance))
		return
	}

	applied, err := p.store.ApplySettlementTransfer(ctx, id, from, to, asset, amount, time.Now())
	if err != nil {
		p.logger.Error("settlement: transfer failed", zap.String("id", id.String()), zap.Error(err))
		p.fail(ctx, id, processingErrorReason)
		return
	}
	if !applied {
		// Already resolved by a prior delivery; nothing left to do.
		return
	}

	p.logger.Info("settlement: confirmed", zap.String("id", id.String()))
	p.bus.Publish(ctx, messaging.TopicSettlementConfirmed, messaging.SettlementConfirmed{ID: id.String()})
}

func (p *Processor) fail(ctx context.Context, id uuid.UUID, reason string) error {
	ok, err := p.store.UpdateSettlementStatus(ctx, id, store.SettlementFailed, nil)
	if err != nil {
		p.logger.Error("settlement: failed to mark failed", zap.String("id", id.String()), zap.Error(err))
		return err
	}
	if ok {
		p.logger.Warn("settlement: failed", zap.String("id", id.String()), zap.String("reason", reason))
		p.bus.Publish(ctx, messaging.TopicSettlementFailed, messaging.SettlementFailed{ID: id.String(), Reason: reason})
	}
	return nil
}

func (p *Processor) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := int64(maxDelay - minDelay)
	return minDelay + time.Duration(p.rand.Int63n(span+1))
}
