// Package matching is the core of the system: admission, escrow,
// price-time-priority matching, and atomic trade settlement (§4.4).
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/distlock"
	"github.com/vertexfi/exchange/pkg/messaging"
	"github.com/vertexfi/exchange/pkg/money"
	"github.com/vertexfi/exchange/pkg/orderbook"
)

// ErrInsufficientBalance is the admission-precheck failure kind (§4.4.1, §7).
var ErrInsufficientBalance = errors.New("matching: insufficient balance")

// ErrInsufficientLiquidity is returned for a market order with no
// opposite-side liquidity at all to match against (§9 market-order fix).
var ErrInsufficientLiquidity = errors.New("matching: insufficient liquidity")

// ErrOrderNotFound mirrors store.ErrNotFound at the engine boundary.
var ErrOrderNotFound = store.ErrNotFound

// Engine owns the order book semantics: admission, matching, fills,
// and escrow (§4.4). Everything else in this module is plumbing
// around it.
type Engine struct {
	store  store.Store
	bus    *messaging.Client
	locks  distlock.Locker
	logger *zap.Logger

	mu    sync.Mutex
	books map[string]*orderbook.Book
}

// NewEngine creates an Engine. locks serializes process_order/cancel
// calls per asset (§5); pass distlock.NewInProcess() for a single
// server, or an etcd-backed distlock.Locker for a multi-process
// deployment sharing one store.
func NewEngine(st store.Store, bus *messaging.Client, locks distlock.Locker, logger *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		bus:    bus,
		locks:  locks,
		books:  make(map[string]*orderbook.Book),
		logger: logger,
	}
}

// Warm loads every resting limit order from the store into the
// in-memory matching index, so a restarted process can keep matching
// against orders placed before it started.
func (e *Engine) Warm(ctx context.Context) error {
	for _, status := range []store.OrderStatus{store.OrderPending, store.OrderPartiallyFilled} {
		orders, err := e.store.ListOrders(ctx, store.OrderFilter{Status: status, HasStatus: true})
		if err != nil {
			return fmt.Errorf("matching: warm from store: %w", err)
		}
		for _, o := range orders {
			if o.Type != store.OrderTypeLimit {
				continue // market orders never rest, see ProcessOrder
			}
			e.bookFor(o.Asset).Add(toRestingOrder(o))
		}
	}
	return nil
}

func (e *Engine) bookFor(asset string) *orderbook.Book {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[asset]
	if !ok {
		b = orderbook.NewBook()
		e.books[asset] = b
	}
	return b
}

func toRestingOrder(o store.Order) *orderbook.RestingOrder {
	return &orderbook.RestingOrder{
		ID:        o.ID,
		Address:   o.Address,
		Asset:     o.Asset,
		Side:      orderbook.Side(o.Side),
		Type:      orderbook.OrderType(o.Type),
		Price:     o.Price,
		Remaining: o.RemainingAmount,
		CreatedAt: o.CreatedAt,
	}
}

// ProcessResult is the outcome of process_order (§4.4 contract).
type ProcessResult struct {
	OrderID         uuid.UUID
	Trades          []store.Trade
	RemainingAmount decimal.Decimal
	Status          store.OrderStatus
}

// ProcessOrder admits req, matches it against the book, writes every
// resulting mutation, and returns the trades plus the unfilled
// remainder (§4.4 contract).
func (e *Engine) ProcessOrder(ctx context.Context, req OrderRequest) (*ProcessResult, error) {
	admitted, err := validate(req)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, admitted.Asset)
	if err != nil {
		return nil, fmt.Errorf("matching: acquire asset lock: %w", err)
	}
	defer unlock()

	book := e.bookFor(admitted.Asset)
	candidates := book.Candidates(admitted.Side.Opposite())

	reserveAsset, reserveAmount, err := escrowRequirement(admitted, candidates)
	if err != nil {
		return nil, err
	}

	if err := e.store.Reserve(ctx, admitted.Address, reserveAsset, reserveAmount); err != nil {
		if errors.Is(err, store.ErrInsufficientAvailable) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("matching: reserve funds: %w", err)
	}

	newOrderID := uuid.New()
	now := time.Now()

	remaining := admitted.Amount
	consumedEscrow := decimal.Zero
	var trades []store.Trade

	for _, cand := range candidates {
		if remaining.IsZero() {
			break
		}
		if !matches(admitted.Type, cand.Type, admitted.Side, cand.Side, admitted.Price, cand.Price) {
			continue
		}

		tradeAmount := decimal.Min(remaining, cand.Remaining)
		if !tradeAmount.IsPositive() {
			continue
		}
		price := tradePrice(admitted.Type == store.OrderTypeMarket, cand.Type == orderbook.OrderTypeMarket,
			admitted.Price, cand.Price, now, cand.CreatedAt)
		price = money.Round(price, money.Quote)

		buyerAddress, sellerAddress := counterparties(admitted, cand)

		trade := store.Trade{
			ID:            uuid.New(),
			BuyOrderID:    buyOrderID(newOrderID, cand.ID, admitted.Side),
			SellOrderID:   sellOrderID(newOrderID, cand.ID, admitted.Side),
			Asset:         admitted.Asset,
			Amount:        tradeAmount,
			Price:         price,
			BuyerAddress:  buyerAddress,
			SellerAddress: sellerAddress,
			CreatedAt:     now,
		}

		candRemaining := cand.Remaining.Sub(tradeAmount)
		candStatus := store.OrderPartiallyFilled
		if candRemaining.IsZero() {
			candStatus = store.OrderFilled
		}

		candEscrowDelta := tradeAmount
		if cand.Side == orderbook.SideBuy {
			candEscrowDelta = tradeAmount.Mul(price)
		}

		newEscrowDelta := tradeAmount
		if admitted.Side == store.SideBuy {
			newEscrowDelta = tradeAmount.Mul(price)
		}

		err := e.store.ApplyTrade(ctx, store.TradeSettlement{
			Trade: trade,
			Candidate: store.OrderMutation{
				ID:            cand.ID,
				Status:        candStatus,
				Remaining:     candRemaining,
				ReservedDelta: candEscrowDelta,
			},
			NewOrderEscrow: store.EscrowRelease{
				Address: admitted.Address,
				Asset:   reserveAsset,
				Amount:  newEscrowDelta,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("matching: apply trade: %w", err)
		}

		if candRemaining.IsZero() {
			book.Remove(cand.ID)
		} else {
			book.SetRemaining(cand.ID, candRemaining)
		}

		remaining = remaining.Sub(tradeAmount)
		consumedEscrow = consumedEscrow.Add(newEscrowDelta)
		trades = append(trades, trade)

		e.publishTrade(trade)
		e.publishStatus(cand.ID, cand.Address, admitted.Asset, candStatus, candRemaining)
	}

	if admitted.Type == store.OrderTypeMarket && len(trades) == 0 {
		if err := e.store.Release(ctx, admitted.Address, reserveAsset, reserveAmount); err != nil {
			return nil, fmt.Errorf("matching: release unmatched market order escrow: %w", err)
		}
		return nil, ErrInsufficientLiquidity
	}

	finalStatus := store.OrderPending
	switch {
	case remaining.IsZero():
		finalStatus = store.OrderFilled
	case len(trades) > 0:
		finalStatus = store.OrderPartiallyFilled
	}

	leftoverReserve := reserveAmount.Sub(consumedEscrow)
	if leftoverReserve.IsNegative() {
		leftoverReserve = decimal.Zero
	}

	persistedReserve := leftoverReserve
	rests := admitted.Type == store.OrderTypeLimit && remaining.IsPositive()
	if !rests && leftoverReserve.IsPositive() {
		if err := e.store.Release(ctx, admitted.Address, reserveAsset, leftoverReserve); err != nil {
			return nil, fmt.Errorf("matching: release unused escrow: %w", err)
		}
		persistedReserve = decimal.Zero
	}

	order := store.Order{
		ID:              newOrderID,
		Address:         admitted.Address,
		Asset:           admitted.Asset,
		Side:            admitted.Side,
		Type:            admitted.Type,
		Amount:          admitted.Amount,
		RemainingAmount: remaining,
		Price:           admitted.Price,
		Reserved:        persistedReserve,
		Status:          finalStatus,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("matching: persist order: %w", err)
	}

	if rests {
		book.Add(toRestingOrder(order))
	}

	e.publishStatus(newOrderID, admitted.Address, admitted.Asset, finalStatus, remaining)

	return &ProcessResult{
		OrderID:         newOrderID,
		Trades:          trades,
		RemainingAmount: remaining,
		Status:          finalStatus,
	}, nil
}

// CancelOrder transitions order id to cancelled iff it is pending or
// partially_filled, releasing its remaining escrow (§4.4.7).
func (e *Engine) CancelOrder(ctx context.Context, id uuid.UUID) (bool, error) {
	o, err := e.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}

	unlock, err := e.locks.Lock(ctx, o.Asset)
	if err != nil {
		return false, fmt.Errorf("matching: acquire asset lock: %w", err)
	}
	defer unlock()

	ok, err := e.store.CancelOrder(ctx, id)
	if err != nil {
		return false, fmt.Errorf("matching: cancel order: %w", err)
	}
	if !ok {
		return false, nil
	}

	e.bookFor(o.Asset).Remove(id)
	e.publishStatus(id, o.Address, o.Asset, store.OrderCancelled, o.RemainingAmount)
	return true, nil
}

func (e *Engine) publishTrade(t store.Trade) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(context.Background(), messaging.TopicTradeExecuted, messaging.TradeExecuted{
		TradeID:       t.ID.String(),
		BuyOrderID:    t.BuyOrderID.String(),
		SellOrderID:   t.SellOrderID.String(),
		Asset:         t.Asset,
		Amount:        t.Amount.String(),
		Price:         t.Price.String(),
		BuyerAddress:  t.BuyerAddress,
		SellerAddress: t.SellerAddress,
		CreatedAt:     t.CreatedAt,
	})
}

func (e *Engine) publishStatus(id uuid.UUID, address, asset string, status store.OrderStatus, remaining decimal.Decimal) {
	if e.bus == nil {
		return
	}
	_ = e.bus.Publish(context.Background(), messaging.TopicOrderStatusChanged, messaging.OrderStatusChanged{
		OrderID:         id.String(),
		Address:         address,
		Asset:           asset,
		Status:          string(status),
		RemainingAmount: remaining.String(),
		Timestamp:       time.Now(),
	})
}

// escrowRequirement computes how much of which asset must be reserved
// to admit the order. A limit order reserves a fixed amount; a market
// sell reserves its full base amount; a market buy reserves exactly
// the quote cost of matching against currently-resting liquidity,
// walking the same candidate snapshot the match loop will use, so the
// two never disagree (§9 market-order / reserved-funds fix).
func escrowRequirement(a admittedOrder, candidates []*orderbook.RestingOrder) (asset string, amount decimal.Decimal, err error) {
	if a.Side == store.SideSell {
		return a.Asset, a.Amount, nil
	}

	if a.Type == store.OrderTypeLimit {
		return money.Quote, a.Amount.Mul(a.Price), nil
	}

	cost, matchable := decimal.Zero, decimal.Zero
	left := a.Amount
	for _, c := range candidates {
		if left.IsZero() {
			break
		}
		take := decimal.Min(left, c.Remaining)
		cost = cost.Add(take.Mul(c.Price))
		matchable = matchable.Add(take)
		left = left.Sub(take)
	}
	if !matchable.IsPositive() {
		return "", decimal.Zero, ErrInsufficientLiquidity
	}
	return money.Quote, cost, nil
}

// matches implements the match predicate (§4.4.3): opposite sides
// always required; both-limit requires buy.price >= sell.price;
// either side being market is always matchable.
func matches(newType store.OrderType, candType orderbook.OrderType, newSide store.Side, candSide orderbook.Side, newPrice, candPrice decimal.Decimal) bool {
	if store.Side(candSide) == newSide {
		return false
	}
	if newType == store.OrderTypeMarket || candType == orderbook.OrderTypeMarket {
		return true
	}
	buyPrice, sellPrice := newPrice, candPrice
	if newSide == store.SideSell {
		buyPrice, sellPrice = candPrice, newPrice
	}
	return buyPrice.GreaterThanOrEqual(sellPrice)
}

// tradePrice implements the trade price rule (§4.4.4).
func tradePrice(newIsMarket, candIsMarket bool, newPrice, candPrice decimal.Decimal, newCreatedAt, candCreatedAt time.Time) decimal.Decimal {
	switch {
	case !newIsMarket && !candIsMarket:
		if newCreatedAt.Before(candCreatedAt) {
			return newPrice
		}
		return candPrice
	case newIsMarket && !candIsMarket:
		return candPrice
	case !newIsMarket && candIsMarket:
		return newPrice
	default:
		return newPrice.Add(candPrice).DivRound(decimal.NewFromInt(2), 18)
	}
}

func counterparties(a admittedOrder, cand *orderbook.RestingOrder) (buyer, seller string) {
	if a.Side == store.SideBuy {
		return a.Address, cand.Address
	}
	return cand.Address, a.Address
}

func buyOrderID(newID, candID uuid.UUID, newSide store.Side) uuid.UUID {
	if newSide == store.SideBuy {
		return newID
	}
	return candID
}

func sellOrderID(newID, candID uuid.UUID, newSide store.Side) uuid.UUID {
	if newSide == store.SideSell {
		return newID
	}
	return candID
}
