// Package store defines the durable-state interface the matching
// engine, settlement processor, and query surface are all written
// against, plus the in-memory and Postgres implementations of it. The
// engine never assumes a specific backing store (§4.1): it only calls
// through this interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by single-record lookups that miss.
var ErrNotFound = errors.New("store: not found")

// ErrInsufficientAvailable is returned when a reservation would drive
// an address's available balance (amount - reserved) negative.
var ErrInsufficientAvailable = errors.New("store: insufficient available balance")

// OrderStatus is one state in the order status machine (§3).
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// SettlementStatus is one state in the settlement lifecycle (§3).
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// Side is an order's side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is an order's type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Balance is the durable (address, asset) balance record. Amount is
// the total balance; Reserved is the portion escrowed against
// resting (pending or partially filled) orders (§9 reserved-funds
// fix). Available to
// spend is always Amount - Reserved.
type Balance struct {
	Address  string          `json:"address"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	Reserved decimal.Decimal `json:"reserved"`
}

// Available returns the unreserved portion of the balance.
func (b Balance) Available() decimal.Decimal {
	return b.Amount.Sub(b.Reserved)
}

// Settlement is an out-of-book asynchronous transfer between two
// addresses for a single asset (§3).
type Settlement struct {
	ID          uuid.UUID        `json:"id"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Amount      decimal.Decimal  `json:"amount"`
	Asset       string           `json:"asset"`
	Status      SettlementStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	ConfirmedAt *time.Time       `json:"confirmedAt,omitempty"`
}

// SettlementView annotates a settlement with the role the queried
// address played in it, for list_by_address.
type SettlementView struct {
	Settlement
	Role string `json:"role"` // "sender" or "receiver"
}

// Order is a resting or terminal order (§3).
type Order struct {
	ID              uuid.UUID       `json:"id"`
	Address         string          `json:"address"`
	Asset           string          `json:"asset"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	Price           decimal.Decimal `json:"price"` // zero for market orders
	Reserved        decimal.Decimal `json:"reserved,omitempty"`
	Status          OrderStatus     `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Trade is an immutable record of a match between a buy and sell order (§3).
type Trade struct {
	ID            uuid.UUID       `json:"id"`
	BuyOrderID    uuid.UUID       `json:"buyOrderId"`
	SellOrderID   uuid.UUID       `json:"sellOrderId"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	BuyerAddress  string          `json:"buyerAddress"`
	SellerAddress string          `json:"sellerAddress"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// OrderFilter narrows Orders.List (§4.1).
type OrderFilter struct {
	Address   string // empty = any
	Status    OrderStatus
	HasStatus bool
}

// TradeFilter narrows Trades.List (§4.1). Address matches either side.
type TradeFilter struct {
	Asset   string
	Address string
}

// PriceLevel is one aggregated row of an order book query (§4.1).
type PriceLevel struct {
	Price          decimal.Decimal `json:"price"`
	TotalRemaining decimal.Decimal `json:"totalRemaining"`
	OrderCount     int             `json:"orderCount"`
}

// OrderMutation describes how a resting candidate order changed as a
// result of a single match step (§4.4.5). ReservedDelta is the amount
// of escrow consumed (and therefore released) by this fill; it is
// always <= the order's remaining Reserved.
type OrderMutation struct {
	ID            uuid.UUID
	Status        OrderStatus
	Remaining     decimal.Decimal
	ReservedDelta decimal.Decimal
}

// EscrowRelease releases part of an up-front reservation that isn't
// tied to a persisted order row yet — the order being admitted in the
// same process_order call as this trade. The engine persists that
// order's own final row once, after its match loop finishes (§4.4.5:
// "persist the new order with final status and remaining"), so its
// per-trade escrow consumption is tracked here instead of through an
// OrderMutation.
type EscrowRelease struct {
	Address string
	Asset   string
	Amount  decimal.Decimal
}

// TradeSettlement bundles everything one match step writes, so the
// store can commit it as the single atomic unit §4.4.6 requires: one
// trade insert, one resting-order update, four balance updates, and
// the admitted order's partial escrow release.
type TradeSettlement struct {
	Trade          Trade
	Candidate      OrderMutation
	NewOrderEscrow EscrowRelease
}

// Store is the durable-state interface. Every method that mutates
// more than one record is documented as a single atomic unit; callers
// never need to wrap calls in their own transactions.
type Store interface {
	// Balances
	GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error)
	ListBalances(ctx context.Context, address string) ([]Balance, error)
	// Reserve escrows amount against address's balance for asset,
	// failing with ErrInsufficientAvailable if the available balance
	// (amount - reserved) is less than amount.
	Reserve(ctx context.Context, address, asset string, amount decimal.Decimal) error
	// Release returns previously-reserved funds to availability
	// without touching the underlying amount (cancellation refund).
	Release(ctx context.Context, address, asset string, amount decimal.Decimal) error
	// Credit and Debit adjust Amount directly (used by the settlement
	// processor, which has no escrow step of its own).
	Credit(ctx context.Context, address, asset string, amount decimal.Decimal) error
	Debit(ctx context.Context, address, asset string, amount decimal.Decimal) error

	// Settlements
	InsertSettlement(ctx context.Context, s Settlement) error
	GetSettlement(ctx context.Context, id uuid.UUID) (Settlement, error)
	ListSettlements(ctx context.Context) ([]Settlement, error)
	ListSettlementsByAddress(ctx context.Context, address string) ([]SettlementView, error)
	// UpdateSettlementStatus transitions a settlement to a terminal
	// status. It is a no-op (returns false) if the settlement is
	// already terminal, the idempotency guard from §9.
	UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status SettlementStatus, confirmedAt *time.Time) (bool, error)
	// ApplySettlementTransfer debits from, credits to, and marks the
	// settlement confirmed as one atomic unit, but only if the
	// settlement is still pending (idempotency guard).
	ApplySettlementTransfer(ctx context.Context, id uuid.UUID, from, to, asset string, amount decimal.Decimal, confirmedAt time.Time) (bool, error)

	// Orders
	// InsertOrder persists an admitted order. The caller must already
	// have reserved o.Reserved via Reserve before calling this, so the
	// order's escrow bookkeeping and its balance-side reservation
	// agree from the moment it becomes visible.
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error)
	// ApplyTrade commits one match step: trade insert, the resting
	// candidate's order mutation, the four balance movements the
	// trade implies, and the admitted order's escrow release, as a
	// single transaction (§4.4.6).
	ApplyTrade(ctx context.Context, settlement TradeSettlement) error
	// CancelOrder transitions an order to cancelled iff it is
	// currently pending or partially_filled, releasing its remaining
	// reservation in the same transaction. Returns false if the order
	// was already terminal.
	CancelOrder(ctx context.Context, id uuid.UUID) (bool, error)

	// Trades
	ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, error)

	// Order book aggregation
	BookDepth(ctx context.Context, asset string, maxLevels int) (bids, asks []PriceLevel, err error)

	Close() error
}
