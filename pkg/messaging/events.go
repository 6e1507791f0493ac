package messaging

import "time"

// Topic names used by the core. Settlement topics are part of the
// contract between the request surface and the settlement processor;
// the engine publishes the trade/order topics, of which only the trade
// topic has a subscriber in this module (the audit recorder).
const (
	TopicSettlementRequests  = "settlement_requests"
	TopicSettlementConfirmed = "settlement_confirmed"
	TopicSettlementFailed    = "settlement_failed"

	TopicTradeExecuted      = "trades.executed"
	TopicOrderStatusChanged = "orders.status_changed"
)

// SettlementRequested is published by the request surface when a
// settlement is created, and consumed by the settlement processor.
type SettlementRequested struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

// SettlementConfirmed is published once a settlement's transfer has
// been applied to both balances.
type SettlementConfirmed struct {
	ID string `json:"id"`
}

// SettlementFailed is published when a settlement could not be applied.
type SettlementFailed struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// TradeExecuted mirrors a persisted trade, for the audit recorder.
type TradeExecuted struct {
	TradeID       string    `json:"trade_id"`
	BuyOrderID    string    `json:"buy_order_id"`
	SellOrderID   string    `json:"sell_order_id"`
	Asset         string    `json:"asset"`
	Amount        string    `json:"amount"`
	Price         string    `json:"price"`
	BuyerAddress  string    `json:"buyer_address"`
	SellerAddress string    `json:"seller_address"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderStatusChanged is published after any order status transition.
type OrderStatusChanged struct {
	OrderID         string    `json:"order_id"`
	Address         string    `json:"address"`
	Asset           string    `json:"asset"`
	Status          string    `json:"status"`
	RemainingAmount string    `json:"remaining_amount"`
	Timestamp       time.Time `json:"timestamp"`
}
