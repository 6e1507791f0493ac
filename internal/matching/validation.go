package matching

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/money"
)

var (
	addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	assetPattern   = regexp.MustCompile(`^[A-Z0-9]{3,10}$`)
)

// ValidationError is a malformed-request error (§7 "Validation").
// It is distinguished from other engine errors so the request surface
// can map it to 400 without inspecting message text.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// OrderRequest is the raw, string-typed shape a client submits.
type OrderRequest struct {
	Address string
	Asset   string
	Side    string
	Type    string
	Amount  string
	Price   string // ignored for market orders
}

// admittedOrder is the validated, decimal-typed form of a request,
// ready to be escrowed and inserted.
type admittedOrder struct {
	Address string
	Asset   string
	Side    store.Side
	Type    store.OrderType
	Amount  decimal.Decimal
	Price   decimal.Decimal // zero for market
}

// validate enforces the admission rules of §4.4.1: address shape,
// asset shape, side/type enums, amount/price positivity. Market
// orders carry no price (§9 fix): any price field on a market request
// is ignored rather than required.
func validate(req OrderRequest) (admittedOrder, error) {
	var out admittedOrder

	if !addressPattern.MatchString(req.Address) {
		return out, invalid("address", "must be a 0x-prefixed 20-byte hex address")
	}
	out.Address = req.Address

	if !assetPattern.MatchString(req.Asset) {
		return out, invalid("asset", "must be 3-10 uppercase alphanumerics")
	}
	out.Asset = req.Asset

	switch store.Side(req.Side) {
	case store.SideBuy, store.SideSell:
		out.Side = store.Side(req.Side)
	default:
		return out, invalid("side", "must be buy or sell")
	}

	switch store.OrderType(req.Type) {
	case store.OrderTypeLimit, store.OrderTypeMarket:
		out.Type = store.OrderType(req.Type)
	default:
		return out, invalid("type", "must be limit or market")
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return out, invalid("amount", "must be a positive number")
	}
	out.Amount = money.Round(amount, out.Asset)

	if out.Type == store.OrderTypeLimit {
		price, err := money.ParsePositive(req.Price)
		if err != nil {
			return out, invalid("price", "must be a positive number for a limit order")
		}
		out.Price = money.Round(price, money.Quote)
	}

	return out, nil
}
