// Package money provides decimal-safe amounts scaled per asset.
//
// Everything here is a thin layer over shopspring/decimal: the point is
// not cleverness, it's refusing to let a float64 anywhere near a
// balance or a trade price.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset describes a fungible token in the fixed catalogue.
type Asset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int32  `json:"decimals"`
	Kind     string `json:"type"` // "fiat-stable", "crypto"
}

// Quote is the hard-coded quote currency for every trade in this system.
const Quote = "USDC"

// Catalogue is the fixed set of tradable/quotable assets.
var Catalogue = map[string]Asset{
	"USDC": {Symbol: "USDC", Name: "USD Coin", Decimals: 6, Kind: "fiat-stable"},
	"USDT": {Symbol: "USDT", Name: "Tether USD", Decimals: 6, Kind: "fiat-stable"},
	"ETH":  {Symbol: "ETH", Name: "Ether", Decimals: 18, Kind: "crypto"},
	"BTC":  {Symbol: "BTC", Name: "Bitcoin", Decimals: 8, Kind: "crypto"},
	"DAI":  {Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18, Kind: "crypto"},
}

// KnownAsset reports whether symbol is in the fixed catalogue.
func KnownAsset(symbol string) bool {
	_, ok := Catalogue[symbol]
	return ok
}

// Scale returns the rounding scale for symbol, defaulting to 8 places
// for assets outside the fixed catalogue (still 3-10 uppercase
// alphanumerics per the admission rule, just not one of the seeded
// five).
func Scale(symbol string) int32 {
	if a, ok := Catalogue[symbol]; ok {
		return a.Decimals
	}
	return 8
}

// Round rounds amt to the asset's declared scale. Store writes and
// trade prices/quantities are rounded at this boundary so invariant
// arithmetic (amount = remaining + sum(fills)) stays exact.
func Round(amt decimal.Decimal, symbol string) decimal.Decimal {
	return amt.Round(Scale(symbol))
}

// Zero is the canonical zero decimal, exported so callers don't sprinkle
// decimal.NewFromInt(0) everywhere.
var Zero = decimal.Zero

// ParsePositive parses s as a decimal and requires it to be strictly
// positive, the shape every amount/price field in an admitted order
// must satisfy.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("value %q must be positive", s)
	}
	return d, nil
}

// ParseNonNegative parses s as a decimal and requires it to be >= 0.
func ParseNonNegative(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("value %q must not be negative", s)
	}
	return d, nil
}
