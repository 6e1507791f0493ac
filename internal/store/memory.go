package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vertexfi/exchange/pkg/money"
)

const quoteAsset = money.Quote

// Memory is an in-process Store, useful for tests and for running the
// server without a Postgres instance. It holds every record in maps
// guarded by a single mutex; that's enough serialization for
// correctness, though real deployments should use Postgres for the
// per-asset indexing §4.1 calls for.
type Memory struct {
	mu sync.Mutex

	balances   map[balanceKey]*Balance
	settlements map[uuid.UUID]*Settlement
	orders     map[uuid.UUID]*Order
	trades     []*Trade
}

type balanceKey struct {
	address string
	asset   string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[balanceKey]*Balance),
		settlements: make(map[uuid.UUID]*Settlement),
		orders:      make(map[uuid.UUID]*Order),
	}
}

// Seed pre-populates balances, used for the fixed test-address seed
// described in §6.
func (m *Memory) Seed(address, asset string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{address, asset}] = &Balance{Address: address, Asset: asset, Amount: amount}
}

func (m *Memory) balance(address, asset string) *Balance {
	key := balanceKey{address, asset}
	b, ok := m.balances[key]
	if !ok {
		b = &Balance{Address: address, Asset: asset}
		m.balances[key] = b
	}
	return b
}

func (m *Memory) GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(address, asset).Amount, nil
}

func (m *Memory) ListBalances(ctx context.Context, address string) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Balance
	for key, b := range m.balances {
		if key.address == address {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *Memory) Reserve(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(address, asset)
	if b.Available().LessThan(amount) {
		return ErrInsufficientAvailable
	}
	b.Reserved = b.Reserved.Add(amount)
	return nil
}

func (m *Memory) Release(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(address, asset)
	b.Reserved = b.Reserved.Sub(amount)
	if b.Reserved.IsNegative() {
		b.Reserved = decimal.Zero
	}
	return nil
}

func (m *Memory) Credit(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance(address, asset)
	b.Amount = b.Amount.Add(amount)
	return nil
}

func (m *Memory) Debit(ctx context.Context, address, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance(address, asset)
	b.Amount = b.Amount.Sub(amount)
	return nil
}

func (m *Memory) InsertSettlement(ctx context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.settlements[s.ID] = &cp
	return nil
}

func (m *Memory) GetSettlement(ctx context.Context, id uuid.UUID) (Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[id]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	return *s, nil
}

func (m *Memory) ListSettlements(ctx context.Context) ([]Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Settlement, 0, len(m.settlements))
	for _, s := range m.settlements {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSettlementsByAddress(ctx context.Context, address string) ([]SettlementView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SettlementView
	for _, s := range m.settlements {
		switch address {
		case s.From:
			out = append(out, SettlementView{Settlement: *s, Role: "sender"})
		case s.To:
			out = append(out, SettlementView{Settlement: *s, Role: "receiver"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status SettlementStatus, confirmedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settlements[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != SettlementPending {
		return false, nil
	}
	s.Status = status
	s.ConfirmedAt = confirmedAt
	return true, nil
}

func (m *Memory) ApplySettlementTransfer(ctx context.Context, id uuid.UUID, from, to, asset string, amount decimal.Decimal, confirmedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settlements[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != SettlementPending {
		return false, nil
	}

	fromBal := m.balance(from, asset)
	toBal := m.balance(to, asset)
	fromBal.Amount = fromBal.Amount.Sub(amount)
	toBal.Amount = toBal.Amount.Add(amount)

	s.Status = SettlementConfirmed
	ts := confirmedAt
	s.ConfirmedAt = &ts
	return true, nil
}

func (m *Memory) InsertOrder(ctx context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return *o, nil
}

func (m *Memory) ListOrders(ctx context.Context, filter OrderFilter) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Order
	for _, o := range m.orders {
		if filter.Address != "" && o.Address != filter.Address {
			continue
		}
		if filter.HasStatus && o.Status != filter.Status {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ApplyTrade(ctx context.Context, ts TradeSettlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidate, ok := m.orders[ts.Candidate.ID]
	if !ok {
		return ErrNotFound
	}

	quote := ts.Trade.Price.Mul(ts.Trade.Amount)

	baseBuyer := m.balance(ts.Trade.BuyerAddress, ts.Trade.Asset)
	baseSeller := m.balance(ts.Trade.SellerAddress, ts.Trade.Asset)
	quoteBuyer := m.balance(ts.Trade.BuyerAddress, quoteAsset)
	quoteSeller := m.balance(ts.Trade.SellerAddress, quoteAsset)

	baseBuyer.Amount = baseBuyer.Amount.Add(ts.Trade.Amount)
	baseSeller.Amount = baseSeller.Amount.Sub(ts.Trade.Amount)
	quoteBuyer.Amount = quoteBuyer.Amount.Sub(quote)
	quoteSeller.Amount = quoteSeller.Amount.Add(quote)

	candidate.Status = ts.Candidate.Status
	candidate.RemainingAmount = ts.Candidate.Remaining
	candidate.Reserved = candidate.Reserved.Sub(ts.Candidate.ReservedDelta)
	candidate.UpdatedAt = ts.Trade.CreatedAt

	if candidateAsset := candidateReservedAsset(candidate.Side, candidate.Asset); ts.Candidate.ReservedDelta.IsPositive() {
		b := m.balance(candidate.Address, candidateAsset)
		b.Reserved = b.Reserved.Sub(ts.Candidate.ReservedDelta)
		if b.Reserved.IsNegative() {
			b.Reserved = decimal.Zero
		}
	}

	if ts.NewOrderEscrow.Amount.IsPositive() {
		b := m.balance(ts.NewOrderEscrow.Address, ts.NewOrderEscrow.Asset)
		b.Reserved = b.Reserved.Sub(ts.NewOrderEscrow.Amount)
		if b.Reserved.IsNegative() {
			b.Reserved = decimal.Zero
		}
	}

	trade := ts.Trade
	m.trades = append(m.trades, &trade)

	return nil
}

func candidateReservedAsset(side Side, asset string) string {
	if side == SideSell {
		return asset
	}
	return quoteAsset
}

func (m *Memory) CancelOrder(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != OrderPending && o.Status != OrderPartiallyFilled {
		return false, nil
	}

	asset := quoteAsset
	if o.Side == SideSell {
		asset = o.Asset
	}
	b := m.balance(o.Address, asset)
	b.Reserved = b.Reserved.Sub(o.Reserved)
	if b.Reserved.IsNegative() {
		b.Reserved = decimal.Zero
	}

	o.Status = OrderCancelled
	o.Reserved = decimal.Zero
	o.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Trade
	for i := len(m.trades) - 1; i >= 0 && len(out) < 100; i-- {
		t := m.trades[i]
		if filter.Asset != "" && t.Asset != filter.Asset {
			continue
		}
		if filter.Address != "" && t.BuyerAddress != filter.Address && t.SellerAddress != filter.Address {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *Memory) BookDepth(ctx context.Context, asset string, maxLevels int) ([]PriceLevel, []PriceLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bids := aggregateLevels(m.orders, asset, SideBuy, maxLevels)
	asks := aggregateLevels(m.orders, asset, SideSell, maxLevels)
	return bids, asks, nil
}

func aggregateLevels(orders map[uuid.UUID]*Order, asset string, side Side, maxLevels int) []PriceLevel {
	byPrice := make(map[string]*PriceLevel)
	var keys []string

	for _, o := range orders {
		if o.Asset != asset || o.Side != side {
			continue
		}
		if o.Status != OrderPending && o.Status != OrderPartiallyFilled {
			continue
		}
		key := o.Price.String()
		lvl, ok := byPrice[key]
		if !ok {
			lvl = &PriceLevel{Price: o.Price}
			byPrice[key] = lvl
			keys = append(keys, key)
		}
		lvl.TotalRemaining = lvl.TotalRemaining.Add(o.RemainingAmount)
		lvl.OrderCount++
	}

	sort.Slice(keys, func(i, j int) bool {
		pi, pj := byPrice[keys[i]].Price, byPrice[keys[j]].Price
		if side == SideBuy {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})

	if len(keys) > maxLevels {
		keys = keys[:maxLevels]
	}

	out := make([]PriceLevel, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byPrice[k])
	}
	return out
}

func (m *Memory) Close() error { return nil }
