// Package orderbook is the in-memory, per-asset matching index used by
// the matching engine. It is not the source of truth for order state
// (the store is); it exists purely to give the engine O(log n) insert
// and a price-time-priority candidate list for each process_order call.
package orderbook

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is a resting order's side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is a resting order's type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// RestingOrder is the subset of order state the book needs to sort and
// match candidates. Price is the zero value for a market order.
type RestingOrder struct {
	ID        uuid.UUID
	Address   string
	Asset     string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Remaining decimal.Decimal
	CreatedAt time.Time

	index int // heap bookkeeping, unused outside this package
}

// Book is the two-sided resting-order index for a single asset.
type Book struct {
	mu    sync.Mutex
	bids  *sideHeap // price desc, then time asc
	asks  *sideHeap // price asc, then time asc
	byID  map[uuid.UUID]*RestingOrder
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		bids: &sideHeap{side: SideBuy},
		asks: &sideHeap{side: SideSell},
		byID: make(map[uuid.UUID]*RestingOrder),
	}
}

func (b *Book) heapFor(side Side) *sideHeap {
	if side == SideBuy {
		return b.bids
	}
	return b.asks
}

// Add inserts a resting order into its side of the book.
func (b *Book) Add(o *RestingOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.heapFor(o.Side)
	heap.Push(h, o)
	b.byID[o.ID] = o
}

// Remove takes an order out of the book (fill-to-zero or cancel).
func (b *Book) Remove(id uuid.UUID) (*RestingOrder, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[id]
	if !ok {
		return nil, false
	}

	h := b.heapFor(o.Side)
	heap.Remove(h, o.index)
	delete(b.byID, id)
	return o, true
}

// SetRemaining updates a resting order's remaining amount in place.
// It does not change its position in the book: price-time priority
// only depends on price and arrival time, neither of which change
// when an order is partially filled.
func (b *Book) SetRemaining(id uuid.UUID, remaining decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if o, ok := b.byID[id]; ok {
		o.Remaining = remaining
	}
}

// Candidates returns a price-time-priority-sorted snapshot of every
// resting order on the given side. The caller materializes this once
// per process_order call and walks it without re-querying the book,
// per the ordering guarantee in the concurrency model: a candidate's
// store update happens before the next candidate is considered, but
// the candidate list itself is fixed for the duration of the match.
func (b *Book) Candidates(side Side) []*RestingOrder {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.heapFor(side)
	out := make([]*RestingOrder, len(h.orders))
	copy(out, h.orders)
	sort.Slice(out, func(i, j int) bool { return h.less(out[i], out[j]) })
	return out
}

// PriceLevel aggregates resting quantity at a single price.
type PriceLevel struct {
	Price          decimal.Decimal
	TotalRemaining decimal.Decimal
	OrderCount     int
}

// Depth returns up to maxLevels aggregated price levels for a side,
// best price first.
func (b *Book) Depth(side Side, maxLevels int) []PriceLevel {
	ordered := b.Candidates(side)

	levels := make([]PriceLevel, 0, maxLevels)
	index := make(map[string]int)

	for _, o := range ordered {
		if o.Type == OrderTypeMarket {
			continue // market orders never rest long enough to post a price level
		}
		key := o.Price.String()
		if i, ok := index[key]; ok {
			levels[i].TotalRemaining = levels[i].TotalRemaining.Add(o.Remaining)
			levels[i].OrderCount++
			continue
		}
		if len(levels) >= maxLevels {
			continue
		}
		index[key] = len(levels)
		levels = append(levels, PriceLevel{
			Price:          o.Price,
			TotalRemaining: o.Remaining,
			OrderCount:     1,
		})
	}

	return levels
}

// sideHeap implements container/heap.Interface for one side of a book.
type sideHeap struct {
	orders []*RestingOrder
	side   Side
}

func (h *sideHeap) less(a, b *RestingOrder) bool {
	cmp := a.Price.Cmp(b.Price)
	if cmp == 0 {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if h.side == SideBuy {
		return cmp > 0 // bids: highest price first
	}
	return cmp < 0 // asks: lowest price first
}

func (h *sideHeap) Len() int { return len(h.orders) }

func (h *sideHeap) Less(i, j int) bool { return h.less(h.orders[i], h.orders[j]) }

func (h *sideHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.orders[i].index = i
	h.orders[j].index = j
}

func (h *sideHeap) Push(x interface{}) {
	o := x.(*RestingOrder)
	o.index = len(h.orders)
	h.orders = append(h.orders, o)
}

func (h *sideHeap) Pop() interface{} {
	old := h.orders
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.index = -1
	h.orders = old[:n-1]
	return o
}
