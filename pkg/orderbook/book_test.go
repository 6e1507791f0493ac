package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resting(side Side, price, remaining float64, createdAt time.Time) *RestingOrder {
	return &RestingOrder{
		ID:        uuid.New(),
		Address:   "0xaaaa",
		Asset:     "ETH",
		Side:      side,
		Type:      OrderTypeLimit,
		Price:     decimal.NewFromFloat(price),
		Remaining: decimal.NewFromFloat(remaining),
		CreatedAt: createdAt,
	}
}

func TestBookCandidatesPriceTimePriority(t *testing.T) {
	t.Run("bids sort highest price first", func(t *testing.T) {
		book := NewBook()
		low := resting(SideBuy, 99, 10, time.Now())
		high := resting(SideBuy, 100, 10, time.Now())
		book.Add(low)
		book.Add(high)

		candidates := book.Candidates(SideBuy)
		require.Len(t, candidates, 2)
		assert.Equal(t, high.ID, candidates[0].ID)
		assert.Equal(t, low.ID, candidates[1].ID)
	})

	t.Run("asks sort lowest price first", func(t *testing.T) {
		book := NewBook()
		high := resting(SideSell, 110, 10, time.Now())
		low := resting(SideSell, 100, 10, time.Now())
		book.Add(high)
		book.Add(low)

		candidates := book.Candidates(SideSell)
		require.Len(t, candidates, 2)
		assert.Equal(t, low.ID, candidates[0].ID)
		assert.Equal(t, high.ID, candidates[1].ID)
	})

	t.Run("same price breaks tie by arrival time", func(t *testing.T) {
		book := NewBook()
		earlier := resting(SideBuy, 100, 10, time.Now().Add(-time.Hour))
		later := resting(SideBuy, 100, 10, time.Now())
		book.Add(later)
		book.Add(earlier)

		candidates := book.Candidates(SideBuy)
		require.Len(t, candidates, 2)
		assert.Equal(t, earlier.ID, candidates[0].ID)
	})
}

func TestBookRemove(t *testing.T) {
	book := NewBook()
	o := resting(SideBuy, 100, 10, time.Now())
	book.Add(o)

	removed, ok := book.Remove(o.ID)
	assert.True(t, ok)
	assert.Equal(t, o.ID, removed.ID)
	assert.Empty(t, book.Candidates(SideBuy))

	_, ok = book.Remove(o.ID)
	assert.False(t, ok)
}

func TestBookSetRemaining(t *testing.T) {
	book := NewBook()
	o := resting(SideSell, 100, 10, time.Now())
	book.Add(o)

	book.SetRemaining(o.ID, decimal.NewFromInt(4))

	candidates := book.Candidates(SideSell)
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].Remaining.Equal(decimal.NewFromInt(4)))
}

func TestBookDepth(t *testing.T) {
	book := NewBook()
	for i := 0; i < 5; i++ {
		book.Add(resting(SideBuy, float64(100-i), 10, time.Now()))
	}
	for i := 0; i < 5; i++ {
		book.Add(resting(SideSell, float64(105+i), 10, time.Now()))
	}

	bids := book.Depth(SideBuy, 3)
	asks := book.Depth(SideSell, 3)

	require.Len(t, bids, 3)
	require.Len(t, asks, 3)
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, asks[0].Price.Equal(decimal.NewFromInt(105)))
}

func TestBookDepthAggregatesSamePrice(t *testing.T) {
	book := NewBook()
	book.Add(resting(SideBuy, 100, 10, time.Now()))
	book.Add(resting(SideBuy, 100, 5, time.Now()))

	depth := book.Depth(SideBuy, 10)
	require.Len(t, depth, 1)
	assert.True(t, depth[0].TotalRemaining.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 2, depth[0].OrderCount)
}

func TestBookDepthExcludesMarketOrders(t *testing.T) {
	book := NewBook()
	marketOrder := resting(SideBuy, 0, 10, time.Now())
	marketOrder.Type = OrderTypeMarket
	marketOrder.Price = decimal.Zero
	book.Add(marketOrder)
	book.Add(resting(SideBuy, 100, 10, time.Now()))

	depth := book.Depth(SideBuy, 10)
	require.Len(t, depth, 1)
	assert.True(t, depth[0].Price.Equal(decimal.NewFromInt(100)))
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideSell, SideBuy.Opposite())
	assert.Equal(t, SideBuy, SideSell.Opposite())
}

func TestBookConcurrentAccess(t *testing.T) {
	book := NewBook()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 100; i++ {
			book.Add(resting(SideBuy, float64(100+i%10), 1, time.Now()))
		}
		done <- struct{}{}
	}()

	go func() {
		for i := 0; i < 100; i++ {
			book.Candidates(SideBuy)
			book.Depth(SideBuy, 5)
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}
