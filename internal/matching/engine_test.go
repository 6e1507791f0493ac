package matching

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/distlock"
	"github.com/vertexfi/exchange/pkg/logging"
)

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	addrC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	logger, err := logging.New("error")
	require.NoError(t, err)

	st := store.NewMemory()
	eng := NewEngine(st, nil, distlock.NewInProcess(), logger)
	return eng, st
}

func seed(st *store.Memory) {
	for _, addr := range []string{addrA, addrB, addrC} {
		st.Seed(addr, "USDC", decimal.NewFromInt(100000))
		st.Seed(addr, "ETH", decimal.NewFromInt(1000))
	}
}

// availableBalance returns the unreserved part of address's asset balance.
func availableBalance(ctx context.Context, st *store.Memory, address, asset string) (decimal.Decimal, error) {
	balances, err := st.ListBalances(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Available(), nil
		}
	}
	return decimal.Zero, nil
}

// S1: a resting limit sell fully matched by an incoming limit buy.
func TestProcessOrderFullMatch(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	sellResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)
	assert.Equal(t, store.OrderPending, sellResult.Status)

	buyResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)
	require.Len(t, buyResult.Trades, 1)
	assert.True(t, buyResult.Trades[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.True(t, buyResult.Trades[0].Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, store.OrderFilled, buyResult.Status)
	assert.True(t, buyResult.RemainingAmount.IsZero())

	sellAfter, err := st.GetOrder(ctx, sellResult.OrderID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderFilled, sellAfter.Status)
}

// S2: a resting limit sell partially matched, leaving a smaller resting order.
func TestProcessOrderPartialFill(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	sellResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)

	buyResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "limit", Amount: "4", Price: "100",
	})
	require.NoError(t, err)
	require.Len(t, buyResult.Trades, 1)
	assert.Equal(t, store.OrderFilled, buyResult.Status)

	sellAfter, err := st.GetOrder(ctx, sellResult.OrderID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderPartiallyFilled, sellAfter.Status)
	assert.True(t, sellAfter.RemainingAmount.Equal(decimal.NewFromInt(6)))
}

// S3: non-crossing limit orders never trade and both rest.
func TestProcessOrderNonCrossingRests(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	_, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "110",
	})
	require.NoError(t, err)

	buyResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)
	assert.Empty(t, buyResult.Trades)
	assert.Equal(t, store.OrderPending, buyResult.Status)

	bids, asks, err := st.BookDepth(ctx, "ETH", 10)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
	assert.Len(t, asks, 1)
}

// Price-time priority: the earlier resting order at the best price fills first.
func TestProcessOrderTimePriority(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	first, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "5", Price: "100",
	})
	require.NoError(t, err)

	_, err = eng.ProcessOrder(ctx, OrderRequest{
		Address: addrC, Asset: "ETH", Side: "sell", Type: "limit", Amount: "5", Price: "100",
	})
	require.NoError(t, err)

	buyResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "limit", Amount: "5", Price: "100",
	})
	require.NoError(t, err)
	require.Len(t, buyResult.Trades, 1)
	assert.Equal(t, first.OrderID, buyResult.Trades[0].SellOrderID)
}

// A market buy matches immediately against the best resting ask.
func TestProcessOrderMarketBuyMatches(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	_, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)

	result, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "market", Amount: "10",
	})
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, store.OrderFilled, result.Status)
}

// A market order that cannot match anything is rejected, not left resting.
func TestProcessOrderMarketNoLiquidity(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	before, err := availableBalance(ctx, st, addrB, "USDC")
	require.NoError(t, err)

	_, err = eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "market", Amount: "10",
	})
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	after, err := availableBalance(ctx, st, addrB, "USDC")
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "reservation for a dead market order must be fully released")
}

// A buyer without enough available balance is rejected before any book mutation.
func TestProcessOrderInsufficientBalance(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	st.Seed(addrA, "USDC", decimal.NewFromInt(1))
	st.Seed(addrB, "ETH", decimal.NewFromInt(100))

	_, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)

	_, err = eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "buy", Type: "limit", Amount: "10", Price: "100",
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

// Malformed requests never reach the book.
func TestProcessOrderValidationError(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	_, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: "not-an-address", Asset: "ETH", Side: "buy", Type: "limit", Amount: "1", Price: "1",
	})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
	assert.Equal(t, "address", vErr.Field)
}

// Cancelling a resting order releases its full remaining reservation.
func TestCancelOrderReleasesEscrow(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	before, err := availableBalance(ctx, st, addrA, "ETH")
	require.NoError(t, err)

	result, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)

	ok, err := eng.CancelOrder(ctx, result.OrderID)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := availableBalance(ctx, st, addrA, "ETH")
	require.NoError(t, err)
	assert.True(t, before.Equal(after))

	order, err := st.GetOrder(ctx, result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, store.OrderCancelled, order.Status)
}

// Cancelling an already-terminal order is a no-op, not an error.
func TestCancelOrderAlreadyTerminal(t *testing.T) {
	eng, st := newTestEngine(t)
	seed(st)
	ctx := context.Background()

	sellResult, err := eng.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)
	_, err = eng.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)

	ok, err := eng.CancelOrder(ctx, sellResult.OrderID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Warm reloads resting limit orders from the store so matching survives a restart.
func TestEngineWarmReloadsRestingOrders(t *testing.T) {
	logger, err := logging.New("error")
	require.NoError(t, err)

	st := store.NewMemory()
	seed(st)
	ctx := context.Background()

	eng1 := NewEngine(st, nil, distlock.NewInProcess(), logger)
	sellResult, err := eng1.ProcessOrder(ctx, OrderRequest{
		Address: addrA, Asset: "ETH", Side: "sell", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)

	eng2 := NewEngine(st, nil, distlock.NewInProcess(), logger)
	require.NoError(t, eng2.Warm(ctx))

	buyResult, err := eng2.ProcessOrder(ctx, OrderRequest{
		Address: addrB, Asset: "ETH", Side: "buy", Type: "limit", Amount: "10", Price: "100",
	})
	require.NoError(t, err)
	require.Len(t, buyResult.Trades, 1)
	assert.Equal(t, sellResult.OrderID, buyResult.Trades[0].SellOrderID)
}
