// Package query layers read-side caching over the store for the
// request surface's GET endpoints (SPEC_FULL.md §4.1, §4.5). None of
// it participates in order admission or settlement correctness — a
// cold or unreachable Redis just means every read falls through to the
// store.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/vertexfi/exchange/internal/store"
)

// depthTTL is how long a book depth snapshot is trusted before the
// next request recomputes it; short enough that a resting order's
// cancellation or fill is reflected quickly.
const depthTTL = 2 * time.Second

// Service answers read queries, caching the expensive aggregations
// (book depth) in Redis and de-duplicating concurrent cache misses for
// the same key with singleflight so a thundering herd of requests for
// a cold asset triggers exactly one store query.
type Service struct {
	store store.Store
	cache *redis.Client
	group singleflight.Group
}

// NewService builds a query service. cache may be nil, in which case
// every call goes straight to the store.
func NewService(st store.Store, cache *redis.Client) *Service {
	return &Service{store: st, cache: cache}
}

// Balance returns one (address, asset) balance.
func (s *Service) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	return s.store.GetBalance(ctx, address, asset)
}

// Balances returns every balance held by address.
func (s *Service) Balances(ctx context.Context, address string) ([]store.Balance, error) {
	return s.store.ListBalances(ctx, address)
}

// Order returns one order by id.
func (s *Service) Order(ctx context.Context, id uuid.UUID) (store.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// Orders lists orders matching filter. Not cached: filters are varied
// enough, and orders change often enough, that caching buys little.
func (s *Service) Orders(ctx context.Context, filter store.OrderFilter) ([]store.Order, error) {
	return s.store.ListOrders(ctx, filter)
}

// Trades lists trades matching filter.
func (s *Service) Trades(ctx context.Context, filter store.TradeFilter) ([]store.Trade, error) {
	return s.store.ListTrades(ctx, filter)
}

// Settlement returns one settlement by id.
func (s *Service) Settlement(ctx context.Context, id uuid.UUID) (store.Settlement, error) {
	return s.store.GetSettlement(ctx, id)
}

// Settlements lists every settlement.
func (s *Service) Settlements(ctx context.Context) ([]store.Settlement, error) {
	return s.store.ListSettlements(ctx)
}

// SettlementsByAddress lists settlements address sent or received.
func (s *Service) SettlementsByAddress(ctx context.Context, address string) ([]store.SettlementView, error) {
	return s.store.ListSettlementsByAddress(ctx, address)
}

// BookDepth is the cache boundary: aggregated price levels are the one
// read heavy enough (every level rebuilt from every resting order, in
// the Postgres implementation) to be worth caching.
type BookDepth struct {
	Bids []store.PriceLevel `json:"bids"`
	Asks []store.PriceLevel `json:"asks"`
}

// Depth returns the order book aggregation for asset, cached for
// depthTTL.
func (s *Service) Depth(ctx context.Context, asset string, maxLevels int) (BookDepth, error) {
	key := fmt.Sprintf("book:%s:%d", asset, maxLevels)

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key).Result(); err == nil {
			var depth BookDepth
			if json.Unmarshal([]byte(cached), &depth) == nil {
				return depth, nil
			}
		}
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		bids, asks, err := s.store.BookDepth(ctx, asset, maxLevels)
		if err != nil {
			return BookDepth{}, err
		}
		depth := BookDepth{Bids: bids, Asks: asks}

		if s.cache != nil {
			if encoded, err := json.Marshal(depth); err == nil {
				s.cache.Set(ctx, key, encoded, depthTTL)
			}
		}
		return depth, nil
	})
	if err != nil {
		return BookDepth{}, err
	}
	return result.(BookDepth), nil
}

// InvalidateDepth drops a cached depth snapshot. The gateway calls it
// after every order submission and cancellation, so a reader never
// sees stale depth for the full TTL window.
func (s *Service) InvalidateDepth(ctx context.Context, asset string) {
	if s.cache == nil {
		return
	}
	// maxLevels varies by caller, so clear the handful of common sizes
	// rather than tracking every key ever set.
	for _, n := range []int{0, 5, 10, 20, 50, 100} {
		s.cache.Del(ctx, fmt.Sprintf("book:%s:%d", asset, n))
	}
}
