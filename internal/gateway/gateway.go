// Package gateway is the HTTP/JSON adapter (spec.md §6): it parses
// requests, validates shape, calls the matching engine/query service,
// and formats responses. It carries no matching or settlement logic
// of its own.
package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertexfi/exchange/internal/matching"
	"github.com/vertexfi/exchange/internal/query"
	"github.com/vertexfi/exchange/internal/store"
	"github.com/vertexfi/exchange/pkg/circuit"
	"github.com/vertexfi/exchange/pkg/messaging"
	"github.com/vertexfi/exchange/pkg/money"
)

// Gateway is the API gateway.
type Gateway struct {
	router   *gin.Engine
	engine   *matching.Engine
	query    *query.Service
	store    store.Store
	bus      *messaging.Client
	breakers *circuit.BreakerGroup
	logger   *zap.Logger

	rateLimiter *RateLimiter
}

// RateLimiter is an ambient, IP-keyed availability safeguard (kept
// from the source), not the rate-limiting product feature spec.md's
// Non-goals exclude.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// Config holds gateway configuration.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int

	// SettlementBreakerMaxFailures/Timeout/HalfOpenMax tune the breaker
	// guarding the settlement_requests bus publish (see settlementBreakerName).
	SettlementBreakerMaxFailures int
	SettlementBreakerTimeout     time.Duration
	SettlementBreakerHalfOpenMax int
}

// settlementBreakerName keys the one breaker this gateway runs, guarding
// publishes onto messaging.TopicSettlementRequests.
const settlementBreakerName = "settlement-requests-publish"

// NewGateway builds a gateway wired to the engine, query service, and
// store it fronts.
func NewGateway(cfg Config, eng *matching.Engine, qs *query.Service, st store.Store, bus *messaging.Client, logger *zap.Logger) *Gateway {
	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: orDefault(cfg.SettlementBreakerMaxFailures, 3),
		Timeout:     orDefaultDuration(cfg.SettlementBreakerTimeout, 10*time.Second),
		HalfOpenMax: orDefault(cfg.SettlementBreakerHalfOpenMax, 2),
	})

	g := &Gateway{
		router:   gin.New(),
		engine:   eng,
		query:    qs,
		store:    st,
		bus:      bus,
		breakers: breakers,
		logger:   logger,
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

// Handler exposes the underlying router for cmd/server to wrap in an
// *http.Server with its own read/write timeouts.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.health)

	api := g.router.Group("/api")
	{
		api.POST("/settle", g.createSettlement)
		api.GET("/settlements", g.listSettlements)
		api.GET("/settlements/:id", g.getSettlement)
		api.GET("/settlements/address/:address", g.listSettlementsByAddress)

		api.GET("/balance/:address", g.getBalance)
		api.GET("/balance/:address/all", g.getAllBalances)

		api.GET("/assets", g.listAssets)

		api.POST("/orders", g.createOrder)
		api.GET("/orders", g.listOrders)
		api.GET("/orders/:id", g.getOrder)
		api.POST("/orders/:id/cancel", g.cancelOrder)
		api.GET("/orders/book/:asset", g.getOrderBook)

		api.GET("/trades", g.listTrades)
	}
}

// Start runs the router's own listener; cmd/server prefers building
// its own *http.Server around Handler() for graceful shutdown, this
// exists for the simple case.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Middleware

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set("trace_id", traceID)
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

func traceID(c *gin.Context) string {
	if v, ok := c.Get("trace_id"); ok {
		return v.(string)
	}
	return ""
}

// Error body shapes (spec.md §6): settlement/balance/asset/health
// routes use {error, message, statusCode}; orders/trades routes use
// {success:false, error, message}. Both are preserved deliberately.

func writeError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"error": kind, "message": message, "statusCode": status})
}

func writeOrderError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"success": false, "error": kind, "message": message})
}

// Handlers

func (g *Gateway) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

type settleRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Asset  string `json:"asset" binding:"required"`
}

func (g *Gateway) createSettlement(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		writeError(c, http.StatusBadRequest, "validation", "amount must be a positive number")
		return
	}

	s := store.Settlement{
		ID:        uuid.New(),
		From:      req.From,
		To:        req.To,
		Amount:    money.Round(amount, req.Asset),
		Asset:     req.Asset,
		Status:    store.SettlementPending,
		CreatedAt: time.Now(),
	}

	ctx := c.Request.Context()
	if err := g.store.InsertSettlement(ctx, s); err != nil {
		g.logger.Error("create settlement failed", zap.String("trace_id", traceID(c)), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "internal", "failed to create settlement")
		return
	}

	err = g.breakers.Execute(ctx, settlementBreakerName, func() error {
		return g.bus.Publish(ctx, messaging.TopicSettlementRequests, messaging.SettlementRequested{
			ID:     s.ID.String(),
			From:   s.From,
			To:     s.To,
			Amount: s.Amount.String(),
			Asset:  s.Asset,
		})
	})
	if err != nil {
		g.logger.Error("publish settlement request failed", zap.String("trace_id", traceID(c)), zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{"settlementId": s.ID, "status": s.Status})
}

func (g *Gateway) listSettlements(c *gin.Context) {
	settlements, err := g.query.Settlements(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "failed to list settlements")
		return
	}
	c.JSON(http.StatusOK, settlements)
}

func (g *Gateway) getSettlement(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "validation", "invalid settlement id")
		return
	}
	s, err := g.query.Settlement(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "not_found", "settlement not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "failed to load settlement")
		return
	}
	c.JSON(http.StatusOK, s)
}

func (g *Gateway) listSettlementsByAddress(c *gin.Context) {
	address := c.Param("address")
	views, err := g.query.SettlementsByAddress(c.Request.Context(), address)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "failed to list settlements")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":     address,
		"settlements": views,
		"total":       len(views),
		"timestamp":   time.Now(),
	})
}

func (g *Gateway) getBalance(c *gin.Context) {
	address := c.Param("address")
	asset := c.Query("asset")
	if asset == "" {
		writeError(c, http.StatusBadRequest, "validation", "asset query parameter is required")
		return
	}
	balance, err := g.query.Balance(c.Request.Context(), address, asset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "asset": asset, "balance": balance})
}

func (g *Gateway) getAllBalances(c *gin.Context) {
	address := c.Param("address")
	balances, err := g.query.Balances(c.Request.Context(), address)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal", "failed to load balances")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   address,
		"balances":  balances,
		"total":     len(balances),
		"timestamp": time.Now(),
	})
}

func (g *Gateway) listAssets(c *gin.Context) {
	assets := make([]money.Asset, 0, len(money.Catalogue))
	for _, a := range money.Catalogue {
		assets = append(assets, a)
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets, "total": len(assets), "timestamp": time.Now()})
}

type createOrderRequest struct {
	Address string `json:"address" binding:"required"`
	Asset   string `json:"asset" binding:"required"`
	Side    string `json:"side" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Price   string `json:"price"`
	Type    string `json:"type" binding:"required"`
}

func (g *Gateway) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeOrderError(c, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	result, err := g.engine.ProcessOrder(c.Request.Context(), matching.OrderRequest{
		Address: req.Address,
		Asset:   req.Asset,
		Side:    req.Side,
		Type:    req.Type,
		Amount:  req.Amount,
		Price:   req.Price,
	})
	if err != nil {
		g.writeEngineError(c, err)
		return
	}

	g.query.InvalidateDepth(c.Request.Context(), req.Asset)

	tradeID := ""
	if len(result.Trades) > 0 {
		tradeID = result.Trades[0].ID.String()
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{
		"tradeId":         tradeID,
		"orderId":         result.OrderID,
		"trades":          result.Trades,
		"remainingAmount": result.RemainingAmount,
	}})
}

func (g *Gateway) writeEngineError(c *gin.Context, err error) {
	var vErr *matching.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeOrderError(c, http.StatusBadRequest, "validation", vErr.Error())
	case errors.Is(err, matching.ErrInsufficientBalance):
		writeOrderError(c, http.StatusBadRequest, "insufficient_balance", "insufficient available balance")
	case errors.Is(err, matching.ErrInsufficientLiquidity):
		writeOrderError(c, http.StatusBadRequest, "insufficient_liquidity", "no matching liquidity for market order")
	case errors.Is(err, store.ErrNotFound):
		writeOrderError(c, http.StatusNotFound, "not_found", "order not found")
	default:
		g.logger.Error("order processing failed", zap.Error(err))
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to process order")
	}
}

func (g *Gateway) listOrders(c *gin.Context) {
	filter := store.OrderFilter{Address: c.Query("address")}
	if status := c.Query("status"); status != "" {
		filter.Status = store.OrderStatus(status)
		filter.HasStatus = true
	}
	orders, err := g.query.Orders(c.Request.Context(), filter)
	if err != nil {
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to list orders")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": orders})
}

func (g *Gateway) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeOrderError(c, http.StatusBadRequest, "validation", "invalid order id")
		return
	}
	order, err := g.query.Order(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeOrderError(c, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to load order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": order})
}

func (g *Gateway) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeOrderError(c, http.StatusBadRequest, "validation", "invalid order id")
		return
	}

	order, err := g.query.Order(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeOrderError(c, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to load order")
		return
	}

	ok, err := g.engine.CancelOrder(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to cancel order")
		return
	}
	if !ok {
		writeOrderError(c, http.StatusBadRequest, "cannot_cancel", "Current status: "+string(order.Status))
		return
	}

	g.query.InvalidateDepth(c.Request.Context(), order.Asset)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "order cancelled"})
}

// orderBookDepthLevels is the number of price levels per side returned
// by getOrderBook (spec: top 10 price levels).
const orderBookDepthLevels = 10

func (g *Gateway) getOrderBook(c *gin.Context) {
	asset := c.Param("asset")
	depth, err := g.query.Depth(c.Request.Context(), asset, orderBookDepthLevels)
	if err != nil {
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to load order book")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
		"asset":     asset,
		"bids":      depth.Bids,
		"asks":      depth.Asks,
		"timestamp": time.Now(),
	}})
}

func (g *Gateway) listTrades(c *gin.Context) {
	filter := store.TradeFilter{Asset: c.Query("asset"), Address: c.Query("address")}
	trades, err := g.query.Trades(c.Request.Context(), filter)
	if err != nil {
		writeOrderError(c, http.StatusInternalServerError, "internal", "failed to list trades")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": trades})
}

// Allow checks if a request from key is permitted under the window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0, len(requests))
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
